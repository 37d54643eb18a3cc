package testutil

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message captured by MQTTClient.Publish.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MQTTClient is an in-memory paho client. Subscribe records handlers so tests
// can Deliver messages; Publish records payloads or fails with PublishErr.
type MQTTClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	ConnectErr error
	PublishErr error
	handlers   map[string]mqtt.MessageHandler
	published  []Published
	subscribes int

	// OnConnect, when set, is fired by Reconnect the way paho fires the
	// options' connect handler.
	OnConnect mqtt.OnConnectHandler
}

func NewMQTTClient() *MQTTClient {
	return &MQTTClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr == nil {
		c.connected = true
	}
	return &Token{Err: c.ConnectErr}
}

func (c *MQTTClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return &Token{Err: c.PublishErr}
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	return &Token{}
}

func (c *MQTTClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	c.subscribes++
	return &Token{}
}

// Subscribes counts Subscribe calls.
func (c *MQTTClient) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// Reconnect emulates a broker blip under a clean session: subscriptions are
// forgotten, the client reconnects and OnConnect fires.
func (c *MQTTClient) Reconnect() {
	c.mu.Lock()
	c.handlers = map[string]mqtt.MessageHandler{}
	c.connected = true
	hook := c.OnConnect
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (c *MQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &Token{}
}

// Deliver invokes the handler registered for subscription with a message on topic.
func (c *MQTTClient) Deliver(subscription, topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[subscription]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &Message{TopicName: topic, Body: payload})
	return true
}

// Messages returns a copy of everything published so far.
func (c *MQTTClient) Messages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Token is a completed paho token.
type Token struct {
	Err error
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Error() error                   { return t.Err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is a static paho message.
type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 1 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 1 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}
