package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/FieldFlow/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session to a
// collaborator such as a charge controller or PLC.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	MaxAge           time.Duration `yaml:"max_age"`
	Nodes            []NodeConfig  `yaml:"nodes"`
}

// NodeConfig maps a monitored node to a metric name.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`
	Metric string `yaml:"metric"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "FieldFlow Agent"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	for i := range c.Nodes {
		if c.Nodes[i].Metric == "" {
			c.Nodes[i].Metric = c.Nodes[i].NodeID
		}
	}
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	for _, n := range c.Nodes {
		if _, err := ua.ParseNodeID(n.NodeID); err != nil {
			return fmt.Errorf("node %q: %w", n.NodeID, err)
		}
	}
	return nil
}

type reading struct {
	value float64
	at    time.Time
}

// MetricSource subscribes to OPC UA nodes and keeps the latest value of each
// as a named metric. A metric is absent until its first notification, after
// Stop, and once it is older than MaxAge.
type MetricSource struct {
	cfg Config
	obs ports.Observability
	now func() time.Time

	mu        sync.Mutex
	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handleMap map[uint32]NodeConfig
	latest    map[string]reading
	started   bool
}

func NewMetricSource(cfg Config, obs ports.Observability) (*MetricSource, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	handles := make(map[uint32]NodeConfig, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		handles[uint32(i+1)] = n
	}
	return &MetricSource{
		cfg:       cfg,
		obs:       obs,
		now:       time.Now,
		handleMap: handles,
		latest:    make(map[string]reading),
	}, nil
}

// ReadMetric returns the latest value for name.
func (m *MetricSource) ReadMetric(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latest[name]
	if !ok {
		return 0, false
	}
	if m.cfg.MaxAge > 0 && m.now().Sub(r.at) > m.cfg.MaxAge {
		return 0, false
	}
	return r.value, true
}

func (m *MetricSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("opcua metric source already started")
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	client, err := opcua.NewClient(m.cfg.Endpoint, m.clientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(m.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: m.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	for handle, node := range m.handleMap {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if m.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(m.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			cleanup(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q rejected", node.NodeID)
		}
	}

	m.mu.Lock()
	m.client = client
	m.sub = sub
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	m.obs.LogInfo("opcua_subscribed",
		ports.Field{Key: "endpoint", Value: m.cfg.Endpoint},
		ports.Field{Key: "nodes", Value: len(m.cfg.Nodes)},
	)

	m.wg.Add(1)
	go m.consume(ctx, notifyCh)
	return nil
}

func (m *MetricSource) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel, sub, client := m.cancel, m.sub, m.client
	m.started = false
	m.cancel, m.sub, m.client = nil, nil, nil
	m.latest = make(map[string]reading)
	m.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	m.wg.Wait()
	return err
}

func (m *MetricSource) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				m.obs.LogWarn("opcua_notification_error", ports.Field{Key: "error", Value: notif.Error.Error()})
				continue
			}
			m.apply(notif.Value)
		}
	}
}

func (m *MetricSource) apply(val interface{}) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	for _, item := range data.MonitoredItems {
		node, ok := m.handleMap[item.ClientHandle]
		if !ok || item.Value == nil {
			continue
		}
		if item.Value.Status != ua.StatusOK {
			m.forget(node.Metric)
			continue
		}
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			m.obs.LogWarn("opcua_unsupported_type",
				ports.Field{Key: "node_id", Value: node.NodeID},
				ports.Field{Key: "type", Value: fmt.Sprintf("%T", item.Value.Value)},
			)
			continue
		}
		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = m.now()
		}
		m.mu.Lock()
		m.latest[node.Metric] = reading{value: fv, at: ts}
		m.mu.Unlock()
	}
}

func (m *MetricSource) forget(metric string) {
	m.mu.Lock()
	delete(m.latest, metric)
	m.mu.Unlock()
}

func (m *MetricSource) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(m.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(m.cfg.SecurityPolicy)),
		opcua.ApplicationName(m.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if m.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(m.cfg.Username, m.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func cleanup(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.MetricSource = (*MetricSource)(nil)
