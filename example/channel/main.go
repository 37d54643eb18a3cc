package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/FieldFlow"
)

func main() {
	flow, err := fieldflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	up, batches, closeBatches := fieldflow.NewChannelUplink("fanout", 32)
	defer closeBatches()

	// Simulated readings back any sensor configured with kind simulated.
	sim := fieldflow.NewSimulator(fieldflow.SimulatorConfig{})

	go fanoutWorker("ingest", batches)

	if err := flow.StreamIN(fieldflow.StreamInSimulator(sim)).Run(ctx, fieldflow.StreamOutUplink(up)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []fieldflow.Sample) {
	for batch := range batches {
		fmt.Printf("[%s] received %d samples at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
