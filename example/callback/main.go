package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/FieldFlow/pkg/fieldflow"
)

func main() {
	flow, err := fieldflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, batch []fieldflow.Sample) error {
		for _, sample := range batch {
			fmt.Printf("%s sensor=%s value=%g %s source=%s\n",
				sample.Timestamp.Format(time.RFC3339Nano),
				sample.SensorID,
				sample.Value,
				sample.Unit,
				sample.Source,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, fieldflow.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
