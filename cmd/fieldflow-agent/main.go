package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ghalamif/FieldFlow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("fieldflow-agent %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to agent configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := fieldflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := fieldflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: agent=%s sensors=%d uplink=%s analog=%s\n",
		*cfgPath, cfg.Agent.ID, len(cfg.Sensors), cfg.Uplink.Kind, cfg.Hardware.Analog.Driver)
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/status", "Agent status endpoint")
	interval := fs.DurationP("interval", "i", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming status from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printStatusSnapshot(ctx, client, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printStatusSnapshot(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var snap fieldflow.DisplaySnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	uplink := "n/a"
	if snap.Uplink != nil {
		uplink = fmt.Sprintf("%s connected=%t delivered=%d", snap.Uplink.Name, snap.Uplink.Connected, snap.Uplink.Delivered)
	}
	fmt.Printf("[%s] queue=%d dropped=%d state=%s uplink=(%s)\n",
		snap.GeneratedAt.Format(time.RFC3339),
		snap.QueueDepth,
		snap.Dropped,
		snap.BufferState,
		uplink,
	)
	for _, s := range snap.Sensors {
		fmt.Printf("  %-16s %12.4f %-6s %-8s %s\n", s.SensorID, s.Value, s.Unit, s.Label, s.Source)
	}
	if snap.LastError != "" {
		fmt.Printf("  last error: %s\n", snap.LastError)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`FieldFlow agent

Usage:
  fieldflow-agent <command> [flags]

Commands:
  run        Start the telemetry agent using the provided config
  validate   Load and validate a config file without starting the agent
  stats      Poll the agent status endpoint and print live readings

Examples:
  fieldflow-agent run --config ./data/config.yaml
  fieldflow-agent validate --config ./data/config.yaml
  fieldflow-agent stats --url http://localhost:9100/status --interval 1s
`)
}
