package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/config"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/oraclestub"
	"github.com/signalsfoundry/rt-oracle-bridge/measurement"
)

const scenarioYAML = `
name: smoke
duration: 3
frequency_hz: 3.5e9
tx_psd: [1.0e-9]
nodes:
  - id: gnb
    position: {x: 0, y: 0, z: 0}
  - id: ue
    position: {x: 300, y: 0, z: 1.5}
transmissions:
  - {at: 1, from: gnb, to: ue}
  - {at: 2, from: gnb, to: ue}
`

func writeScenario(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestRunAgainstStub(t *testing.T) {
	stub, err := oraclestub.Listen("127.0.0.1:0", oraclestub.WithPathGain("0", "ue", 92.5))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stub.Serve(ctx) }()

	cfg := config.Defaults()
	cfg.Enabled = true
	cfg.OraclePort = stub.Port()
	cfg.ReceiveTimeout = 2 * time.Second
	cfg.Log.Path = filepath.Join(t.TempDir(), "measurements.csv")

	var out bytes.Buffer
	if err := run(ctx, cfg, writeScenario(t), logging.Noop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	summary := out.String()
	if !strings.Contains(summary, `scenario "smoke": 2 receptions, 0 oracle failures`) {
		t.Fatalf("unexpected summary:\n%s", summary)
	}
	if !strings.Contains(summary, "92.50") {
		t.Fatalf("summary missing oracle loss:\n%s", summary)
	}

	select {
	case <-stub.ShutdownReceived():
	case <-time.After(2 * time.Second):
		t.Fatalf("stub never saw the shutdown notification")
	}

	data, err := os.ReadFile(cfg.Log.Path)
	if err != nil {
		t.Fatalf("read measurements: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines:\n%s", len(lines), data)
	}
	if lines[0] != strings.Join(measurement.Header, ",") {
		t.Fatalf("header = %q", lines[0])
	}
	for _, row := range lines[1:] {
		cells := strings.Split(row, ",")
		if len(cells) != len(measurement.Header) || cells[2] != "0" || cells[3] != "ue" || cells[5] != "92.5" {
			t.Fatalf("unexpected row %q", row)
		}
	}
}

func TestRunDisabledNeedsNoOracle(t *testing.T) {
	cfg := config.Defaults()

	var out bytes.Buffer
	if err := run(context.Background(), cfg, writeScenario(t), logging.Noop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "2 receptions, 0 oracle failures") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}

func TestRootCommandRejectsMissingScenario(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{})
	cmd.SetArgs([]string{"--scenario", filepath.Join(t.TempDir(), "missing.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error for a missing scenario")
	}
}
