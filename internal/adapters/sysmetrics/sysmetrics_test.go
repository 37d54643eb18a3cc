package sysmetrics

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeStat(t *testing.T, path, line string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(line+"\ncpu0 1 2 3 4 5 6 7 8\n"), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
}

func TestCPUPercentFromTwoReadings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	r := &Reader{statPath: path}

	writeStat(t, path, "cpu  100 0 100 800 0 0 0 0 0 0")
	if got := r.cpuPercent(); got != 0 {
		t.Fatalf("first reading has no baseline, got %v", got)
	}
	// +150 busy, +50 idle.
	writeStat(t, path, "cpu  200 0 150 850 0 0 0 0 0 0")
	if got := r.cpuPercent(); math.Abs(got-75) > 1e-9 {
		t.Fatalf("expected 75%%, got %v", got)
	}
}

func TestReadCPUStatsRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	writeStat(t, path, "intr 1 2 3")
	if readCPUStats(path) != nil {
		t.Fatalf("expected nil for non-cpu line")
	}
	writeStat(t, path, "cpu  1 2 x 4 5 6 7 8")
	if readCPUStats(path) != nil {
		t.Fatalf("expected nil for unparseable field")
	}
	if readCPUStats(filepath.Join(t.TempDir(), "missing")) != nil {
		t.Fatalf("expected nil for missing file")
	}
}

func TestReadReportsMemory(t *testing.T) {
	m, err := NewReader().Read()
	if err != nil {
		t.Skipf("sysinfo unavailable: %v", err)
	}
	if m.MemTotalBytes > 0 && m.MemUsedBytes > m.MemTotalBytes {
		t.Fatalf("used %d exceeds total %d", m.MemUsedBytes, m.MemTotalBytes)
	}
}
