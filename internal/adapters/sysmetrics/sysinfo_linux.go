//go:build linux

package sysmetrics

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// loadScale is the fixed-point shift of sysinfo load averages.
const loadScale = 1 << 16

func fillSysinfo(m *domain.SystemMetrics) error {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	total := uint64(info.Totalram) * unit
	free := uint64(info.Freeram) * unit
	m.MemTotalBytes = total
	if total >= free {
		m.MemUsedBytes = total - free
	}
	for i := range m.Load {
		m.Load[i] = float64(info.Loads[i]) / loadScale
	}
	m.UptimeSeconds = int64(info.Uptime)
	return nil
}
