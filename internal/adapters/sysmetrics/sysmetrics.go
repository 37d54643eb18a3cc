// Package sysmetrics samples host CPU, memory, load and uptime for heartbeats.
package sysmetrics

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/FieldFlow/internal/domain"
)

// cpuReading is cumulative busy/idle jiffies from the aggregate /proc/stat line.
type cpuReading struct {
	busy uint64
	idle uint64
}

// Reader keeps the previous CPU reading so each Read reports utilisation
// since the last call.
type Reader struct {
	statPath string

	mu   sync.Mutex
	prev *cpuReading
}

func NewReader() *Reader { return &Reader{statPath: "/proc/stat"} }

func (r *Reader) cpuPercent() float64 {
	cur := readCPUStats(r.statPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.prev
	r.prev = cur
	if prev == nil || cur == nil {
		return 0
	}
	busy := cur.busy - prev.busy
	total := busy + (cur.idle - prev.idle)
	if total == 0 {
		return 0
	}
	return float64(busy) / float64(total) * 100
}

// readCPUStats parses "cpu user nice system idle iowait irq softirq steal ...".
// guest time is already folded into user/nice.
func readCPUStats(path string) *cpuReading {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}
	v := make([]uint64, 8)
	for i := range v {
		n, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil
		}
		v[i] = n
	}
	return &cpuReading{
		busy: v[0] + v[1] + v[2] + v[5] + v[6] + v[7],
		idle: v[3] + v[4],
	}
}

// Read returns a host snapshot. Fields the platform cannot supply are zero.
func (r *Reader) Read() (domain.SystemMetrics, error) {
	m := domain.SystemMetrics{CPUPercent: r.cpuPercent()}
	if err := fillSysinfo(&m); err != nil {
		return m, err
	}
	return m, nil
}
