package domain

// SystemMetrics is the host snapshot carried in heartbeats.
type SystemMetrics struct {
	CPUPercent    float64    `json:"cpu_percent" cbor:"cpu_percent"`
	MemUsedBytes  uint64     `json:"mem_used_bytes" cbor:"mem_used_bytes"`
	MemTotalBytes uint64     `json:"mem_total_bytes" cbor:"mem_total_bytes"`
	Load          [3]float64 `json:"load" cbor:"load"`
	UptimeSeconds int64      `json:"uptime_seconds" cbor:"uptime_seconds"`
}
