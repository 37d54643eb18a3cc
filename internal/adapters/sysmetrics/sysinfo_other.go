//go:build !linux

package sysmetrics

import "github.com/ghalamif/FieldFlow/internal/domain"

func fillSysinfo(*domain.SystemMetrics) error { return nil }
