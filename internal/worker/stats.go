package worker

import (
	"fmt"
	"runtime"
	"time"

	"github.com/mattjoyce/forkq/internal/protocol"
)

const mib = 1024 * 1024

// FormatUptime renders d as "D days H:MM:SS".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int64(d / time.Second)
	days := sec / 86400
	sec %= 86400
	hrs := sec / 3600
	sec %= 3600
	mins := sec / 60
	sec %= 60
	return fmt.Sprintf("%d days %d:%02d:%02d", days, hrs, mins, sec)
}

func memorySnapshot() protocol.Memory {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return protocol.Memory{
		RSS:       fmt.Sprintf("%.2f", float64(m.Sys)/mib),
		HeapTotal: fmt.Sprintf("%.2f", float64(m.HeapSys)/mib),
		HeapUsed:  fmt.Sprintf("%.2f", float64(m.HeapAlloc)/mib),
	}
}
