package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// SystemStats enthält aktuelle System- und Prozessstatistiken für die
// Status-Endpunkte von Agent und Gateway
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	Timestamp time.Time `json:"timestamp"`
}

// GetSystemStats sammelt die aktuellen Prozessstatistiken. Die CPU-Auslastung
// wird gedrosselt abgetastet, damit häufige Statusabfragen billig bleiben.
func GetSystemStats() SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    sampleCPUUsage(),
		MemoryAlloc: mem.Alloc,
		MemorySys:   mem.Sys,
		Timestamp:   time.Now(),
	}
}

// sampleCPUUsage liefert die systemweite CPU-Auslastung in Prozent,
// höchstens alle cpuUsageSampleRate neu gemessen
func sampleCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if time.Since(lastCPUTime) < cpuUsageSampleRate {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		log.Debugf("Failed to sample CPU usage: %v", err)
		return lastCPUUsage
	}

	lastCPUUsage = percentages[0]
	lastCPUTime = time.Now()
	return lastCPUUsage
}

// FormatBytes formatiert Bytes in lesbare Einheiten (KB, MB, GB)
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}
