package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers serves host-level metrics for the operator dashboard
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
}

// NewSystemHandlers creates the system metrics handler
func NewSystemHandlers(log zerolog.Logger, dataDir string) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
	}
}

// HandleSystem handles GET /api/system
func (h *SystemHandlers) HandleSystem(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
	}

	// CPU sampled over a short window; 0 samples since boot otherwise
	if percents, err := cpu.PercentWithContext(r.Context(), 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		response["cpu_percent"] = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		response["memory"] = map[string]any{
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
			"percent":     vm.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory stats")
	}

	if usage, err := disk.UsageWithContext(r.Context(), h.dataDir); err == nil {
		response["disk"] = map[string]any{
			"path":        h.dataDir,
			"total_bytes": usage.Total,
			"used_bytes":  usage.Used,
			"percent":     usage.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Str("path", h.dataDir).Msg("Failed to read disk usage")
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, response, h.log)
}
