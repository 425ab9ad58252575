package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/runnable-bridge/internal/communicator"
)

// SystemMetrics represents the complete metrics response.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	WebSocket     WSMetrics          `json:"websocket"`
	Accessories   AccessoryMetrics   `json:"accessories"`
	Runnable      communicator.Stats `json:"runnable"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	ChangesRelayed   uint64 `json:"changes_relayed"`
	MessagesRelayed  uint64 `json:"messages_relayed"`
}

// AccessoryMetrics counts accessories by service and how many
// characteristics have a known value.
type AccessoryMetrics struct {
	Total      int            `json:"total"`
	ByService  map[string]int `json:"by_service"`
	Known      int            `json:"known_values"`
	Unknown    int            `json:"unknown_values"`
	LastUpdate string         `json:"last_update,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			ChangesRelayed:   s.changesRelayed.Load(),
			MessagesRelayed:  s.messagesRelayed.Load(),
		},
		Accessories: AccessoryMetrics{ByService: make(map[string]int)},
		Runnable:    s.runnable.Stats(),
	}

	var last time.Time
	for _, acc := range s.platform.Accessories() {
		metrics.Accessories.Total++
		metrics.Accessories.ByService[acc.Service]++
		for _, c := range acc.Characteristics {
			if _, ok := acc.Values[c]; ok {
				metrics.Accessories.Known++
			} else {
				metrics.Accessories.Unknown++
			}
		}
		if acc.UpdatedAt.After(last) {
			last = acc.UpdatedAt
		}
	}
	if !last.IsZero() {
		metrics.Accessories.LastUpdate = last.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, metrics)
}
