package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/model"
)

// PlacementSource is the part of a model the monitor reports on.
type PlacementSource interface {
	Planned() bool
	Placement() []model.DevicePlacement
}

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Placement   PlacementInfo   `json:"placement"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PlacementInfo struct {
	Planned bool                    `json:"planned"`
	Devices []model.DevicePlacement `json:"devices"`
}

type PerformanceInfo struct {
	Passes          int       `json:"passes"`
	Errors          int       `json:"errors"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastForward     time.Time `json:"last_forward"`
}

// Alert represents a system alert
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // placement, forward, weights
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfPoint is one forward pass.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

// HealthMonitor serves health, placement and prometheus metrics over HTTP.
type HealthMonitor struct {
	startTime   time.Time
	source      PlacementSource
	server      *http.Server
	mu          sync.RWMutex
	alerts      []Alert
	perfHistory []PerfPoint
}

func NewHealthMonitor(source PlacementSource) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		source:    source,
	}
}

// Handler routes /health, /healthz, /status, /placement and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/placement", hm.handlePlacement)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordForward adds one pass to the performance history.
func (hm *HealthMonitor) RecordForward(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	point := PerfPoint{Timestamp: time.Now(), Tokens: tokens, Duration: duration, Failed: err != nil}
	hm.perfHistory = append(hm.perfHistory, point)
	// Keep only last 1000 points
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "forward", err.Error())
	} else if duration > 5*time.Second {
		hm.AddAlert("warning", "forward", fmt.Sprintf("High latency: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.getHealthStatus())
}

func (hm *HealthMonitor) handlePlacement(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.placementInfo())
}

func (hm *HealthMonitor) placementInfo() PlacementInfo {
	if hm.source == nil {
		return PlacementInfo{}
	}
	return PlacementInfo{Planned: hm.source.Planned(), Devices: hm.source.Placement()}
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	placement := hm.placementInfo()

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !placement.Planned {
		status = "unplanned"
	}
	for _, alert := range hm.alerts {
		if alert.Level == "critical" {
			status = "critical"
			break
		} else if alert.Level == "error" && status == "healthy" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime).String(),
		System:      getSystemInfo(),
		Placement:   placement,
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	info := PerformanceInfo{Passes: len(hm.perfHistory)}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		if point.Failed {
			info.Errors++
			continue
		}
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	info.LastForward = hm.perfHistory[len(hm.perfHistory)-1].Timestamp
	if len(latencies) == 0 {
		return info
	}

	sort.Float64s(latencies)
	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(latencies)) / 1e6
	info.P95LatencyMs = latencies[p95Index]
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}
