package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-trainer/internal/logger"
)

// HealthStatus is the JSON document served at /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo reports process-level resources.
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// TrainingInfo reports run progress as seen from this rank.
type TrainingInfo struct {
	EngineReachable bool      `json:"engine_reachable"`
	Rank            int       `json:"rank"`
	WorldSize       int       `json:"world_size"`
	Iteration       int64     `json:"iteration"`
	ConsumedSamples int       `json:"consumed_samples"`
	SkippedSteps    int       `json:"skipped_steps"`
	StepsPerSecond  float64   `json:"steps_per_second"`
	AvgStepMs       float64   `json:"avg_step_ms"`
	LastStep        time.Time `json:"last_step"`
}

// Alert is one recorded condition.
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, step, loss, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type stepPoint struct {
	timestamp time.Time
	samples   int
	duration  time.Duration
}

// HealthMonitor serves health, status and Prometheus endpoints for one
// trainer rank and keeps a short alert and step history.
type HealthMonitor struct {
	startTime time.Time
	rank      int
	worldSize int
	server    *http.Server

	mu              sync.RWMutex
	alerts          []Alert
	engineReachable bool
	iteration       int64
	consumed        int
	skipped         int
	lastStep        time.Time
	stepHistory     []stepPoint
}

// NewHealthMonitor creates a monitor for the given rank.
func NewHealthMonitor(rank, worldSize int) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		rank:      rank,
		worldSize: worldSize,
	}
}

// Start serves until the listener fails or Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.HandleFunc("/admin/resolve-alert", hm.handleResolveAlert)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

// Stop shuts the HTTP server down.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// SetEngineReachable records the latest engine probe outcome. Losing the
// engine is critical: every rank in the job stalls on its collectives.
func (hm *HealthMonitor) SetEngineReachable(ok bool) {
	hm.mu.Lock()
	was := hm.engineReachable
	hm.engineReachable = ok
	hm.mu.Unlock()
	if was && !ok {
		hm.AddAlert("critical", "engine", "training engine unreachable")
	}
}

// RecordStep records one optimizer step.
func (hm *HealthMonitor) RecordStep(iteration int64, samples int, duration time.Duration, skippedStep bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastStep = now
	hm.iteration = iteration
	hm.consumed += samples
	if skippedStep {
		hm.skipped++
	}

	hm.stepHistory = append(hm.stepHistory, stepPoint{timestamp: now, samples: samples, duration: duration})
	if len(hm.stepHistory) > 1000 {
		hm.stepHistory = hm.stepHistory[1:]
	}

	if skippedStep {
		hm.addAlertLocked("warning", "step",
			fmt.Sprintf("optimizer skipped step at iteration %d (loss scale backed off)", iteration))
	}
	if duration > time.Minute {
		hm.addAlertLocked("warning", "step",
			fmt.Sprintf("slow step: %.1fs at iteration %d", duration.Seconds(), iteration))
	}
}

// RecordLossFailure records a non-finite loss. The run is about to abort.
func (hm *HealthMonitor) RecordLossFailure(msg string) {
	hm.AddAlert("critical", "loss", msg)
}

// AddAlert appends a new alert, keeping the last 100.
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

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
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, "index query parameter required", http.StatusBadRequest)
		return
	}
	hm.ResolveAlert(index)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alert resolved"})
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Level == "critical" && !alert.Resolved {
			status = "critical"
			break
		} else if alert.Level == "error" && !alert.Resolved {
			status = "degraded"
		}
	}
	if !hm.engineReachable {
		status = "critical"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    hm.getSystemInfo(),
		Training:  hm.trainingInfoLocked(),
		Alerts:    hm.alerts,
	}
}

func (hm *HealthMonitor) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

func (hm *HealthMonitor) trainingInfoLocked() TrainingInfo {
	info := TrainingInfo{
		EngineReachable: hm.engineReachable,
		Rank:            hm.rank,
		WorldSize:       hm.worldSize,
		Iteration:       hm.iteration,
		ConsumedSamples: hm.consumed,
		SkippedSteps:    hm.skipped,
		LastStep:        hm.lastStep,
	}
	if len(hm.stepHistory) == 0 {
		return info
	}

	var total time.Duration
	for _, p := range hm.stepHistory {
		total += p.duration
	}
	info.AvgStepMs = float64(total.Nanoseconds()) / float64(len(hm.stepHistory)) / 1e6
	if total > 0 {
		info.StepsPerSecond = float64(len(hm.stepHistory)) / total.Seconds()
	}
	return info
}
