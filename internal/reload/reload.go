// Package reload implements the configuration hot-reload controller:
// re-reading the config file, validating the candidate, and atomically
// swapping the active generation on success.
package reload

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/metrics"
	"github.com/yatagarasu/yatagarasu/internal/pipeline"
)

// Controller watches a config file path and rebuilds the pipeline's active
// Generation whenever a reload is triggered, either by an OS signal or an
// authenticated admin request.
type Controller struct {
	path     string
	pipeline *pipeline.Pipeline

	mu      sync.Mutex // serializes concurrent reload attempts
	running *config.Config
	gen     atomic.Int64
}

// Result describes the outcome of one reload attempt.
type Result struct {
	Success          bool
	ConfigGeneration int64
	Timestamp        time.Time
	Error            string
}

// New builds a Controller for path, seeded with the config the pipeline's
// initial Generation was already built from.
func New(path string, p *pipeline.Pipeline, initial *config.Config, initialGeneration int64) *Controller {
	c := &Controller{path: path, pipeline: p, running: initial}
	c.gen.Store(initialGeneration)
	return c
}

// Reload re-reads the config file, validates the candidate against
// structural invariants and against fields that cannot hot-reload, builds
// a new Generation, and swaps it in on success. The running config is left
// untouched on any failure.
func (c *Controller) Reload() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	candidate, err := config.Load(c.path)
	if err != nil {
		metrics.ConfigReloadFailureTotal.Inc()
		slog.Error("config reload failed: read/parse", "error", err)
		return Result{Success: false, ConfigGeneration: c.gen.Load(), Timestamp: now, Error: err.Error()}
	}

	if err := candidate.Validate(); err != nil {
		metrics.ConfigReloadFailureTotal.Inc()
		slog.Error("config reload failed: validation", "error", err)
		return Result{Success: false, ConfigGeneration: c.gen.Load(), Timestamp: now, Error: err.Error()}
	}

	if err := candidate.ValidateAgainstRunning(c.running); err != nil {
		metrics.ConfigReloadFailureTotal.Inc()
		slog.Error("config reload failed: restart-only field changed", "error", err)
		return Result{Success: false, ConfigGeneration: c.gen.Load(), Timestamp: now, Error: err.Error()}
	}

	next := c.gen.Add(1)
	gen, err := pipeline.BuildGeneration(candidate, next)
	if err != nil {
		c.gen.Add(-1)
		metrics.ConfigReloadFailureTotal.Inc()
		slog.Error("config reload failed: building generation", "error", err)
		return Result{Success: false, ConfigGeneration: c.gen.Load(), Timestamp: now, Error: err.Error()}
	}

	c.pipeline.Swap(gen)
	c.running = candidate

	metrics.ConfigReloadSuccessTotal.Inc()
	slog.Info("config reload succeeded", "generation", next)

	return Result{Success: true, ConfigGeneration: next, Timestamp: now}
}

// CurrentGeneration returns the active generation number.
func (c *Controller) CurrentGeneration() int64 {
	return c.gen.Load()
}

// ReloadBody is the JSON response body for a successful admin reload.
type ReloadBody struct {
	Status           string    `json:"status"`
	ConfigGeneration int64     `json:"config_generation"`
	Timestamp        time.Time `json:"timestamp"`
}

// AsBody renders a successful Result as the admin endpoint's response
// body. Callers must check Success first.
func (r Result) AsBody() ReloadBody {
	return ReloadBody{Status: "ok", ConfigGeneration: r.ConfigGeneration, Timestamp: r.Timestamp}
}

// Err returns a plain error for a failed Result, or nil if it succeeded.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s", r.Error)
}
