// Package retry implements the Retry Controller (spec.md §4.6): transient,
// in-memory bookkeeping of per-job retry attempts, backoff scheduling, and
// the circuit breaker that bounds how many times a job may ever execute.
package retry

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/alephauto/alephauto/internal/classifier"
	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
)

// AbsoluteMax is the compile-time hard ceiling on executions per job,
// regardless of the configured MaxAttempts (spec.md §6, §8 property 4).
const AbsoluteMax = 5

var retrySuffix = regexp.MustCompile(`-retry\d+`)

// OriginalID strips every `-retryN` suffix accumulated over prior
// attempts, yielding the stable key attempts are tracked under (spec.md
// §4.6, §8 property 3).
func OriginalID(id string) string {
	return retrySuffix.ReplaceAllString(id, "")
}

// record is the in-memory bookkeeping for one original id.
type record struct {
	attempts      int
	lastAttemptTS time.Time
	maxAttempts   int
	baseDelayMS   int64
	timer         *time.Timer
}

// Resubmitter is called by the Controller to re-enqueue a job for another
// attempt once its backoff delay elapses. newID is
// `<original_id>-retry<attempts>`.
type Resubmitter func(newID string, payload json.RawMessage)

// Verdict is the Controller's decision for one handler failure.
type Verdict struct {
	// Terminal is true when no further retry will happen: either the
	// error was non-retryable or a cap was breached. The caller must
	// persist status=failed and publish job:failed.
	Terminal bool
	// Scheduled is true when a retry timer was armed; the caller should
	// leave the job's status as-is (the Worker Runtime already left it
	// running/failed-pending per its own bookkeeping).
	Scheduled bool
	Classification classifier.Result
}

// Config controls defaults applied when a job has no explicit override.
type Config struct {
	MaxAttempts       int           // configured cap, default 2
	DefaultBaseDelay  time.Duration // used when the classifier gives no base delay
}

// Controller owns per-original-id retry records. One Controller instance
// is shared by all jobs a single Worker submits; the mutex critical
// sections are O(1) per spec.md §5.
type Controller struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     Config
	bus     *eventbus.Bus
	log     *logger.Logger
}

// New creates a Controller. bus may be nil if alert events should not be
// published (e.g. in unit tests).
func New(cfg Config, bus *eventbus.Bus, log *logger.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.DefaultBaseDelay <= 0 {
		cfg.DefaultBaseDelay = 5 * time.Second
	}
	return &Controller{
		records: make(map[string]*record),
		cfg:     cfg,
		bus:     bus,
		log:     log.With("component", "RetryController"),
	}
}

// Handle runs the algorithm in spec.md §4.6 for one handler failure on
// jobID (which may already carry `-retryN` suffixes). It classifies the
// error, updates bookkeeping, and either arms a backoff timer that calls
// resubmit or reports a terminal verdict.
func (c *Controller) Handle(jobID string, payload json.RawMessage, handlerErr error, resubmit Resubmitter) Verdict {
	result := classifier.Classify(handlerErr)
	original := OriginalID(jobID)

	if !result.Retryable {
		c.destroy(original)
		return Verdict{Terminal: true, Classification: result}
	}

	c.mu.Lock()
	rec, ok := c.records[original]
	if !ok {
		baseDelay := result.BaseDelay
		if baseDelay <= 0 {
			baseDelay = c.cfg.DefaultBaseDelay
		}
		rec = &record{
			maxAttempts: c.cfg.MaxAttempts,
			baseDelayMS: baseDelay.Milliseconds(),
		}
		c.records[original] = rec
	}
	rec.attempts++
	rec.lastAttemptTS = time.Now().UTC()
	attempts := rec.attempts
	maxAttempts := rec.maxAttempts
	baseDelayMS := rec.baseDelayMS
	c.mu.Unlock()

	if attempts >= AbsoluteMax {
		c.log.Error("retry circuit breaker: absolute cap reached", "job_id", jobID, "original_id", original, "attempts", attempts)
		c.publish("retry:max-attempts", map[string]interface{}{
			"job_id": jobID, "original_id": original, "attempts": attempts, "reason": "absolute_cap",
		})
		c.destroy(original)
		return Verdict{Terminal: true, Classification: result}
	}

	if attempts >= maxAttempts {
		c.log.Warn("retry controller: configured cap reached", "job_id", jobID, "original_id", original, "attempts", attempts)
		c.publish("retry:max-attempts", map[string]interface{}{
			"job_id": jobID, "original_id": original, "attempts": attempts, "reason": "configured_cap",
		})
		c.destroy(original)
		return Verdict{Terminal: true, Classification: result}
	}

	if attempts >= 3 {
		c.log.Warn("retry controller: approaching retry limit", "job_id", jobID, "original_id", original, "attempts", attempts)
	}

	delay := time.Duration(baseDelayMS) * time.Millisecond * time.Duration(1<<uint(attempts-1))
	newID := original + "-retry" + strconv.Itoa(attempts)

	c.publish("retry:scheduled", map[string]interface{}{
		"job_id": jobID, "new_job_id": newID, "original_id": original, "attempts": attempts, "delay_ms": delay.Milliseconds(),
	})

	c.mu.Lock()
	rec.timer = time.AfterFunc(delay, func() {
		resubmit(newID, payload)
	})
	c.mu.Unlock()

	return Verdict{Scheduled: true, Classification: result}
}

// Cancel stops any pending retry timer for the id chain (or its
// original-id derivation) and removes bookkeeping, making the timer a
// no-op if it has not yet fired (spec.md §4.6 "cancellation of a
// scheduled retry").
func (c *Controller) Cancel(jobID string) {
	c.destroy(OriginalID(jobID))
}

// CancelAll stops every pending retry timer, used on server shutdown.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range c.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(c.records, id)
	}
}

func (c *Controller) destroy(originalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[originalID]; ok {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(c.records, originalID)
	}
}

func (c *Controller) publish(channel string, payload interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(channel, payload)
}

// Attempts returns the current attempt count for jobID's original id, or
// 0 if no record exists. Intended for tests and diagnostics.
func (c *Controller) Attempts(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[OriginalID(jobID)]; ok {
		return rec.attempts
	}
	return 0
}

// Metrics summarizes the Controller's current bookkeeping for status
// endpoints (spec.md §4.9 "retry_metrics").
type Metrics struct {
	PendingRetries int `json:"pending_retries"`
	TotalAttempts  int `json:"total_attempts_in_flight"`
}

// Snapshot reports aggregate retry bookkeeping without exposing the raw
// per-id map.
func (c *Controller) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{PendingRetries: len(c.records)}
	for _, rec := range c.records {
		m.TotalAttempts += rec.attempts
	}
	return m
}
