// Package scheduler implements the Scheduler (spec.md §4.7): cron-driven
// recurring triggers that submit jobs to a Worker, plus run-on-startup
// triggers. Cron parsing and dispatch is grounded on robfig/cron/v3, the
// same library used for 5-field expressions in the reference pack's
// scheduler core.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alephauto/alephauto/internal/logger"
	"github.com/robfig/cron/v3"
)

// Submitter is the subset of Worker the Scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, jobID string, payload json.RawMessage) error
}

// PayloadFactory produces the payload for one firing of a schedule.
type PayloadFactory func() json.RawMessage

type schedule struct {
	name           string
	cronExpr       string
	worker         Submitter
	payloadFactory PayloadFactory
	runOnStartup   bool
}

// Scheduler registers and fires cron schedules against Workers.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	schedules []schedule
	log       *logger.Logger

	started bool
	wg      sync.WaitGroup
}

// New creates a Scheduler interpreting cron expressions in the process's
// local time zone (spec.md §4.7).
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		log:  log.With("component", "Scheduler"),
	}
}

// Schedule registers a recurring trigger. On each fire, worker.Submit is
// invoked with a freshly generated job id and the payload produced by
// payloadFactory. If runOnStartup is true, Start also fires it once
// immediately.
func (s *Scheduler) Schedule(name, cronExpr string, worker Submitter, payloadFactory PayloadFactory, runOnStartup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := schedule{name: name, cronExpr: cronExpr, worker: worker, payloadFactory: payloadFactory, runOnStartup: runOnStartup}
	_, err := s.cron.AddFunc(cronExpr, func() { s.fire(sched) })
	if err != nil {
		return fmt.Errorf("scheduler: register %q: %w", name, err)
	}
	s.schedules = append(s.schedules, sched)
	return nil
}

func (s *Scheduler) fire(sched schedule) {
	s.wg.Add(1)
	defer s.wg.Done()

	jobID := fmt.Sprintf("%s-%d", sched.name, time.Now().UnixNano())
	payload := json.RawMessage(`{}`)
	if sched.payloadFactory != nil {
		payload = sched.payloadFactory()
	}
	if err := sched.worker.Submit(context.Background(), jobID, payload); err != nil {
		s.log.Error("scheduled submit failed", "schedule", sched.name, "job_id", jobID, "error", err.Error())
	}
}

// Start begins firing registered cron triggers and runs any
// run-on-startup schedules once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	schedules := append([]schedule(nil), s.schedules...)
	s.mu.Unlock()

	s.cron.Start()
	for _, sched := range schedules {
		if sched.runOnStartup {
			go s.fire(sched)
		}
	}
}

// Stop quiesces the scheduler: stop firing new triggers, then wait for
// in-flight fires (which only enqueue, so this returns quickly) up to
// grace.
func (s *Scheduler) Stop(grace time.Duration) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		s.log.Warn("grace period elapsed waiting for cron jobs to drain")
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(grace):
		s.log.Warn("grace period elapsed waiting for in-flight fires to submit")
	}
}
