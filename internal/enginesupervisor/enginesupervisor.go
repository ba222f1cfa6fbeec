// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package enginesupervisor builds a suture supervisor tree for the engine's
// background loops (internal sync, external sync), modeled on the teacher's
// internal/supervisor package (same suture.Spec + sutureslog.Handler wiring) but
// scoped to one "sync" layer instead of data/messaging/api.
package enginesupervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig mirrors the teacher's failure-backoff knobs (spec §5 concurrency model
// says nothing about supervision policy, so these are ambient-stack defaults).
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree supervises the engine's background loops: one sub-supervisor for sync work,
// restarted independently of anything else the host runs.
type Tree struct {
	root     *suture.Supervisor
	sync     *suture.Supervisor
	services []*PeriodicSyncService
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("datacollect-engine", rootSpec)
	syncSup := suture.New("sync-layer", childSpec)
	root.Add(syncSup)

	return &Tree{root: root, sync: syncSup}
}

func (t *Tree) AddSyncService(svc suture.Service) suture.ServiceToken {
	if p, ok := svc.(*PeriodicSyncService); ok {
		t.services = append(t.services, p)
	}
	return t.sync.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the supervisor tree in a background goroutine. The returned
// one-buffered channel receives the single value the tree's Serve returns once it has
// stopped; the channel is not closed, mirroring suture.Supervisor's own contract.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists any service that failed to stop within its shutdown
// timeout, for a host to log during shutdown.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Health reports the last-observed outcome of every PeriodicSyncService added through
// AddSyncService, keyed by name, for a host's readiness endpoint.
func (t *Tree) Health() map[string]ServiceStatus {
	out := make(map[string]ServiceStatus, len(t.services))
	for _, svc := range t.services {
		out[svc.Name] = svc.Status()
	}
	return out
}

// ServiceStatus is one PeriodicSyncService's last-observed run outcome, surfaced
// through Tree.Health for a host's readiness/health endpoint (spec_full.md §4
// supplement: "health/readiness surface for supervised loops").
type ServiceStatus struct {
	LastRun           time.Time
	LastError         error
	ConsecutiveErrors int
}

// PeriodicSyncService wraps a sync callback into a suture.Service that fires on a
// fixed interval and honors graceful shutdown via ctx cancellation. It tracks its own
// last-run outcome so a Tree can report it without reaching into the sync managers.
type PeriodicSyncService struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	OnError  func(err error)

	mu     sync.Mutex
	status ServiceStatus
}

func (s *PeriodicSyncService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *PeriodicSyncService) runOnce(ctx context.Context) {
	err := s.Run(ctx)

	s.mu.Lock()
	s.status.LastRun = time.Now()
	s.status.LastError = err
	if err != nil {
		s.status.ConsecutiveErrors++
	} else {
		s.status.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	if err != nil && s.OnError != nil {
		s.OnError(err)
	}
}

// Status returns the most recent run outcome.
func (s *PeriodicSyncService) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *PeriodicSyncService) String() string { return s.Name }

var _ suture.Service = (*PeriodicSyncService)(nil)
