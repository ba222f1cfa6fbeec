// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package syncinternal is the Internal Sync Manager (spec §4.6, L6): push/pull
// against the central server with paginated/resumable pull, exponential-backoff retry
// on transient network errors, and a gobreaker circuit breaker guarding the client, the
// way the teacher wraps its upstream API clients (internal/sync/circuit_breaker.go).
package syncinternal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/idpass/datacollect-engine/internal/applier"
	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/enginelog"
	"github.com/idpass/datacollect-engine/internal/enginemetrics"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Client is the transport dependency implementing the server sync protocol (spec §6).
// A production client speaks HTTPS with bearer auth; tests and the reference server
// supply their own implementation (see internal/syncinternal/testserver).
type Client interface {
	Push(ctx context.Context, configID string, events []storage.FormSubmission) (PushResult, error)
	Pull(ctx context.Context, configID string, since time.Time, cursor storage.Cursor, pageSize int) (events []storage.FormSubmission, next storage.Cursor, hasMore bool, duplicatesBlocking bool, err error)
	PushAuditLogs(ctx context.Context, configID string, entries []storage.AuditLogEntry) error
	PullAuditLogs(ctx context.Context, configID string, since time.Time) ([]storage.AuditLogEntry, error)
}

// PushConflict reports one event the server rejected rather than acked.
type PushConflict struct {
	EventGUID            string
	Reason               string
	ServerEntityVersion  int
}

// PushResult is what a Push call returns: either fully accepted, or a set of
// conflicts the caller must resolve before the high-water mark can advance.
type PushResult struct {
	Accepted  bool
	Conflicts []PushConflict
}

// Config holds the Internal Sync Manager's batching and retry policy (spec §4.6).
type Config struct {
	ConfigID        string
	PageSize        int
	BatchSize       int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMaxDelay time.Duration
	MaxAttempts     uint64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig matches spec §4.6's exact retry policy: base 1s, factor 2, cap 5m, 10
// attempts; batch size 100.
func DefaultConfig(configID string) Config {
	return Config{
		ConfigID:        configID,
		PageSize:        storage.DefaultPageSize,
		BatchSize:       100,
		BackoffBase:     1 * time.Second,
		BackoffFactor:   2,
		BackoffMaxDelay: 5 * time.Minute,
		MaxAttempts:     10,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Manager runs push/pull against the central server for one tenant.
type Manager struct {
	cfg      Config
	client   Client
	events   *eventstore.Store
	entities *entitystore.Store
	registry *applier.Registry
	breaker  *gobreaker.CircuitBreaker[any]

	// pullLimiter paces pull page requests to at most one per second (burst 1) per
	// Manager (spec §5 "Backpressure"); pages are fetched one at a time by Pull's loop.
	pullLimiter *rate.Limiter
}

func New(cfg Config, client Client, events *eventstore.Store, entities *entitystore.Store, registry *applier.Registry) *Manager {
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "syncinternal-" + cfg.ConfigID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	})
	return &Manager{
		cfg: cfg, client: client, events: events, entities: entities, registry: registry, breaker: breaker,
		pullLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

func (m *Manager) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffBase
	b.Multiplier = m.cfg.BackoffFactor
	b.MaxInterval = m.cfg.BackoffMaxDelay
	b.MaxElapsedTime = 0 // bounded by MaxAttempts below, not wall-clock
	retries := m.cfg.MaxAttempts
	if retries > 0 {
		retries-- // the first attempt is not a retry
	}
	return backoff.WithMaxRetries(b, retries)
}

// retryNetwork retries op while it returns a KindNetwork error, with the configured
// exponential backoff. 401 and other non-network errors abort immediately (spec §4.6).
func (m *Manager) retryNetwork(ctx context.Context, direction string, op func() error) error {
	attempt := 0
	notify := func(err error, d time.Duration) {
		attempt++
		enginemetrics.SyncRetries.WithLabelValues(direction).Inc()
		enginelog.Ctx(ctx).Warn().Err(err).Dur("backoff", d).Int("attempt", attempt).Msg("sync retry")
	}
	wrapped := func() error {
		_, err := m.breaker.Execute(func() (any, error) {
			return nil, op()
		})
		if err != nil && !engineerrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(m.backoffPolicy(), ctx), notify)
}

// Push implements spec §4.6 "Push": batches LOCAL events strictly newer than
// lastPushInternal in chunks of BatchSize, upgrading each batch's events to SYNCED and
// advancing the water mark only on a fully accepted batch.
func (m *Manager) Push(ctx context.Context) (PushResult, error) {
	marks, err := m.events.GetHighWaterMarks(ctx)
	if err != nil {
		return PushResult{}, err
	}

	all, err := m.events.GetAll(ctx)
	if err != nil {
		return PushResult{}, err
	}

	var pending []storage.StoredEvent
	for _, e := range all {
		if e.SyncLevel == storage.LevelLocal && e.Timestamp.After(marks.LastPushInternal) {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		enginemetrics.SyncBatches.WithLabelValues("push_internal", "ok").Inc()
		return PushResult{Accepted: true}, nil
	}

	for start := 0; start < len(pending); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		forms := make([]storage.FormSubmission, len(batch))
		maxTS := batch[0].Timestamp
		for i, e := range batch {
			forms[i] = e.FormSubmission
			if e.Timestamp.After(maxTS) {
				maxTS = e.Timestamp
			}
		}

		var result PushResult
		err := m.retryNetwork(ctx, "push_internal", func() error {
			r, err := m.client.Push(ctx, m.cfg.ConfigID, forms)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			enginemetrics.SyncBatches.WithLabelValues("push_internal", outcomeFor(err)).Inc()
			return PushResult{}, err
		}
		if !result.Accepted {
			enginemetrics.SyncBatches.WithLabelValues("push_internal", "conflict").Inc()
			return result, nil
		}

		for _, e := range batch {
			if err := m.events.UpdateSyncLevel(ctx, e.ID, storage.LevelSynced); err != nil {
				return PushResult{}, err
			}
		}
		if err := m.events.SetLastPushInternal(ctx, maxTS); err != nil {
			return PushResult{}, err
		}
		enginemetrics.SyncBatches.WithLabelValues("push_internal", "ok").Inc()
	}
	return PushResult{Accepted: true}, nil
}

// Pull implements spec §4.6 "Pull": pages through events since lastPullInternal,
// submitting each through the applier pipeline with syncLevel=SYNCED, advancing the
// cursor until hasMore is false, then sets lastPullInternal to now. If the server
// reports unresolved duplicates it returns without advancing the water mark.
func (m *Manager) Pull(ctx context.Context, submit func(ctx context.Context, form storage.FormSubmission) error) error {
	marks, err := m.events.GetHighWaterMarks(ctx)
	if err != nil {
		return err
	}

	cursor := storage.Cursor{}
	since := marks.LastPullInternal
	for {
		if err := m.pullLimiter.Wait(ctx); err != nil {
			return err
		}

		var (
			events  []storage.FormSubmission
			next    storage.Cursor
			hasMore bool
			blocked bool
		)
		err := m.retryNetwork(ctx, "pull_internal", func() error {
			e, n, hm, b, err := m.client.Pull(ctx, m.cfg.ConfigID, since, cursor, m.cfg.PageSize)
			events, next, hasMore, blocked = e, n, hm, b
			return err
		})
		if err != nil {
			enginemetrics.SyncBatches.WithLabelValues("pull_internal", outcomeFor(err)).Inc()
			return err
		}
		if blocked {
			enginemetrics.SyncBatches.WithLabelValues("pull_internal", "conflict").Inc()
			return nil
		}

		for _, form := range events {
			existed, err := m.events.IsEventExisted(ctx, form.GUID)
			if err != nil {
				return err
			}
			if existed {
				continue
			}
			form.SyncLevel = storage.LevelSynced
			if err := submit(ctx, form); err != nil {
				return err
			}
		}

		cursor = next
		if !hasMore {
			break
		}
	}

	enginemetrics.SyncBatches.WithLabelValues("pull_internal", "ok").Inc()
	return m.events.SetLastPullInternal(ctx, nowFn())
}

func outcomeFor(err error) string {
	k, ok := engineerrors.KindOf(err)
	if !ok {
		return "network_error"
	}
	switch k {
	case engineerrors.KindUnauthorized:
		return "unauthorized"
	case engineerrors.KindNetwork:
		return "network_error"
	default:
		return "network_error"
	}
}

// nowFn is overridable in tests.
var nowFn = time.Now
