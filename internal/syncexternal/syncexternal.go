// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package syncexternal is the External Sync Manager (spec §4.7, L7): it drives a
// pluggable Adapter that translates between the registry's event model and a foreign
// system, with per-item fault isolation so one bad record never blocks its siblings.
package syncexternal

import (
	"context"
	"time"

	"github.com/idpass/datacollect-engine/internal/enginelog"
	"github.com/idpass/datacollect-engine/internal/enginemetrics"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Credentials is an opaque bag an Adapter interprets on Authenticate.
type Credentials map[string]any

// Adapter is implemented by a foreign-system integration (spec §4.7).
type Adapter interface {
	Authenticate(ctx context.Context, creds Credentials) error
	// PushData is given read access to the Event Store and entity lookups; it
	// translates events newer than sinceTS and calls the foreign system's API.
	PushData(ctx context.Context, sinceTS time.Time, events []storage.StoredEvent, entities *entitystore.Store) error
	// PullData returns submissions discovered in the foreign system since sinceTS;
	// the manager applies syncLevel=EXTERNAL and runs them through the applier service.
	PullData(ctx context.Context, sinceTS time.Time) ([]storage.FormSubmission, error)
}

// Manager drives one tenant's external sync.
type Manager struct {
	adapter  Adapter
	events   *eventstore.Store
	entities *entitystore.Store
}

func New(adapter Adapter, events *eventstore.Store, entities *entitystore.Store) *Manager {
	return &Manager{adapter: adapter, events: events, entities: entities}
}

func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	return m.adapter.Authenticate(ctx, creds)
}

// Push advances lastPushExternal to the max timestamp of successfully pushed events
// only (spec §4.7).
func (m *Manager) Push(ctx context.Context) error {
	marks, err := m.events.GetHighWaterMarks(ctx)
	if err != nil {
		return err
	}
	all, err := m.events.GetAll(ctx)
	if err != nil {
		return err
	}

	var pending []storage.StoredEvent
	var maxTS time.Time
	for _, e := range all {
		if e.Timestamp.After(marks.LastPushExternal) {
			pending = append(pending, e)
			if e.Timestamp.After(maxTS) {
				maxTS = e.Timestamp
			}
		}
	}
	if len(pending) == 0 {
		enginemetrics.SyncBatches.WithLabelValues("push_external", "ok").Inc()
		return nil
	}

	if err := m.adapter.PushData(ctx, marks.LastPushExternal, pending, m.entities); err != nil {
		enginemetrics.SyncBatches.WithLabelValues("push_external", "network_error").Inc()
		return err
	}
	enginemetrics.SyncBatches.WithLabelValues("push_external", "ok").Inc()
	return m.events.SetLastPushExternal(ctx, maxTS)
}

// Pull applies every submission the adapter reports, stamping syncLevel=EXTERNAL, then
// advances lastPullExternal to now. Records without a resolvable identifier or that
// fail translation are the adapter's concern (per-item fault isolation happens inside
// PullData); this manager only isolates faults across submit calls.
func (m *Manager) Pull(ctx context.Context, submit func(ctx context.Context, form storage.FormSubmission) error) error {
	forms, err := m.adapter.PullData(ctx, m.lastPullExternal(ctx))
	if err != nil {
		enginemetrics.SyncBatches.WithLabelValues("pull_external", "network_error").Inc()
		return err
	}

	for _, form := range forms {
		form.SyncLevel = storage.LevelExternal
		if err := submit(ctx, form); err != nil {
			enginelog.Ctx(ctx).Warn().Err(err).Str("formGuid", form.GUID).Msg("external pull item failed, continuing")
			continue
		}
	}

	enginemetrics.SyncBatches.WithLabelValues("pull_external", "ok").Inc()
	return m.events.SetLastPullExternal(ctx, time.Now())
}

func (m *Manager) lastPullExternal(ctx context.Context) time.Time {
	marks, err := m.events.GetHighWaterMarks(ctx)
	if err != nil {
		return time.Time{}
	}
	return marks.LastPullExternal
}

// LoggingAdapter is a reference Adapter implementation that performs no real network
// I/O — it logs what it would have pushed/pulled. Useful as a wiring example and as a
// safe default when no external system is configured.
type LoggingAdapter struct{}

func (LoggingAdapter) Authenticate(ctx context.Context, creds Credentials) error {
	enginelog.Ctx(ctx).Info().Msg("logging adapter: authenticate no-op")
	return nil
}

func (LoggingAdapter) PushData(ctx context.Context, sinceTS time.Time, events []storage.StoredEvent, entities *entitystore.Store) error {
	enginelog.Ctx(ctx).Info().Int("count", len(events)).Time("since", sinceTS).Msg("logging adapter: would push")
	return nil
}

func (LoggingAdapter) PullData(ctx context.Context, sinceTS time.Time) ([]storage.FormSubmission, error) {
	enginelog.Ctx(ctx).Info().Time("since", sinceTS).Msg("logging adapter: would pull")
	return nil, nil
}

var _ Adapter = LoggingAdapter{}
