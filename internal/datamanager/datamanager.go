// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package datamanager is the Entity Data Manager (spec §4.5, L5): the single façade
// the host talks to. It owns the per-tenant write guard and composes the Event Store,
// Entity Store, Applier Registry, and Duplicate Resolver into the submit_form pipeline.
package datamanager

import (
	"context"
	"sync"
	"time"

	"github.com/idpass/datacollect-engine/internal/applier"
	"github.com/idpass/datacollect-engine/internal/authgate"
	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/enginelog"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventbus"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
	"github.com/idpass/datacollect-engine/internal/syncinternal"
)

// DuplicateResolver is the narrow dependency datamanager needs from internal/duplicate,
// kept as an interface so tests can stub it without pulling in its own storage port.
type DuplicateResolver interface {
	OnCreated(ctx context.Context, newGUID, name string) error
	Resolve(ctx context.Context, entityGUID, duplicateGUID string) error
	ListOpen(ctx context.Context) ([]storage.PotentialDuplicate, error)
}

// submitFn is the shape both sync managers expect to apply a received submission
// through the Event Applier Service (spec §4.6 step 2, §4.7 pull policy).
type submitFn = func(ctx context.Context, form storage.FormSubmission) error

// InternalSyncer is the narrow internal/syncinternal dependency the façade needs to
// drive sync_with_sync_server (spec §4.5, §4.6).
type InternalSyncer interface {
	Push(ctx context.Context) (syncinternal.PushResult, error)
	Pull(ctx context.Context, submit submitFn) error
}

// ExternalSyncer is the narrow internal/syncexternal dependency the façade needs to
// drive sync_with_external (spec §4.5, §4.7).
type ExternalSyncer interface {
	Push(ctx context.Context) error
	Pull(ctx context.Context, submit submitFn) error
}

// AuthGate is the narrow internal/authgate dependency the façade needs for login/logout
// (spec §4.5, §4.9).
type AuthGate interface {
	Login(ctx context.Context, creds authgate.Credentials, provider string) error
	Logout(ctx context.Context) error
}

// SyncResult reports the outcome of sync_with_external (spec §4.5 "sync_with_external()
// -> SyncResult"), modeled on the §6 "/sync/external" response shape
// ({status: "success"} or {status: "error", message}) plus the counts per-item fault
// isolation (§4.7) makes observable to the caller.
type SyncResult struct {
	Status  string
	Pushed  int
	Pulled  int
	Failed  int
	Message string
}

// Manager is the Entity Data Manager façade.
type Manager struct {
	events       *eventstore.Store
	entities     *entitystore.Store
	registry     *applier.Registry
	dups         DuplicateResolver
	bus          *eventbus.Bus
	tenantID     string
	internalSync InternalSyncer
	externalSync ExternalSyncer
	authGate     AuthGate

	// writeGuard serializes submit_form and sync water-mark advancement per the single
	// logical writer per tenant discipline (spec §5 "Locking discipline"). Readers never
	// acquire it.
	writeGuard sync.Mutex
}

func New(events *eventstore.Store, entities *entitystore.Store, registry *applier.Registry, dups DuplicateResolver) *Manager {
	return &Manager{events: events, entities: entities, registry: registry, dups: dups}
}

// WithEventBus attaches the bus a successful SubmitForm publishes to (spec_full.md §4
// supplement). Optional: a Manager with no bus attached behaves exactly as before.
func (m *Manager) WithEventBus(bus *eventbus.Bus, tenantID string) *Manager {
	m.bus = bus
	m.tenantID = tenantID
	return m
}

// WithInternalSync attaches the Internal Sync Manager SyncWithSyncServer delegates to.
// Optional: a Manager with none attached rejects SyncWithSyncServer calls.
func (m *Manager) WithInternalSync(s InternalSyncer) *Manager {
	m.internalSync = s
	return m
}

// WithExternalSync attaches the External Sync Manager SyncWithExternal delegates to.
// Optional: a Manager with none attached rejects SyncWithExternal calls.
func (m *Manager) WithExternalSync(s ExternalSyncer) *Manager {
	m.externalSync = s
	return m
}

// WithAuthGate attaches the Auth Gate Login/Logout delegate to. Optional: a Manager
// with none attached rejects Login/Logout calls.
func (m *Manager) WithAuthGate(g AuthGate) *Manager {
	m.authGate = g
	return m
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.events.Initialize(ctx); err != nil {
		return err
	}
	return m.entities.Initialize(ctx)
}

func (m *Manager) Close(ctx context.Context) error {
	if err := m.events.Close(ctx); err != nil {
		return err
	}
	return m.entities.Close(ctx)
}

// SubmitForm runs the pipeline from spec §4.4: validate, check idempotency, load the
// current entity, dispatch to the registered applier, then in one compound write
// append the event, the audit entry, and every modified entity, bumping versions and
// recomputing the Merkle root. Returns the entity matching form.EntityGUID.
func (m *Manager) SubmitForm(ctx context.Context, form storage.FormSubmission) (*storage.Entity, error) {
	if err := engineerrors.Validate(&form); err != nil {
		return nil, err
	}

	m.writeGuard.Lock()
	defer m.writeGuard.Unlock()

	existed, err := m.events.IsEventExisted(ctx, form.GUID)
	if err != nil {
		return nil, err
	}
	if existed {
		return m.entities.GetByGUID(ctx, form.EntityGUID)
	}

	current, err := m.entities.Lookup(ctx, form.EntityGUID)
	if err != nil {
		return nil, err
	}

	lookup := applier.Lookup(func(ctx context.Context, guid string) (*storage.Entity, error) {
		return m.entities.Lookup(ctx, guid)
	})

	result, err := m.registry.Apply(ctx, current, form, lookup)
	if err != nil {
		return nil, err
	}

	var mainChange *storage.Entity
	audits := make([]eventstore.AuditDetail, 0, len(result))
	for _, c := range result {
		if c.Modified.GUID == form.EntityGUID {
			mainChange = c.Modified
		}
		if err := m.entities.Save(ctx, c.Modified); err != nil {
			return nil, err
		}
		audits = append(audits, eventstore.AuditDetail{EntityGUID: c.Modified.GUID, Changes: c.Diff})
	}

	if _, err := m.events.Append(ctx, []eventstore.AuditEntryInput{{Event: form, Audits: audits}}); err != nil {
		return nil, err
	}

	if m.bus != nil {
		notification := eventbus.AppendedNotification{
			TenantID:  m.tenantID,
			EventGUID: form.GUID,
			Type:      form.Type,
			SyncLevel: int(form.SyncLevel),
			Timestamp: form.Timestamp,
		}
		if err := m.bus.Publish(notification); err != nil {
			enginelog.Ctx(ctx).Error().Err(err).Msg("publish event-appended notification")
		}
	}

	if m.dups != nil {
		switch {
		case isCreateTag(form.Type):
			for _, c := range result {
				if c.Existing == nil && c.Modified != nil {
					if err := m.dups.OnCreated(ctx, c.Modified.GUID, c.Modified.Name); err != nil {
						return nil, err
					}
				}
			}
		case form.Type == "resolve-duplicate":
			if duplicateGUID := duplicateGUIDFromForm(form); duplicateGUID != "" {
				if err := m.dups.Resolve(ctx, form.EntityGUID, duplicateGUID); err != nil {
					return nil, err
				}
			}
		}
	}

	return mainChange, nil
}

func isCreateTag(tag string) bool {
	return tag == "create-individual" || tag == "create-group"
}

// duplicateGUIDFromForm mirrors internal/applier's duplicatePairGUID extraction so the
// manager can close the matching PotentialDuplicate record after a resolve-duplicate
// event is durably applied (spec §4.8: "a resolve-duplicate event closes one such
// record"), without the applier package taking a dependency on internal/duplicate.
func duplicateGUIDFromForm(form storage.FormSubmission) string {
	if raw, ok := form.Data["duplicates"]; ok {
		if list, ok := raw.([]any); ok && len(list) > 0 {
			if pair, ok := list[0].(map[string]any); ok {
				if guid, _ := pair["duplicateGuid"].(string); guid != "" {
					return guid
				}
			}
		}
	}
	guid, _ := form.Data["duplicateGuid"].(string)
	return guid
}

func (m *Manager) GetEntity(ctx context.Context, guid string) (*storage.Entity, error) {
	return m.entities.GetByGUID(ctx, guid)
}

func (m *Manager) GetAllEntities(ctx context.Context) ([]*storage.Entity, error) {
	return m.entities.GetAll(ctx)
}

func (m *Manager) SearchEntities(ctx context.Context, criteria storage.SearchCriteria) ([]*storage.Entity, error) {
	return m.entities.Search(ctx, criteria)
}

func (m *Manager) GetAuditTrail(ctx context.Context, guid string) ([]storage.AuditLogEntry, error) {
	return m.events.GetAuditByEntity(ctx, guid)
}

func (m *Manager) HasUnsyncedEvents(ctx context.Context) (bool, error) {
	return m.events.HasUnsyncedEvents(ctx)
}

func (m *Manager) GetUnsyncedEventsCount(ctx context.Context) (int, error) {
	return m.events.UnsyncedCount(ctx)
}

func (m *Manager) GetPotentialDuplicates(ctx context.Context) ([]storage.PotentialDuplicate, error) {
	if m.dups == nil {
		return nil, nil
	}
	return m.dups.ListOpen(ctx)
}

func (m *Manager) GetDescendants(ctx context.Context, groupGUID string) ([]*storage.Entity, error) {
	return m.entities.Descendants(ctx, groupGUID)
}

// SyncWithSyncServer runs sync_with_sync_server (spec §4.5, §4.6): push first, then
// pull, against the attached Internal Sync Manager. The push call is made under the
// façade's writeGuard since it advances high-water marks and upgrades sync levels
// directly (no nested SubmitForm call); pull is left unguarded here because each
// received submission re-enters SubmitForm, which takes writeGuard itself per event
// (spec §5: "the submit pipeline acquires a per-tenant write guard for the duration
// of the compound write" — holding it around the whole pull would deadlock on the
// first received event). The returned PushResult surfaces any conflicts the server
// reported (spec §4.6 step 4) to the caller.
func (m *Manager) SyncWithSyncServer(ctx context.Context) (syncinternal.PushResult, error) {
	if m.internalSync == nil {
		return syncinternal.PushResult{}, engineerrors.New(engineerrors.KindValidation, "internal sync is not configured")
	}

	var pushResult syncinternal.PushResult
	err := m.WithWriteGuard(func() error {
		var err error
		pushResult, err = m.internalSync.Push(ctx)
		return err
	})
	if err != nil {
		return pushResult, err
	}
	if !pushResult.Accepted {
		return pushResult, nil
	}

	if err := m.internalSync.Pull(ctx, m.SubmitFormAndDiscard); err != nil {
		return pushResult, err
	}
	return pushResult, nil
}

// SyncWithExternal runs sync_with_external (spec §4.5, §4.7) against the attached
// External Sync Manager and reports a SyncResult. Push is guarded the same way as
// SyncWithSyncServer; pull's per-item fault isolation (spec §4.7 "records that fail
// transformation continue processing siblings") is reflected in Failed without
// aborting the remaining items.
func (m *Manager) SyncWithExternal(ctx context.Context) (SyncResult, error) {
	if m.externalSync == nil {
		return SyncResult{}, engineerrors.New(engineerrors.KindValidation, "external sync is not configured")
	}

	marksBefore, err := m.events.GetHighWaterMarks(ctx)
	if err != nil {
		return SyncResult{Status: "error", Message: err.Error()}, err
	}
	all, err := m.events.GetAll(ctx)
	if err != nil {
		return SyncResult{Status: "error", Message: err.Error()}, err
	}
	pending := 0
	for _, e := range all {
		if e.Timestamp.After(marksBefore.LastPushExternal) {
			pending++
		}
	}

	pushErr := m.WithWriteGuard(func() error {
		return m.externalSync.Push(ctx)
	})
	if pushErr != nil {
		return SyncResult{Status: "error", Message: pushErr.Error()}, pushErr
	}

	result := SyncResult{Status: "success", Pushed: pending}
	pullErr := m.externalSync.Pull(ctx, func(ctx context.Context, form storage.FormSubmission) error {
		if _, err := m.SubmitForm(ctx, form); err != nil {
			result.Failed++
			return err
		}
		result.Pulled++
		return nil
	})
	if pullErr != nil {
		result.Status = "error"
		result.Message = pullErr.Error()
		return result, pullErr
	}
	return result, nil
}

// SubmitFormAndDiscard adapts SubmitForm to the submitFn signature the sync managers
// expect (they only need the error, not the resulting entity).
func (m *Manager) SubmitFormAndDiscard(ctx context.Context, form storage.FormSubmission) error {
	_, err := m.SubmitForm(ctx, form)
	return err
}

// Login runs login (spec §4.5, §4.9) against the attached Auth Gate.
func (m *Manager) Login(ctx context.Context, creds authgate.Credentials, provider string) error {
	if m.authGate == nil {
		return engineerrors.New(engineerrors.KindValidation, "auth gate is not configured")
	}
	return m.WithWriteGuard(func() error {
		return m.authGate.Login(ctx, creds, provider)
	})
}

// Logout runs logout (spec §4.5, §4.9) against the attached Auth Gate.
func (m *Manager) Logout(ctx context.Context) error {
	if m.authGate == nil {
		return engineerrors.New(engineerrors.KindValidation, "auth gate is not configured")
	}
	return m.WithWriteGuard(func() error {
		return m.authGate.Logout(ctx)
	})
}

// WithWriteGuard lets the sync managers acquire the same per-tenant write guard for
// water-mark advancement and event inserts (spec §5), without exposing the mutex
// itself outside this package.
func (m *Manager) WithWriteGuard(fn func() error) error {
	m.writeGuard.Lock()
	defer m.writeGuard.Unlock()
	return fn()
}

// now is overridable in tests; the manager itself never calls time.Now in the submit
// path (timestamps come from the caller-supplied FormSubmission).
var now = time.Now
