package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"plans/models"
)

// Store is the append-only persistence the recorder writes to. Append is
// the only mutation; nothing reads an entry back to change it.
type Store interface {
	AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
	QueryAuditEntries(ctx context.Context, f Filter) ([]models.AuditLogEntry, error)
}

// Filter narrows the read side of the audit trail.
type Filter struct {
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Snapshotter turns one registered entity type into its audit snapshot.
type Snapshotter func(entity any) (models.Snapshot, error)

// Registry statically maps entity types to their snapshotters. It is built
// once at startup; recording against an unregistered type is a programming
// error and is logged and dropped, never surfaced.
type Registry struct {
	snapshotters map[string]Snapshotter
}

func NewRegistry() *Registry {
	return &Registry{snapshotters: map[string]Snapshotter{}}
}

func (r *Registry) Register(entityType string, s Snapshotter) *Registry {
	r.snapshotters[entityType] = s
	return r
}

// RequestContext carries the transport metadata attached to every entry.
type RequestContext struct {
	IPAddress  string
	RequestID  string
	SessionID  string
	HTTPMethod string
	Path       string
}

// Actor mirrors the resolved identity without importing the workflow package.
type Actor struct {
	ID   string
	Role string
}

// Recorder captures before/after records for state-changing operations on
// any registered entity type. Recording is best-effort: a failed write is
// logged with the attempted payload for reconciliation and never propagated,
// so an audit-store outage cannot block a business operation.
type Recorder struct {
	store    Store
	registry *Registry
	log      zerolog.Logger
}

func NewRecorder(store Store, registry *Registry, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, registry: registry, log: log}
}

// Record persists one audit entry. before/after are entity values of the
// registered type, either of which may be nil (creation/deletion). The
// returned entry is for the caller's benefit only; it is nil when recording
// was skipped or failed.
func (r *Recorder) Record(
	ctx context.Context,
	action, entityType, entityID string,
	actor Actor,
	before, after any,
	reqCtx RequestContext,
) *models.AuditLogEntry {
	snapshot, ok := r.registry.snapshotters[entityType]
	if !ok {
		r.log.Error().
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("audit: no snapshotter registered for entity type")
		return nil
	}

	oldState, err := snapshotOrNil(snapshot, before)
	if err != nil {
		r.logFailure(err, action, entityType, entityID, nil)
		return nil
	}
	newState, err := snapshotOrNil(snapshot, after)
	if err != nil {
		r.logFailure(err, action, entityType, entityID, nil)
		return nil
	}

	entry := &models.AuditLogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OldState:   oldState,
		NewState:   newState,
		FieldDiff:  Diff(oldState, newState),
		IPAddress:  reqCtx.IPAddress,
		RequestID:  reqCtx.RequestID,
		SessionID:  reqCtx.SessionID,
		HTTPMethod: reqCtx.HTTPMethod,
		Path:       reqCtx.Path,
	}

	if err := r.store.AppendAuditEntry(ctx, entry); err != nil {
		r.logFailure(err, action, entityType, entityID, entry)
		return nil
	}
	return entry
}

// Query returns audit entries ordered by their server-assigned sequence.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]models.AuditLogEntry, error) {
	return r.store.QueryAuditEntries(ctx, f)
}

func snapshotOrNil(s Snapshotter, entity any) (models.Snapshot, error) {
	if entity == nil {
		return nil, nil
	}
	return s(entity)
}

// logFailure records the attempted payload on the operational channel so a
// reconciliation job can replay it.
func (r *Recorder) logFailure(err error, action, entityType, entityID string, entry *models.AuditLogEntry) {
	ev := r.log.Warn().Err(err).
		Str("action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID)
	if entry != nil {
		if payload, merr := json.Marshal(entry); merr == nil {
			ev = ev.RawJSON("attempted_entry", payload)
		}
	}
	ev.Msg("audit: failed to record entry")
}

// PlanSnapshotter is the registry entry for plans.
func PlanSnapshotter(entity any) (models.Snapshot, error) {
	return SnapshotOf(entity)
}
