// ABOUTME: Audit log entity and store methods for instance state mutations
// ABOUTME: Records which actor changed which instance and why, for forensic tracing

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorType identifies who caused a mutation.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorSystem  ActorType = "system"
	ActorWebhook ActorType = "webhook"
)

// AuditAction names what happened to the instance.
type AuditAction string

const (
	AuditInstanceCreated AuditAction = "instance_created"
	AuditStatusChanged   AuditAction = "status_changed"
	AuditQRRotated       AuditAction = "qr_rotated"
	AuditDriftCorrected  AuditAction = "drift_corrected"
	AuditOrphanRemoved   AuditAction = "orphan_removed"
	AuditInstanceDeleted AuditAction = "instance_deleted"
	AuditInstanceReset   AuditAction = "instance_reset"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	InstanceID string         // affected instance
	Action     AuditAction    // what action was performed
	ActorType  ActorType      // user, system or webhook
	OccurredAt time.Time      // when it happened
	Details    map[string]any // reason, from/to status, pre-fix snapshot
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time   // entries after this time
	Until      *time.Time   // entries before this time
	InstanceID *string      // filter by instance
	Action     *AuditAction // filter by action type
	ActorType  *ActorType   // filter by actor
	Limit      int          // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and OccurredAt if not set.
func (s *SQLStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	var detailJSON *string
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := s.rebind(`
		INSERT INTO audit_log (audit_id, instance_id, action, actor_type, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.InstanceID,
		string(e.Action),
		string(e.ActorType),
		formatTime(e.OccurredAt),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"instance", e.InstanceID,
		"action", e.Action,
		"actor", e.ActorType,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// auditQueryArgs builds the query arguments from an AuditFilter.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
	actorStr  *string
}

// buildAuditQueryArgs converts filter time/enum fields to query args.
func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := formatTime(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatTime(*f.Until)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	if f.ActorType != nil {
		a := string(*f.ActorType)
		args.actorStr = &a
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, actorStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.InstanceID,
		&actionStr,
		&actorStr,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	e.ActorType = ActorType(actorStr)
	var err error
	e.OccurredAt, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Details); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// The CASTs give Postgres a parameter type to infer; SQLite ignores them.
const auditLogQuery = `
	SELECT audit_id, instance_id, action, actor_type, ts, detail_json
	FROM audit_log
	WHERE (CAST(? AS TEXT) IS NULL OR ts >= ?)
	  AND (CAST(? AS TEXT) IS NULL OR ts <= ?)
	  AND (CAST(? AS TEXT) IS NULL OR instance_id = ?)
	  AND (CAST(? AS TEXT) IS NULL OR action = ?)
	  AND (CAST(? AS TEXT) IS NULL OR actor_type = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, s.rebind(auditLogQuery),
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.InstanceID, f.InstanceID,
		args.actionStr, args.actionStr,
		args.actorStr, args.actorStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
