// ABOUTME: Channel instance queries for the SQL store
// ABOUTME: CRUD by id/organization/external name plus compare-and-set status writes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/pairline/internal/lifecycle"
)

const instanceColumns = `
	id, organization_id, channel_type, external_name, status,
	qr_code, qr_issued_at, qr_expires_at, last_error, last_gateway_seen_at,
	config_json, version, created_at, updated_at
`

// CreateInstance inserts a new instance.
// Returns ErrDuplicateName if the external name is taken for the channel type.
func (s *SQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if !inst.Status.Valid() {
		return fmt.Errorf("invalid status %q", inst.Status)
	}

	configJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("marshaling instance config: %w", err)
	}

	qrCode, qrIssued, qrExpires := qrColumns(inst.QR)

	query := s.rebind(`
		INSERT INTO channel_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.OrganizationID,
		string(inst.ChannelType),
		inst.ExternalName,
		string(inst.Status),
		qrCode, qrIssued, qrExpires,
		nullString(inst.LastError),
		nullTime(inst.LastGatewaySeenAt),
		string(configJSON),
		inst.Version,
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "external_name", inst.ExternalName)
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM channel_instances WHERE id = ?`), id)
	return scanInstance(row)
}

// GetInstanceByExternalName retrieves an instance by its gateway-registered name.
func (s *SQLStore) GetInstanceByExternalName(ctx context.Context, channelType ChannelType, name string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+instanceColumns+` FROM channel_instances
		WHERE channel_type = ? AND external_name = ?
	`), string(channelType), name)
	return scanInstance(row)
}

// ListInstances returns instances matching the filter, oldest first.
func (s *SQLStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error) {
	var (
		where []string
		args  []any
	)
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.ChannelType != "" {
		where = append(where, "channel_type = ?")
		args = append(args, string(f.ChannelType))
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.ExcludeDeleted {
		where = append(where, "status <> ?")
		args = append(args, string(lifecycle.StatusDeleted))
	}

	query := `SELECT ` + instanceColumns + ` FROM channel_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instances: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus writes a transition only if the row still holds the
// expected status and version. Returns ErrStatusConflict otherwise, or
// ErrNotFound if the row is gone.
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, expected lifecycle.Status, expectedVersion int64, upd StatusUpdate) error {
	if !upd.Status.Valid() {
		return fmt.Errorf("invalid status %q", upd.Status)
	}
	if upd.At.IsZero() {
		upd.At = time.Now()
	}

	qrCode, qrIssued, qrExpires := qrColumns(upd.QR)

	query := s.rebind(`
		UPDATE channel_instances
		SET status = ?, qr_code = ?, qr_issued_at = ?, qr_expires_at = ?, last_error = ?,
		    last_gateway_seen_at = COALESCE(?, last_gateway_seen_at),
		    version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`)
	result, err := s.db.ExecContext(ctx, query,
		string(upd.Status),
		qrCode, qrIssued, qrExpires,
		nullString(upd.LastError),
		nullTime(upd.SeenAt),
		formatTime(upd.At),
		id, string(expected), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	s.logger.Debug("instance status updated", "id", id, "from", expected, "to", upd.Status)
	return nil
}

// TouchGatewaySeen records gateway contact without changing status.
func (s *SQLStore) TouchGatewaySeen(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE channel_instances SET last_gateway_seen_at = ? WHERE id = ?
	`), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching instance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstance removes the row. Only used by the hard-delete orphan policy,
// after the deleted status has been written and audited.
func (s *SQLStore) DeleteInstance(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM channel_instances WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted instance row", "id", id)
	return nil
}

func qrColumns(qr *lifecycle.QR) (code, issued, expires any) {
	if qr == nil {
		return nil, nil, nil
	}
	return qr.Code, formatTime(qr.IssuedAt), formatTime(qr.ExpiresAt)
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*Instance, error) {
	var (
		inst                        Instance
		channelType, status         string
		qrCode, qrIssued, qrExpires sql.NullString
		lastError, lastSeen         sql.NullString
		configJSON                  string
		createdAt, updatedAt        string
	)

	err := scanner.Scan(
		&inst.ID,
		&inst.OrganizationID,
		&channelType,
		&inst.ExternalName,
		&status,
		&qrCode, &qrIssued, &qrExpires,
		&lastError,
		&lastSeen,
		&configJSON,
		&inst.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}

	inst.ChannelType = ChannelType(channelType)
	inst.Status = lifecycle.Status(status)
	inst.LastError = lastError.String

	if qrCode.Valid {
		qr := &lifecycle.QR{Code: qrCode.String}
		if qr.IssuedAt, err = parseTime(qrIssued.String); err != nil {
			return nil, fmt.Errorf("parsing qr_issued_at: %w", err)
		}
		if qr.ExpiresAt, err = parseTime(qrExpires.String); err != nil {
			return nil, fmt.Errorf("parsing qr_expires_at: %w", err)
		}
		inst.QR = qr
	}

	if inst.LastGatewaySeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_gateway_seen_at: %w", err)
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := json.Unmarshal([]byte(configJSON), &inst.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling instance config: %w", err)
	}

	return &inst, nil
}
