// ABOUTME: Store interfaces and data types for pairline persistence
// ABOUTME: Defines Instance, AuditEntry and the compare-and-set status primitive

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/pairline/internal/lifecycle"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateName is returned when an external name is already registered
// for the channel type.
var ErrDuplicateName = errors.New("external name already in use")

// ErrStatusConflict is returned by CompareAndSetStatus when the stored row no
// longer matches the expected status and version.
var ErrStatusConflict = errors.New("instance status changed concurrently")

// ChannelType identifies the messaging network an instance is paired with.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
)

// InstanceConfig holds channel-specific settings.
type InstanceConfig struct {
	WebhookURL     string         `json:"webhook_url,omitempty"`
	CredentialsRef string         `json:"credentials_ref,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Instance is the local mirror of one channel connection.
type Instance struct {
	ID                string
	OrganizationID    string
	ChannelType       ChannelType
	ExternalName      string // immutable after creation
	Status            lifecycle.Status
	QR                *lifecycle.QR // only set in qr_pending
	LastError         string
	LastGatewaySeenAt *time.Time
	Config            InstanceConfig
	Version           int64 // bumped by every status write
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// State returns the part of the instance the state machine reads.
func (i *Instance) State() lifecycle.State {
	return lifecycle.State{Status: i.Status, QR: i.QR}
}

// StatusUpdate is the full set of columns written by a transition.
type StatusUpdate struct {
	Status    lifecycle.Status
	QR        *lifecycle.QR
	LastError string
	SeenAt    *time.Time // nil keeps the stored value
	At        time.Time
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	OrganizationID string
	ChannelType    ChannelType
	Statuses       []lifecycle.Status
	ExcludeDeleted bool
	Limit          int
}

// InstanceStore persists channel instances. Status is only written through
// CompareAndSetStatus.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByExternalName(ctx context.Context, channelType ChannelType, name string) (*Instance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error)
	CompareAndSetStatus(ctx context.Context, id string, expected lifecycle.Status, expectedVersion int64, upd StatusUpdate) error
	TouchGatewaySeen(ctx context.Context, id string, at time.Time) error
	DeleteInstance(ctx context.Context, id string) error
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines every persistence interface.
type Store interface {
	InstanceStore
	AuditStore

	// Ping checks connectivity for readiness probes
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
