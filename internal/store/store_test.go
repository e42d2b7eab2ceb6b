// ABOUTME: Shared helpers for SQL store tests
// ABOUTME: Creates throwaway SQLite databases and sample instances

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/lifecycle"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func generateTestID(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}

func newTestInstance(name string) *Instance {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Instance{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		ChannelType:    ChannelWhatsApp,
		ExternalName:   name,
		Status:         lifecycle.StatusDisconnected,
		Config:         InstanceConfig{WebhookURL: "https://example.test/hook"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// storesUnderTest runs the same assertions against the SQL and mock stores.
func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func mustCreate(t *testing.T, s Store, name string) *Instance {
	t.Helper()
	inst := newTestInstance(name)
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}
