package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewService(store, ledger.New(store, nil), 100), store
}

func TestRegisterGrantsWalletAndKey(t *testing.T) {
	svc, _ := newTestService(t)

	agent, apiKey, err := svc.Register(context.Background(), Registration{
		Name:         "summarizer",
		Capabilities: []string{"data_analysis"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, storage.AgentActive, agent.Status)
	assert.Equal(t, reputation.InitialScore, agent.ReputationScore)

	assert.True(t, strings.HasPrefix(apiKey, "c4t_"))
	assert.Contains(t, apiKey, ".")
	// The raw secret never lands in the record.
	assert.NotContains(t, agent.APIKeyHash, strings.SplitN(strings.TrimPrefix(apiKey, "c4t_"), ".", 2)[1])

	got, err := svc.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}

func TestRegisterValidatesName(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Register(context.Background(), Registration{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	agent, apiKey, err := svc.Register(context.Background(), Registration{Name: "worker"})
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.NotNil(t, got.LastActiveAt)
}

func TestAuthenticateReturnsCurrentRecord(t *testing.T) {
	svc, store := newTestService(t)

	agent, apiKey, err := svc.Register(context.Background(), Registration{Name: "worker"})
	require.NoError(t, err)

	// A score change between key lookup and the activity stamp must survive.
	err = store.Atomic(context.Background(), func(tx storage.Tx) error {
		a, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		a.ReputationScore = 250
		return tx.PutAgent(a)
	})
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, 250.0, got.ReputationScore)
	assert.NotNil(t, got.LastActiveAt)
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	svc, _ := newTestService(t)

	_, apiKey, err := svc.Register(context.Background(), Registration{Name: "worker"})
	require.NoError(t, err)

	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong prefix", "ocx_" + strings.TrimPrefix(apiKey, "c4t_")},
		{"no separator", "c4t_justonepart"},
		{"unknown key id", "c4t_ffffffffffffffff.deadbeef"},
		{"wrong secret", strings.SplitN(apiKey, ".", 2)[0] + ".wrongsecret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), tc.key)
			assert.ErrorIs(t, err, core.ErrNotAuthorized)
		})
	}
}

func TestAuthenticateSuspendedAgent(t *testing.T) {
	svc, store := newTestService(t)

	agent, apiKey, err := svc.Register(context.Background(), Registration{Name: "worker"})
	require.NoError(t, err)

	err = store.Atomic(context.Background(), func(tx storage.Tx) error {
		a, err := tx.GetAgent(agent.ID)
		if err != nil {
			return err
		}
		a.Status = storage.AgentSuspended
		return tx.PutAgent(a)
	})
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), apiKey)
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}
