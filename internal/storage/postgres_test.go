package storage

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtask/backend/internal/core"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Schema setup is exercised against a real database; the mock tests
	// target transaction and row mapping behavior.
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags),
	}, mock
}

func TestPostgresAtomicCommits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(tx Tx) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAtomicRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.Atomic(context.Background(), func(tx Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetWalletLocksRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "balance", "locked_balance", "total_earned",
			"total_spent", "created_at", "updated_at",
		}).AddRow("agent-1", int64(70), int64(30), int64(100), int64(30), now, now))
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(tx Tx) error {
		w, err := tx.GetWallet("agent-1")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(70), w.Balance)
		assert.Equal(t, int64(30), w.LockedBalance)
		assert.Equal(t, int64(100), w.TotalBalance())
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetWalletNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM wallets`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"agent_id", "balance", "locked_balance", "total_earned",
			"total_spent", "created_at", "updated_at",
		}))
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(tx Tx) error {
		_, err := tx.GetWallet("ghost")
		return err
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLastChainHashTakesAdvisoryLock(t *testing.T) {
	store, mock := newMockStore(t)

	// The advisory lock must be acquired before the tail read, otherwise two
	// transactions on disjoint wallets can both append after the same entry.
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(chainLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT chain_hash FROM transactions ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash"}).AddRow("abc123"))
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(tx Tx) error {
		h, err := tx.LastChainHash()
		if err != nil {
			return err
		}
		assert.Equal(t, "abc123", h)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLastChainHashEmptyLedger(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(chainLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT chain_hash FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash"}))
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(tx Tx) error {
		h, err := tx.LastChainHash()
		if err != nil {
			return err
		}
		assert.Equal(t, "", h)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
