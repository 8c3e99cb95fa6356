// Package ledger owns agent wallets and the append-only transaction log.
//
// Every fund movement is a transactional unit: the wallet mutation and its
// ledger entry commit together through the storage.Tx the caller supplies.
// Composite operations (claim escrow plus task creation, reward transfer
// plus task completion) pass one transaction through both this package and
// the lifecycle engine so that a failure anywhere aborts everything.
//
// Ledger entries are hash-chained: each entry's chain hash covers the
// previous entry's hash plus its own fields, so the full balance history of
// any wallet can be reconstructed and verified from the log alone.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/storage"
)

// Ledger is the escrow-style wallet service.
type Ledger struct {
	store   storage.Store
	metrics *Metrics
	logger  *log.Logger
}

// New creates a wallet ledger. metrics may be nil (tests).
func New(store storage.Store, metrics *Metrics) *Ledger {
	return &Ledger{
		store:   store,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// CreateWallet creates an agent's wallet seeded with the initial grant and
// records the grant transaction. Fails with ErrInvalidState if the agent
// already has a wallet.
func (l *Ledger) CreateWallet(tx storage.Tx, agentID string, initialGrant int64) (*storage.Wallet, error) {
	if agentID == "" || initialGrant < 0 {
		return nil, fmt.Errorf("create wallet: %w", core.ErrInvalidInput)
	}
	if _, err := tx.GetWallet(agentID); err == nil {
		return nil, fmt.Errorf("wallet already exists for agent %s: %w", agentID, core.ErrInvalidState)
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	w := &storage.Wallet{
		AgentID:     agentID,
		Balance:     initialGrant,
		TotalEarned: initialGrant,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.PutWallet(w); err != nil {
		return nil, err
	}

	if initialGrant > 0 {
		if err := l.record(tx, nil, &agentID, initialGrant, storage.TxInitialGrant,
			"", "Welcome grant for new agent"); err != nil {
			return nil, err
		}
	}

	l.logger.Printf("💳 Wallet created for %s (grant %d)", agentID, initialGrant)
	l.metrics.RecordWallet(agentID, w.Balance, w.LockedBalance)
	return w, nil
}

// LockFunds moves amount from the agent's spendable balance into escrow for
// the given task. Insufficient balance is a normal negative result
// (ErrInsufficientFunds), not a fault.
func (l *Ledger) LockFunds(tx storage.Tx, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive: %w", core.ErrInvalidInput)
	}
	w, err := tx.GetWallet(agentID)
	if err != nil {
		return err
	}
	if w.Balance < amount {
		return fmt.Errorf("balance %d < %d for task %s: %w",
			w.Balance, amount, taskID, core.ErrInsufficientFunds)
	}

	w.Balance -= amount
	w.LockedBalance += amount
	w.TotalSpent += amount
	w.UpdatedAt = time.Now().UTC()
	if err := tx.PutWallet(w); err != nil {
		return err
	}
	if err := l.record(tx, &agentID, nil, amount, storage.TxTaskDeposit,
		taskID, fmt.Sprintf("Locked for task %s", taskID)); err != nil {
		return err
	}

	l.logger.Printf("🔒 Locked %d from %s for task %s", amount, agentID, taskID)
	l.metrics.RecordWallet(agentID, w.Balance, w.LockedBalance)
	return nil
}

// ReleaseLockedFunds returns escrowed funds to the agent's spendable
// balance, e.g. on cancellation or a downward reward adjustment.
func (l *Ledger) ReleaseLockedFunds(tx storage.Tx, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return fmt.Errorf("release amount must be positive: %w", core.ErrInvalidInput)
	}
	w, err := tx.GetWallet(agentID)
	if err != nil {
		return err
	}
	if w.LockedBalance < amount {
		return fmt.Errorf("locked balance %d < %d for task %s: %w",
			w.LockedBalance, amount, taskID, core.ErrInsufficientFunds)
	}

	w.LockedBalance -= amount
	w.Balance += amount
	w.TotalSpent -= amount
	w.UpdatedAt = time.Now().UTC()
	if err := tx.PutWallet(w); err != nil {
		return err
	}
	if err := l.record(tx, nil, &agentID, amount, storage.TxTaskRefund,
		taskID, fmt.Sprintf("Refund for task %s", taskID)); err != nil {
		return err
	}

	l.logger.Printf("🔓 Released %d to %s for task %s", amount, agentID, taskID)
	l.metrics.RecordWallet(agentID, w.Balance, w.LockedBalance)
	return nil
}

// TransferReward pays escrowed funds from the publisher to the assignee.
// Both wallet mutations and the payment entry ride the same transaction:
// they commit together or not at all.
func (l *Ledger) TransferReward(tx storage.Tx, publisherID, assigneeID string, amount int64, taskID string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %w", core.ErrInvalidInput)
	}
	if publisherID == assigneeID {
		return fmt.Errorf("transfer to self: %w", core.ErrInvalidInput)
	}

	pub, err := tx.GetWallet(publisherID)
	if err != nil {
		return err
	}
	if pub.LockedBalance < amount {
		return fmt.Errorf("publisher escrow %d < reward %d for task %s: %w",
			pub.LockedBalance, amount, taskID, core.ErrInsufficientFunds)
	}
	asg, err := tx.GetWallet(assigneeID)
	if err != nil {
		// Escrow exists but the payee wallet is gone. Wallets are never
		// deleted, so this is a consistency fault, not a user error.
		return fmt.Errorf("assignee wallet missing for task %s: %w", taskID, core.ErrConsistency)
	}

	now := time.Now().UTC()
	pub.LockedBalance -= amount
	pub.UpdatedAt = now
	asg.Balance += amount
	asg.TotalEarned += amount
	asg.UpdatedAt = now

	if err := tx.PutWallet(pub); err != nil {
		return err
	}
	if err := tx.PutWallet(asg); err != nil {
		return err
	}
	if err := l.record(tx, &publisherID, &assigneeID, amount, storage.TxTaskPayment,
		taskID, fmt.Sprintf("Payment for completed task %s", taskID)); err != nil {
		return err
	}

	l.logger.Printf("💸 Paid %d from %s to %s for task %s", amount, publisherID, assigneeID, taskID)
	l.metrics.RecordWallet(publisherID, pub.Balance, pub.LockedBalance)
	l.metrics.RecordWallet(assigneeID, asg.Balance, asg.LockedBalance)
	return nil
}

// Transfer moves spendable funds directly between two agents.
func (l *Ledger) Transfer(tx storage.Tx, fromID, toID string, amount int64, description string) error {
	if amount <= 0 || fromID == toID {
		return fmt.Errorf("transfer: %w", core.ErrInvalidInput)
	}
	from, err := tx.GetWallet(fromID)
	if err != nil {
		return err
	}
	if from.Balance < amount {
		return fmt.Errorf("balance %d < %d: %w", from.Balance, amount, core.ErrInsufficientFunds)
	}
	to, err := tx.GetWallet(toID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	from.Balance -= amount
	from.TotalSpent += amount
	from.UpdatedAt = now
	to.Balance += amount
	to.TotalEarned += amount
	to.UpdatedAt = now

	if err := tx.PutWallet(from); err != nil {
		return err
	}
	if err := tx.PutWallet(to); err != nil {
		return err
	}
	return l.record(tx, &fromID, &toID, amount, storage.TxTransfer, "", description)
}

// Wallet reads an agent's wallet.
func (l *Ledger) Wallet(ctx context.Context, agentID string) (*storage.Wallet, error) {
	var w *storage.Wallet
	err := l.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		w, err = tx.GetWallet(agentID)
		return err
	})
	return w, err
}

// Transactions returns the agent's ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, agentID string, limit int) ([]*storage.Transaction, error) {
	var out []*storage.Transaction
	err := l.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.TransactionsFor(agentID, limit)
		return err
	})
	return out, err
}

// record appends a chained ledger entry inside the caller's transaction.
func (l *Ledger) record(tx storage.Tx, from, to *string, amount int64,
	typ storage.TransactionType, taskID, description string) error {

	prev, err := tx.LastChainHash()
	if err != nil {
		return err
	}

	t := &storage.Transaction{
		ID:          uuid.NewString(),
		FromAgentID: from,
		ToAgentID:   to,
		Amount:      amount,
		Type:        typ,
		TaskID:      taskID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	t.ChainHash = chainHash(prev, t)

	if err := tx.AppendTransaction(t); err != nil {
		return err
	}
	l.metrics.RecordTransaction(string(typ), amount)
	return nil
}

// chainHash computes SHA256 over the previous hash and the entry fields.
func chainHash(prev string, t *storage.Transaction) string {
	from, to := core.SystemPrincipal, core.SystemPrincipal
	if t.FromAgentID != nil {
		from = *t.FromAgentID
	}
	if t.ToAgentID != nil {
		to = *t.ToAgentID
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%s|%s",
		prev, t.ID, from, to, t.Amount, t.Type, t.TaskID,
		t.CreatedAt.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks an agent-agnostic slice of entries (oldest first) and
// reports the first broken link, if any.
func VerifyChain(entries []*storage.Transaction) error {
	prev := ""
	for i, t := range entries {
		if want := chainHash(prev, t); want != t.ChainHash {
			return fmt.Errorf("ledger chain broken at entry %d (%s): %w", i, t.ID, core.ErrConsistency)
		}
		prev = t.ChainHash
	}
	return nil
}
