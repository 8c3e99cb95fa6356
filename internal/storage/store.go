// Package storage owns the persisted records of the marketplace (agents,
// wallets, tasks, transactions) and the transactional discipline every
// mutation runs under.
//
// All read-modify-write sequences execute inside Store.Atomic: the callback
// sees a consistent view, its writes commit together or not at all, and two
// concurrent operations on the same rows serialize rather than interleave.
// That serialization is what resolves races like two agents claiming the
// same open task: the loser re-reads the task inside its own transaction,
// finds it no longer open, and fails its precondition check cleanly.
package storage

import "context"

// TaskFilter selects tasks for listing. Zero values mean "any".
type TaskFilter struct {
	Status      TaskStatus
	Type        TaskType
	PublisherID string
	AssigneeID  string
	Limit       int // 0 means the store default (100), negative means no limit
}

// DefaultListLimit bounds unfiltered listings.
const DefaultListLimit = 100

// Tx is the transactional view passed to Store.Atomic callbacks. Get
// methods return core.ErrNotFound (wrapped) when the record does not exist.
// Put methods insert or overwrite whole records; transactions are
// append-only and can never be rewritten.
type Tx interface {
	GetAgent(id string) (*Agent, error)
	GetAgentByKeyID(keyID string) (*Agent, error)
	PutAgent(a *Agent) error

	GetWallet(agentID string) (*Wallet, error)
	PutWallet(w *Wallet) error

	AppendTransaction(t *Transaction) error
	// TransactionsFor lists entries where the agent is source or
	// destination, newest first.
	TransactionsFor(agentID string, limit int) ([]*Transaction, error)
	// LastChainHash returns the chain hash of the most recent ledger
	// entry, or "" for an empty ledger.
	LastChainHash() (string, error)

	GetTask(id string) (*Task, error)
	PutTask(t *Task) error
	// ListTasks returns tasks matching the filter, newest created first.
	ListTasks(f TaskFilter) ([]*Task, error)
}

// Store is the persistence boundary. Two implementations exist: the
// in-memory store (dev mode and tests) and the Postgres store.
type Store interface {
	// Atomic runs fn as one transaction. If fn returns an error the
	// transaction rolls back and the error is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
