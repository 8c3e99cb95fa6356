package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clawtask/backend/internal/core"
)

// MemoryStore is the in-process Store used in dev mode and by the test
// suite. A single mutex held for the whole of Atomic serializes
// transactions; writes are staged in the transaction and applied only when
// the callback succeeds, so a failed operation leaves no partial state.
type MemoryStore struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	byKeyID map[string]string // api key id -> agent id
	wallets map[string]*Wallet
	tasks   map[string]*Task
	ledger  []*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[string]*Agent),
		byKeyID: make(map[string]string),
		wallets: make(map[string]*Wallet),
		tasks:   make(map[string]*Task),
	}
}

// Atomic runs fn under the store mutex with buffered writes.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:   s,
		agents:  make(map[string]*Agent),
		wallets: make(map[string]*Wallet),
		tasks:   make(map[string]*Task),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// AllTransactions returns the full committed ledger, oldest first. Chain
// verification needs the unfiltered log.
func (s *MemoryStore) AllTransactions() []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Transaction, len(s.ledger))
	for i, t := range s.ledger {
		out[i] = cloneTransaction(t)
	}
	return out
}

// memTx stages writes until commit. Reads see the transaction's own writes
// first, then the committed base state.
type memTx struct {
	store    *MemoryStore
	agents   map[string]*Agent
	wallets  map[string]*Wallet
	tasks    map[string]*Task
	appended []*Transaction
}

func (tx *memTx) commit() {
	for id, a := range tx.agents {
		tx.store.agents[id] = a
		if a.APIKeyID != "" {
			tx.store.byKeyID[a.APIKeyID] = a.ID
		}
	}
	for id, w := range tx.wallets {
		tx.store.wallets[id] = w
	}
	for id, t := range tx.tasks {
		tx.store.tasks[id] = t
	}
	tx.store.ledger = append(tx.store.ledger, tx.appended...)
}

// --- Agents ---

func (tx *memTx) GetAgent(id string) (*Agent, error) {
	if a, ok := tx.agents[id]; ok {
		return cloneAgent(a), nil
	}
	if a, ok := tx.store.agents[id]; ok {
		return cloneAgent(a), nil
	}
	return nil, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
}

func (tx *memTx) GetAgentByKeyID(keyID string) (*Agent, error) {
	for _, a := range tx.agents {
		if a.APIKeyID == keyID {
			return cloneAgent(a), nil
		}
	}
	if id, ok := tx.store.byKeyID[keyID]; ok {
		return tx.GetAgent(id)
	}
	return nil, fmt.Errorf("api key %s: %w", keyID, core.ErrNotFound)
}

func (tx *memTx) PutAgent(a *Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is empty: %w", core.ErrInvalidInput)
	}
	tx.agents[a.ID] = cloneAgent(a)
	return nil
}

// --- Wallets ---

func (tx *memTx) GetWallet(agentID string) (*Wallet, error) {
	if w, ok := tx.wallets[agentID]; ok {
		return cloneWallet(w), nil
	}
	if w, ok := tx.store.wallets[agentID]; ok {
		return cloneWallet(w), nil
	}
	return nil, fmt.Errorf("wallet for agent %s: %w", agentID, core.ErrNotFound)
}

func (tx *memTx) PutWallet(w *Wallet) error {
	if w.AgentID == "" {
		return fmt.Errorf("wallet agent id is empty: %w", core.ErrInvalidInput)
	}
	tx.wallets[w.AgentID] = cloneWallet(w)
	return nil
}

// --- Transactions ---

func (tx *memTx) AppendTransaction(t *Transaction) error {
	if t.ID == "" || t.Amount <= 0 {
		return fmt.Errorf("transaction id/amount: %w", core.ErrInvalidInput)
	}
	tx.appended = append(tx.appended, cloneTransaction(t))
	return nil
}

func (tx *memTx) TransactionsFor(agentID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []*Transaction
	scan := func(list []*Transaction) {
		for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
			t := list[i]
			if (t.FromAgentID != nil && *t.FromAgentID == agentID) ||
				(t.ToAgentID != nil && *t.ToAgentID == agentID) {
				out = append(out, cloneTransaction(t))
			}
		}
	}
	scan(tx.appended)
	scan(tx.store.ledger)
	return out, nil
}

func (tx *memTx) LastChainHash() (string, error) {
	if n := len(tx.appended); n > 0 {
		return tx.appended[n-1].ChainHash, nil
	}
	if n := len(tx.store.ledger); n > 0 {
		return tx.store.ledger[n-1].ChainHash, nil
	}
	return "", nil
}

// --- Tasks ---

func (tx *memTx) GetTask(id string) (*Task, error) {
	if t, ok := tx.tasks[id]; ok {
		return cloneTask(t), nil
	}
	if t, ok := tx.store.tasks[id]; ok {
		return cloneTask(t), nil
	}
	return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
}

func (tx *memTx) PutTask(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty: %w", core.ErrInvalidInput)
	}
	tx.tasks[t.ID] = cloneTask(t)
	return nil
}

func (tx *memTx) ListTasks(f TaskFilter) ([]*Task, error) {
	limit := f.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}

	seen := make(map[string]bool)
	var matched []*Task
	consider := func(t *Task) {
		if seen[t.ID] {
			return
		}
		seen[t.ID] = true
		if f.Status != "" && t.Status != f.Status {
			return
		}
		if f.Type != "" && t.Type != f.Type {
			return
		}
		if f.PublisherID != "" && t.PublisherID != f.PublisherID {
			return
		}
		if f.AssigneeID != "" && (t.AssigneeID == nil || *t.AssigneeID != f.AssigneeID) {
			return
		}
		matched = append(matched, cloneTask(t))
	}
	for _, t := range tx.tasks {
		consider(t)
	}
	for _, t := range tx.store.tasks {
		consider(t)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// --- Deep copies ---
// Records handed out by the store must not alias records held inside it.

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.LastActiveAt != nil {
		t := *a.LastActiveAt
		c.LastActiveAt = &t
	}
	return &c
}

func cloneWallet(w *Wallet) *Wallet {
	c := *w
	return &c
}

func cloneTransaction(t *Transaction) *Transaction {
	c := *t
	if t.FromAgentID != nil {
		v := *t.FromAgentID
		c.FromAgentID = &v
	}
	if t.ToAgentID != nil {
		v := *t.ToAgentID
		c.ToAgentID = &v
	}
	return &c
}

func cloneTask(t *Task) *Task {
	c := *t
	if t.AssigneeID != nil {
		v := *t.AssigneeID
		c.AssigneeID = &v
	}
	c.Requirements = copyMeta(t.Requirements)
	c.AcceptanceCriteria = copyMeta(t.AcceptanceCriteria)
	c.Result = copyMeta(t.Result)
	c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	c.Deadline = copyTime(t.Deadline)
	c.ClaimedAt = copyTime(t.ClaimedAt)
	c.SubmittedAt = copyTime(t.SubmittedAt)
	c.CompletedAt = copyTime(t.CompletedAt)

	c.ProgressUpdates = make([]ProgressUpdate, len(t.ProgressUpdates))
	for i, p := range t.ProgressUpdates {
		p.Metadata = copyMeta(p.Metadata)
		c.ProgressUpdates[i] = p
	}

	c.Alignment = t.Alignment
	if t.Alignment.Test != nil {
		test := *t.Alignment.Test
		test.ProposedCriteria = append([]string(nil), test.ProposedCriteria...)
		test.ConfirmedAt = copyTime(test.ConfirmedAt)
		c.Alignment.Test = &test
	}
	c.Alignment.Checkpoints = make([]Checkpoint, len(t.Alignment.Checkpoints))
	for i, cp := range t.Alignment.Checkpoints {
		cp.ReachedAt = copyTime(cp.ReachedAt)
		cp.AcknowledgedAt = copyTime(cp.AcknowledgedAt)
		cp.ResultSnapshot = copyMeta(cp.ResultSnapshot)
		c.Alignment.Checkpoints[i] = cp
	}
	return &c
}

func copyMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
