package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/clawtask/backend/internal/core"
)

// PostgresStore implements Store on PostgreSQL (lib/pq). Row-level locking
// via SELECT FOR UPDATE makes each Atomic callback a serializable
// read-validate-write unit: concurrent operations touching the same task or
// wallet rows queue on the row lock instead of interleaving.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore wraps an open connection and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags),
	}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			capabilities     JSONB NOT NULL DEFAULT '[]',
			endpoint_url     TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'active',
			api_key_id       TEXT NOT NULL UNIQUE,
			api_key_hash     TEXT NOT NULL,
			reputation_score DOUBLE PRECISION NOT NULL DEFAULT 100,
			completed_tasks  BIGINT NOT NULL DEFAULT 0,
			failed_tasks     BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			last_active_at   TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			agent_id       TEXT PRIMARY KEY,
			balance        BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			locked_balance BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			total_earned   BIGINT NOT NULL DEFAULT 0,
			total_spent    BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq              BIGSERIAL,
			id               TEXT PRIMARY KEY,
			from_agent_id    TEXT,
			to_agent_id      TEXT,
			amount           BIGINT NOT NULL CHECK (amount > 0),
			transaction_type TEXT NOT NULL,
			task_id          TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			chain_hash       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions (from_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions (to_agent_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                     TEXT PRIMARY KEY,
			publisher_id           TEXT NOT NULL,
			assignee_id            TEXT,
			title                  TEXT NOT NULL,
			description            TEXT NOT NULL,
			task_type              TEXT NOT NULL,
			priority               INT NOT NULL DEFAULT 2,
			requirements           JSONB NOT NULL DEFAULT '{}',
			acceptance_criteria    JSONB NOT NULL DEFAULT '{}',
			reward                 BIGINT NOT NULL CHECK (reward > 0),
			status                 TEXT NOT NULL DEFAULT 'open',
			progress_updates       JSONB NOT NULL DEFAULT '[]',
			result                 JSONB,
			review_notes           TEXT NOT NULL DEFAULT '',
			alignment              JSONB NOT NULL DEFAULT '{}',
			parent_task_id         TEXT NOT NULL DEFAULT '',
			subtask_ids            JSONB NOT NULL DEFAULT '[]',
			created_at             TIMESTAMPTZ NOT NULL,
			updated_at             TIMESTAMPTZ NOT NULL,
			deadline               TIMESTAMPTZ,
			claimed_at             TIMESTAMPTZ,
			submitted_at           TIMESTAMPTZ,
			completed_at           TIMESTAMPTZ,
			claim_timeout_minutes  INT NOT NULL DEFAULT 60,
			review_timeout_minutes INT NOT NULL DEFAULT 30
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_publisher ON tasks (publisher_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks (assignee_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Atomic runs fn inside a database transaction.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if err := fn(&pgTx{tx: dbTx, ctx: ctx}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type pgTx struct {
	tx  *sql.Tx
	ctx context.Context
}

// --- Agents ---

const agentColumns = `id, name, description, capabilities, endpoint_url, status,
	api_key_id, api_key_hash, reputation_score, completed_tasks, failed_tasks,
	created_at, updated_at, last_active_at`

func (p *pgTx) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var caps []byte
	err := row.Scan(&a.ID, &a.Name, &a.Description, &caps, &a.EndpointURL,
		&a.Status, &a.APIKeyID, &a.APIKeyHash, &a.ReputationScore,
		&a.CompletedTasks, &a.FailedTasks, &a.CreatedAt, &a.UpdatedAt,
		&a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &a, nil
}

func (p *pgTx) GetAgent(id string) (*Agent, error) {
	row := p.tx.QueryRowContext(p.ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	a, err := p.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (p *pgTx) GetAgentByKeyID(keyID string) (*Agent, error) {
	row := p.tx.QueryRowContext(p.ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_id = $1 FOR UPDATE`, keyID)
	a, err := p.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key %s: %w", keyID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by key: %w", err)
	}
	return a, nil
}

func (p *pgTx) PutAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			capabilities = EXCLUDED.capabilities,
			endpoint_url = EXCLUDED.endpoint_url,
			status = EXCLUDED.status,
			api_key_id = EXCLUDED.api_key_id,
			api_key_hash = EXCLUDED.api_key_hash,
			reputation_score = EXCLUDED.reputation_score,
			completed_tasks = EXCLUDED.completed_tasks,
			failed_tasks = EXCLUDED.failed_tasks,
			updated_at = EXCLUDED.updated_at,
			last_active_at = EXCLUDED.last_active_at`,
		a.ID, a.Name, a.Description, caps, a.EndpointURL, a.Status,
		a.APIKeyID, a.APIKeyHash, a.ReputationScore, a.CompletedTasks,
		a.FailedTasks, a.CreatedAt, a.UpdatedAt, a.LastActiveAt)
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

// --- Wallets ---

func (p *pgTx) GetWallet(agentID string) (*Wallet, error) {
	var w Wallet
	err := p.tx.QueryRowContext(p.ctx, `
		SELECT agent_id, balance, locked_balance, total_earned, total_spent,
		       created_at, updated_at
		FROM wallets WHERE agent_id = $1 FOR UPDATE`, agentID).
		Scan(&w.AgentID, &w.Balance, &w.LockedBalance, &w.TotalEarned,
			&w.TotalSpent, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wallet for agent %s: %w", agentID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (p *pgTx) PutWallet(w *Wallet) error {
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO wallets (agent_id, balance, locked_balance, total_earned,
		                     total_spent, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (agent_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			locked_balance = EXCLUDED.locked_balance,
			total_earned = EXCLUDED.total_earned,
			total_spent = EXCLUDED.total_spent,
			updated_at = EXCLUDED.updated_at`,
		w.AgentID, w.Balance, w.LockedBalance, w.TotalEarned, w.TotalSpent,
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put wallet: %w", err)
	}
	return nil
}

// --- Transactions ---

func (p *pgTx) AppendTransaction(t *Transaction) error {
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO transactions (id, from_agent_id, to_agent_id, amount,
		    transaction_type, task_id, description, chain_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.FromAgentID, t.ToAgentID, t.Amount, t.Type, t.TaskID,
		t.Description, t.ChainHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (p *pgTx) TransactionsFor(agentID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.tx.QueryContext(p.ctx, `
		SELECT id, from_agent_id, to_agent_id, amount, transaction_type,
		       task_id, description, chain_hash, created_at
		FROM transactions
		WHERE from_agent_id = $1 OR to_agent_id = $1
		ORDER BY seq DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.FromAgentID, &t.ToAgentID, &t.Amount,
			&t.Type, &t.TaskID, &t.Description, &t.ChainHash, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// chainLockKey is the advisory lock serializing ledger appends. Locking the
// tail row is not enough: a transaction that waits on the tail lock still
// reads its pre-wait snapshot afterwards and would fork the chain.
const chainLockKey int64 = 0x636c61_77636861 // "clawcha"

func (p *pgTx) LastChainHash() (string, error) {
	if _, err := p.tx.ExecContext(p.ctx,
		`SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return "", fmt.Errorf("acquire chain lock: %w", err)
	}
	var hash string
	err := p.tx.QueryRowContext(p.ctx,
		`SELECT chain_hash FROM transactions ORDER BY seq DESC LIMIT 1`).
		Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last chain hash: %w", err)
	}
	return hash, nil
}

// --- Tasks ---

const taskColumns = `id, publisher_id, assignee_id, title, description, task_type,
	priority, requirements, acceptance_criteria, reward, status,
	progress_updates, result, review_notes, alignment, parent_task_id,
	subtask_ids, created_at, updated_at, deadline, claimed_at, submitted_at,
	completed_at, claim_timeout_minutes, review_timeout_minutes`

type taskScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row taskScanner) (*Task, error) {
	var t Task
	var reqs, criteria, progress, result, alignment, subtasks []byte
	err := row.Scan(&t.ID, &t.PublisherID, &t.AssigneeID, &t.Title,
		&t.Description, &t.Type, &t.Priority, &reqs, &criteria, &t.Reward,
		&t.Status, &progress, &result, &t.ReviewNotes, &alignment,
		&t.ParentTaskID, &subtasks, &t.CreatedAt, &t.UpdatedAt, &t.Deadline,
		&t.ClaimedAt, &t.SubmittedAt, &t.CompletedAt, &t.ClaimTimeoutMinutes,
		&t.ReviewTimeoutMinutes)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{reqs, &t.Requirements},
		{criteria, &t.AcceptanceCriteria},
		{progress, &t.ProgressUpdates},
		{alignment, &t.Alignment},
		{subtasks, &t.SubtaskIDs},
	} {
		if len(f.raw) > 0 {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode task field: %w", err)
			}
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	if t.Alignment.State == "" {
		t.Alignment.State = UnderstandingNone
	}
	return &t, nil
}

func (p *pgTx) GetTask(id string) (*Task, error) {
	row := p.tx.QueryRowContext(p.ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (p *pgTx) PutTask(t *Task) error {
	reqs, err := json.Marshal(t.Requirements)
	if err != nil {
		return fmt.Errorf("encode requirements: %w", err)
	}
	criteria, err := json.Marshal(t.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	progress, err := json.Marshal(t.ProgressUpdates)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	alignment, err := json.Marshal(t.Alignment)
	if err != nil {
		return fmt.Errorf("encode alignment: %w", err)
	}
	subtasks, err := json.Marshal(t.SubtaskIDs)
	if err != nil {
		return fmt.Errorf("encode subtask ids: %w", err)
	}
	var result []byte
	if t.Result != nil {
		if result, err = json.Marshal(t.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}

	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET
			assignee_id = EXCLUDED.assignee_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			priority = EXCLUDED.priority,
			requirements = EXCLUDED.requirements,
			acceptance_criteria = EXCLUDED.acceptance_criteria,
			reward = EXCLUDED.reward,
			status = EXCLUDED.status,
			progress_updates = EXCLUDED.progress_updates,
			result = EXCLUDED.result,
			review_notes = EXCLUDED.review_notes,
			alignment = EXCLUDED.alignment,
			parent_task_id = EXCLUDED.parent_task_id,
			subtask_ids = EXCLUDED.subtask_ids,
			updated_at = EXCLUDED.updated_at,
			deadline = EXCLUDED.deadline,
			claimed_at = EXCLUDED.claimed_at,
			submitted_at = EXCLUDED.submitted_at,
			completed_at = EXCLUDED.completed_at,
			claim_timeout_minutes = EXCLUDED.claim_timeout_minutes,
			review_timeout_minutes = EXCLUDED.review_timeout_minutes`,
		t.ID, t.PublisherID, t.AssigneeID, t.Title, t.Description, t.Type,
		t.Priority, reqs, criteria, t.Reward, t.Status, progress, result,
		t.ReviewNotes, alignment, t.ParentTaskID, subtasks, t.CreatedAt,
		t.UpdatedAt, t.Deadline, t.ClaimedAt, t.SubmittedAt, t.CompletedAt,
		t.ClaimTimeoutMinutes, t.ReviewTimeoutMinutes)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (p *pgTx) ListTasks(f TaskFilter) ([]*Task, error) {
	limit := f.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.Type != "" {
		query += ` AND task_type = ` + arg(string(f.Type))
	}
	if f.PublisherID != "" {
		query += ` AND publisher_id = ` + arg(f.PublisherID)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id = ` + arg(f.AssigneeID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + arg(limit)
	}

	rows, err := p.tx.QueryContext(p.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
