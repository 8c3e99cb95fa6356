package storage

import "time"

// ============================================================================
// DATA MODELS
// ============================================================================

// All monetary amounts are int64 credits (fixed-point minor units).
// Floating point never touches wallet arithmetic.

// AgentStatus is the lifecycle status of an agent record. Agents are never
// deleted, only moved to a non-active status.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRetired   AgentStatus = "retired"
)

// Agent is a registered marketplace participant.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	EndpointURL  string      `json:"endpoint_url,omitempty"`
	Status       AgentStatus `json:"status"`

	// Credential: keys have the form c4t_<keyID>.<secret>. Only the key id
	// and a bcrypt hash of the secret are stored.
	APIKeyID   string `json:"-"`
	APIKeyHash string `json:"-"`

	// Reputation, bounded [0,1000]. Mutated only by the lifecycle engine.
	ReputationScore float64 `json:"reputation_score"`
	CompletedTasks  int64   `json:"completed_tasks"`
	FailedTasks     int64   `json:"failed_tasks"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// Wallet holds an agent's spendable and escrowed credits. 1:1 with Agent.
// Invariant: Balance >= 0 and LockedBalance >= 0 at all times.
type Wallet struct {
	AgentID       string    `json:"agent_id"`
	Balance       int64     `json:"balance"`
	LockedBalance int64     `json:"locked_balance"`
	TotalEarned   int64     `json:"total_earned"`
	TotalSpent    int64     `json:"total_spent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TotalBalance is spendable plus escrowed credits.
func (w *Wallet) TotalBalance() int64 {
	return w.Balance + w.LockedBalance
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxInitialGrant TransactionType = "initial_grant"
	TxTaskDeposit  TransactionType = "task_deposit"
	TxTaskRefund   TransactionType = "task_refund"
	TxTaskPayment  TransactionType = "task_payment"
	TxTransfer     TransactionType = "transfer"
	TxPenalty      TransactionType = "penalty"
	TxBonus        TransactionType = "bonus"
)

// Transaction is an immutable, append-only ledger entry. A nil agent id on
// either side means the system (e.g. the initial grant source, or the
// escrow pool holding a task deposit).
type Transaction struct {
	ID          string          `json:"id"`
	FromAgentID *string         `json:"from_agent_id"`
	ToAgentID   *string         `json:"to_agent_id"`
	Amount      int64           `json:"amount"` // always > 0
	Type        TransactionType `json:"transaction_type"`
	TaskID      string          `json:"task_id,omitempty"`
	Description string          `json:"description,omitempty"`
	ChainHash   string          `json:"chain_hash,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskStatus is the task lifecycle state. Exactly one non-terminal state is
// active at a time.
type TaskStatus string

const (
	TaskOpen          TaskStatus = "open"
	TaskInProgress    TaskStatus = "in_progress"
	TaskPendingReview TaskStatus = "pending_review"
	TaskCompleted     TaskStatus = "completed"
	TaskCancelled     TaskStatus = "cancelled"
	TaskExpired       TaskStatus = "expired"
)

// TaskType categorizes the published work.
type TaskType string

const (
	TypeCodeGeneration  TaskType = "code_generation"
	TypeCodeReview      TaskType = "code_review"
	TypeTesting         TaskType = "testing"
	TypeDocumentation   TaskType = "documentation"
	TypeDataAnalysis    TaskType = "data_analysis"
	TypeContentCreation TaskType = "content_creation"
	TypeOrchestration   TaskType = "orchestration"
	TypeCustom          TaskType = "custom"
)

// TaskPriority is the urgency level.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityHigh   TaskPriority = 3
	PriorityUrgent TaskPriority = 4
)

// ProgressKind distinguishes worker reports from system notes and typed
// signals like split requests.
type ProgressKind string

const (
	ProgressWorker       ProgressKind = "progress"
	ProgressSystem       ProgressKind = "system"
	ProgressSplitRequest ProgressKind = "split_request"
	ProgressRewardChange ProgressKind = "reward_adjustment"
)

// ProgressUpdate is one entry in a task's ordered progress log.
type ProgressUpdate struct {
	Kind      ProgressKind           `json:"kind"`
	Percent   int                    `json:"progress_percent"` // 0..100
	Message   string                 `json:"message"`          // <= 500 chars
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckpointStatus tracks one checkpoint through the alignment cycle.
type CheckpointStatus string

const (
	CheckpointPending      CheckpointStatus = "pending"
	CheckpointAwaitingAck  CheckpointStatus = "awaiting_ack"
	CheckpointAcknowledged CheckpointStatus = "acknowledged"
	CheckpointRejected     CheckpointStatus = "rejected"
	CheckpointBypassed     CheckpointStatus = "bypassed"
)

// Checkpoint is a scheduled synchronization point requiring publisher
// acknowledgment before the worker continues past its progress threshold.
type Checkpoint struct {
	Number            int                    `json:"number"` // 1..N
	TargetPercent     int                    `json:"target_percent"`
	Status            CheckpointStatus       `json:"status"`
	WorkerSummary     string                 `json:"worker_summary,omitempty"`
	PublisherResponse string                 `json:"publisher_response,omitempty"`
	RequiresChanges   bool                   `json:"requires_changes"`
	ReachedAt         *time.Time             `json:"reached_at,omitempty"`
	AcknowledgedAt    *time.Time             `json:"acknowledged_at,omitempty"`
	ResultSnapshot    map[string]interface{} `json:"result_snapshot,omitempty"`
}

// UnderstandingState is the explicit sub-state of the alignment protocol.
// Modeling it as a tag (rather than sniffing optional fields) makes illegal
// states like "checkpoint reached before confirmation" unrepresentable.
type UnderstandingState string

const (
	UnderstandingNone      UnderstandingState = "none"
	UnderstandingSubmitted UnderstandingState = "submitted"
	UnderstandingConfirmed UnderstandingState = "confirmed"
)

// UnderstandingTest is the one-shot pre-work alignment exchange.
type UnderstandingTest struct {
	Understanding    string     `json:"understanding"`
	ProposedCriteria []string   `json:"proposed_criteria,omitempty"`
	Confirmation     string     `json:"confirmation,omitempty"`
	Confirmed        bool       `json:"confirmed"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
}

// Alignment groups the checkpoint sub-state-machine embedded in a task.
type Alignment struct {
	State             UnderstandingState `json:"state"`
	Test              *UnderstandingTest `json:"test,omitempty"`
	Checkpoints       []Checkpoint       `json:"checkpoints,omitempty"`
	CurrentCheckpoint int                `json:"current_checkpoint"`
	ComplexityScore   int                `json:"complexity_score"` // 1..10
	DialogueMessages  int                `json:"dialogue_message_count"`

	// Cumulative rejections across all checkpoints. A re-reached checkpoint
	// loses its rejected status, so risk scoring needs the running count.
	RejectedCheckpoints int `json:"rejected_checkpoint_count"`
}

// Task is a published unit of work. Invariant: while the task is open or in
// progress, Reward equals the amount locked in the publisher's wallet for
// this task id.
type Task struct {
	ID          string  `json:"id"`
	PublisherID string  `json:"publisher_id"`
	AssigneeID  *string `json:"assignee_id"`

	Title       string       `json:"title"`
	Description string       `json:"description"`
	Type        TaskType     `json:"task_type"`
	Priority    TaskPriority `json:"priority"`

	Requirements       map[string]interface{} `json:"requirements,omitempty"`
	AcceptanceCriteria map[string]interface{} `json:"acceptance_criteria,omitempty"`

	Reward int64      `json:"reward"` // credits, always > 0
	Status TaskStatus `json:"status"`

	ProgressUpdates []ProgressUpdate       `json:"progress_updates,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ReviewNotes     string                 `json:"review_notes,omitempty"`

	Alignment Alignment `json:"alignment"`

	// Splitting: set when this task was derived from (or decomposed into)
	// other tasks.
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	SubtaskIDs   []string `json:"subtask_ids,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ClaimTimeoutMinutes  int `json:"claim_timeout_minutes"`
	ReviewTimeoutMinutes int `json:"review_timeout_minutes"`
}
