package registry

import (
	"encoding/json"
	"time"
)

// RunStatus is a pipeline run's lifecycle state (spec.md §3.2).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunEscalated RunStatus = "escalated"
)

// IsTerminal reports whether status is irreversible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunEscalated:
		return true
	default:
		return false
	}
}

// StageRunStatus is a stage-run attempt's lifecycle state (spec.md §3.3).
type StageRunStatus string

const (
	StageRunPending   StageRunStatus = "pending"
	StageRunRunning   StageRunStatus = "running"
	StageRunWaiting   StageRunStatus = "waiting"
	StageRunCompleted StageRunStatus = "completed"
	StageRunFailed    StageRunStatus = "failed"
	StageRunSkipped   StageRunStatus = "skipped"
	StageRunCancelled StageRunStatus = "cancelled"
)

// AgentStatus is an agent record's lifecycle state (spec.md §3.5, §4.3.1).
type AgentStatus string

const (
	AgentCreated   AgentStatus = "created"
	AgentActive    AgentStatus = "active"
	AgentSleeping  AgentStatus = "sleeping"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentEscalated AgentStatus = "escalated"
)

// IsTerminal reports whether status is irreversible.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentEscalated:
		return true
	default:
		return false
	}
}

// LifecycleTag distinguishes worktree-backed persistent agents from
// shared-root ephemeral ones.
type LifecycleTag string

const (
	LifecycleEphemeral  LifecycleTag = "ephemeral"
	LifecyclePersistent LifecycleTag = "persistent"
)

// JSONMap is a convenience alias for JSONB-backed dictionary columns.
type JSONMap map[string]any

// PipelineRun is an executing instance of a PipelineDefinition (spec.md §3.2).
type PipelineRun struct {
	RunID                  string
	PipelineName           string
	DefinitionSnapshot     json.RawMessage
	TriggerEventDeliveryID string
	IssueNumber            *int64
	PrimaryPRNumber        *int64
	Scope                  string
	Status                 RunStatus
	CurrentStageID         string
	Context                JSONMap
	ParentRunID            *string
	ParentStageID          *string
	NestingDepth           int
	ErrorMessage           string
	ErrorStageID           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	CompletedAt            *time.Time
}

// PipelinePRAssociation ties a run to a PR it touches (spec.md §3.2).
type PipelinePRAssociation struct {
	ID            int64
	PipelineRunID string
	PRNumber      int64
	Repo          string
	StageID       string
	Role          string
	CreatedAt     time.Time
}

// StageRun is a per-attempt execution record of a stage (spec.md §3.3).
type StageRun struct {
	ID                 int64
	RunID              string
	StageID            string
	AttemptNumber      int
	Status             StageRunStatus
	AgentID            *string
	BranchID           *string
	ParentStageID      *string
	ChildPipelineRunID *string
	Outputs            JSONMap
	ErrorMessage       string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
}

// GateCheck is an append-only evaluation history row (spec.md §3.4).
type GateCheck struct {
	ID                  int64
	StageRunID          int64
	CheckType           string
	CheckConfigSnapshot JSONMap
	Passed              bool
	Message             string
	ResultData          JSONMap
	CheckedAt           time.Time
}

// Agent is an LLM worker instance record (spec.md §3.5).
type Agent struct {
	AgentID         string
	Role            string
	IssueNumber     int64
	SessionID       string
	Status          AgentStatus
	Branch          *string
	WorktreePath    *string
	PRNumber        *int64
	PipelineRunID   *string
	PipelineStageID *string
	ActiveSince     *time.Time
	SleepingSince   *time.Time
	LastHeartbeatAt *time.Time
	WatchdogEscaped bool
	IterationCount  int
	ToolCallCount   int
	LifecycleTag    LifecycleTag
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PRReviewRequirement declares which roles must approve a PR (spec.md §3.6).
type PRReviewRequirement struct {
	ID            int64
	PRNumber      int64
	Role          string
	RequiredCount int
	OwningRunID   string
	CreatedAt     time.Time
}

// PRApproval is an append-only approval record (spec.md §3.6).
type PRApproval struct {
	ID        int64
	PRNumber  int64
	Role      string
	Approved  bool
	Reviewer  string
	ReviewID  string
	Stale     bool
	CreatedAt time.Time
}

// PRSequenceState is an optional per-PR ordering cursor (spec.md §3.6).
type PRSequenceState struct {
	PRNumber  int64
	Cursor    string
	UpdatedAt time.Time
}

// ActivityEvent is an append-only activity log row (spec.md §3.7).
type ActivityEvent struct {
	ID            int64
	AgentID       *string
	PipelineRunID *string
	EventType     string
	Metadata      JSONMap
	CreatedAt     time.Time
}

// MailMessage is a persisted per-agent inbox item (spec.md §3.8).
type MailMessage struct {
	ID        int64
	AgentID   string
	MessageID string
	Body      JSONMap
	Consumed  bool
	CreatedAt time.Time
}
