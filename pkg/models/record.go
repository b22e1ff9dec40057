package models

import "time"

// ErrorCategory classifies a failure.
type ErrorCategory string

const (
	// CategoryNetwork covers connectivity failures.
	CategoryNetwork ErrorCategory = "network"
	// CategoryBackend covers reasoning backend failures.
	CategoryBackend ErrorCategory = "backend"
	// CategoryPermission covers policy and user refusals.
	CategoryPermission ErrorCategory = "permission"
	// CategoryResource covers pool and capacity failures.
	CategoryResource ErrorCategory = "resource"
	// CategoryValidation covers bad input.
	CategoryValidation ErrorCategory = "validation"
	// CategoryConfiguration covers bad settings or credentials.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryTimeout covers exceeded waits.
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryUnknown is everything else.
	CategoryUnknown ErrorCategory = "unknown"
	// CategoryCancelled marks tasks cut short by review cancellation.
	// It appears in reports only; the error handler never sees it.
	CategoryCancelled ErrorCategory = "cancelled"
)

// ErrorSeverity grades the impact of a failure.
type ErrorSeverity string

const (
	// ErrorSeverityLow affects a single task.
	ErrorSeverityLow ErrorSeverity = "low"
	// ErrorSeverityMedium may recover with retry.
	ErrorSeverityMedium ErrorSeverity = "medium"
	// ErrorSeverityHigh needs intervention for the task.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityCritical affects the whole review.
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// RecoveryAction is the strategy chosen for a failure.
type RecoveryAction string

const (
	// ActionRetry retries the failed step after backoff.
	ActionRetry RecoveryAction = "retry"
	// ActionFallback retries at a simpler depth.
	ActionFallback RecoveryAction = "fallback"
	// ActionSkip drops the task and marks it failed.
	ActionSkip RecoveryAction = "skip"
	// ActionEscalate marks the task as a terminal failure.
	ActionEscalate RecoveryAction = "escalate"
	// ActionRestart discards the agent and runs the task with a fresh one.
	ActionRestart RecoveryAction = "restart"
	// ActionAbort stops the whole review.
	ActionAbort RecoveryAction = "abort"
)

// ErrorRecord is one recorded recovery decision.
type ErrorRecord struct {
	// ID is the record identifier.
	ID string `json:"id"`
	// Category of the failure.
	Category ErrorCategory `json:"category"`
	// Severity of the failure.
	Severity ErrorSeverity `json:"severity"`
	// Component that raised the failure.
	Component string `json:"component"`
	// Message is the error text.
	Message string `json:"message"`
	// Action taken.
	Action RecoveryAction `json:"action"`
	// Attempt is the recovery attempt number for the task (1-based).
	Attempt int `json:"attempt"`
	// ReviewID of the affected review.
	ReviewID string `json:"review_id,omitempty"`
	// TaskID of the affected task.
	TaskID string `json:"task_id,omitempty"`
	// Timestamp is when the action was chosen.
	Timestamp time.Time `json:"timestamp"`
}
