package models

import "time"

// OperationType is a declared kind of operation subject to permission checks.
type OperationType string

const (
	// OpReadFile reads a work unit.
	OpReadFile OperationType = "READ_FILE"
	// OpAnalyzeCode runs analysis against the reasoning backend.
	OpAnalyzeCode OperationType = "ANALYZE_CODE"
	// OpGenerateComment drafts a finding comment.
	OpGenerateComment OperationType = "GENERATE_COMMENT"
	// OpPostComment publishes a comment externally.
	OpPostComment OperationType = "POST_COMMENT"
	// OpAccessExternalAPI calls an external host.
	OpAccessExternalAPI OperationType = "ACCESS_EXTERNAL_API"
	// OpModifyCode changes repository content.
	OpModifyCode OperationType = "MODIFY_CODE"
	// OpExecuteCommand runs a process.
	OpExecuteCommand OperationType = "EXECUTE_COMMAND"
)

// AllOperationTypes lists every declared operation type.
var AllOperationTypes = []OperationType{
	OpReadFile,
	OpAnalyzeCode,
	OpGenerateComment,
	OpPostComment,
	OpAccessExternalAPI,
	OpModifyCode,
	OpExecuteCommand,
}

// PermissionLevel is the policy tier of an operation.
type PermissionLevel string

const (
	// PermissionAutomatic succeeds without human involvement.
	PermissionAutomatic PermissionLevel = "AUTOMATIC"
	// PermissionUserConfirm requires a human decision.
	PermissionUserConfirm PermissionLevel = "USER_CONFIRM"
	// PermissionForbidden always fails.
	PermissionForbidden PermissionLevel = "FORBIDDEN"
)

// AuthorizationStatus is the lifecycle state of an authorization request.
type AuthorizationStatus string

const (
	// AuthPending awaits a decision.
	AuthPending AuthorizationStatus = "pending"
	// AuthApproved was approved by a human.
	AuthApproved AuthorizationStatus = "approved"
	// AuthDenied was denied by a human or by policy.
	AuthDenied AuthorizationStatus = "denied"
	// AuthExpired timed out and was auto-denied.
	AuthExpired AuthorizationStatus = "expired"
	// AuthCancelled was withdrawn by the requester.
	AuthCancelled AuthorizationStatus = "cancelled"
)

// Terminal returns true for every status except pending.
func (s AuthorizationStatus) Terminal() bool {
	return s != AuthPending
}

// OperationContext describes the operation being checked.
type OperationContext struct {
	// ReviewID of the review requesting the operation.
	ReviewID string `json:"review_id,omitempty"`
	// SessionID of the requesting agent session, if any.
	SessionID string `json:"session_id,omitempty"`
	// Resource is the target (path, host, comment location).
	Resource string `json:"resource,omitempty"`
	// Summary is a human-readable description shown to the approver.
	Summary string `json:"summary,omitempty"`
	// Payload is the opaque effect body.
	Payload string `json:"payload,omitempty"`
	// Requester names the component asking.
	Requester string `json:"requester,omitempty"`
}

// AuthorizationRequest is a pending request for a human decision.
type AuthorizationRequest struct {
	// ID is the request identifier.
	ID string `json:"id"`
	// Operation is the operation type.
	Operation OperationType `json:"operation"`
	// Context describes the operation.
	Context OperationContext `json:"context"`
	// Status is the current lifecycle state.
	Status AuthorizationStatus `json:"status"`
	// CreatedAt is when the request was made.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the request auto-denies.
	ExpiresAt time.Time `json:"expires_at"`
}

// Decision is the terminal outcome of an authorization request.
type Decision struct {
	// RequestID is the request being decided.
	RequestID string `json:"request_id"`
	// Status is approved, denied, expired or cancelled.
	Status AuthorizationStatus `json:"status"`
	// DecidedBy names the human or "system".
	DecidedBy string `json:"decided_by"`
	// Reason is optional free text.
	Reason string `json:"reason,omitempty"`
	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}

// Approved reports whether the decision permits the operation.
func (d Decision) Approved() bool {
	return d.Status == AuthApproved
}

// AuditEntry is one append-only record of a permission check.
type AuditEntry struct {
	// ID is the entry identifier.
	ID string `json:"id"`
	// RequestID links USER_CONFIRM entries to their request.
	RequestID string `json:"request_id,omitempty"`
	// Operation is the operation type.
	Operation OperationType `json:"operation"`
	// Level is the policy tier applied.
	Level PermissionLevel `json:"level"`
	// Outcome is the resulting status.
	Outcome AuthorizationStatus `json:"outcome"`
	// ReviewID of the review, if any.
	ReviewID string `json:"review_id,omitempty"`
	// Resource is the target of the operation.
	Resource string `json:"resource,omitempty"`
	// DecidedBy names the decider.
	DecidedBy string `json:"decided_by,omitempty"`
	// Reason is free text.
	Reason string `json:"reason,omitempty"`
	// Timestamp is when the entry was written.
	Timestamp time.Time `json:"timestamp"`
}
