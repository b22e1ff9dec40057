package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/critic/pkg/models"
)

// ReviewStore handles review history.
type ReviewStore interface {
	SaveReview(r *Review) error
	GetReview(id string) (*Review, error)
	ListReviews(limit int) ([]Review, error)
	MarkInterrupted() (int64, error)
	PurgeReviews(olderThan time.Duration) (int64, error)
}

// SessionStore handles agent sessions and their turns.
type SessionStore interface {
	SaveSession(s models.AgentSession) error
	GetSession(id string) (*models.AgentSession, error)
	ListSessions(reviewID string) ([]models.AgentSession, error)
}

// AuditStore is the append-only permission audit log.
type AuditStore interface {
	AppendAudit(e models.AuditEntry) error
	ListAudit(reviewID string) ([]models.AuditEntry, error)
}

// ErrorRecordStore holds recovery error records.
type ErrorRecordStore interface {
	AppendErrorRecord(rec models.ErrorRecord) error
	ListErrorRecords(since time.Time) ([]models.ErrorRecord, error)
	PurgeErrorRecords(olderThan time.Duration) (int64, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the narrow persistence contract the orchestrator, permission
// manager and telemetry collector write through.
type Store interface {
	io.Closer
	Migrator
	ReviewStore
	SessionStore
	AuditStore
	ErrorRecordStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store            = (*DB)(nil)
	_ ReviewStore      = (*DB)(nil)
	_ SessionStore     = (*DB)(nil)
	_ AuditStore       = (*DB)(nil)
	_ ErrorRecordStore = (*DB)(nil)
)
