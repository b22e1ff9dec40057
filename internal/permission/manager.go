package permission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

var (
	// ErrPermissionDenied is returned for forbidden operations and refused requests.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAuthorizationTimeout is returned when no decision arrives in time.
	// It always wraps ErrPermissionDenied.
	ErrAuthorizationTimeout = errors.New("authorization timed out")
	// ErrUnknownRequest is returned when deciding a request that is not pending.
	ErrUnknownRequest = errors.New("no pending authorization request")
)

// Config configures a Manager.
type Config struct {
	// ConfirmTimeout is how long a USER_CONFIRM request waits before it is auto-denied.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" validate:"gte=0"`
	// ExternalAPIWhitelist lists hosts ACCESS_EXTERNAL_API may reach.
	ExternalAPIWhitelist []string `mapstructure:"external_api_whitelist"`
	// InboxDir is where pending requests and decision files are exchanged.
	InboxDir string `mapstructure:"inbox_dir"`
}

// DefaultConfig returns the default permission settings.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 5 * time.Minute,
	}
}

// AuditStore persists audit entries. Satisfied by state.Store.
type AuditStore interface {
	AppendAudit(entry models.AuditEntry) error
}

// Listener observes the lifecycle of USER_CONFIRM requests.
type Listener interface {
	Requested(req models.AuthorizationRequest)
	Resolved(req models.AuthorizationRequest, d models.Decision)
}

// pendingRequest is a request waiting for Decide, Cancel or its timeout.
// Whoever removes it from the pending map owns the decision.
type pendingRequest struct {
	req      models.AuthorizationRequest
	decision chan models.Decision
}

type cacheKey struct {
	op       models.OperationType
	resource string
	payload  string
}

// Manager applies the policy table and tracks pending authorization requests.
type Manager struct {
	cfg   Config
	store AuditStore
	sink  telemetry.Sink
	now   func() time.Time

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	approved  map[cacheKey]bool
	listeners []Listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditStore persists audit entries to s.
func WithAuditStore(s AuditStore) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(m *Manager) {
		m.sink = telemetry.OrNop(s)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	m := &Manager{
		cfg:      cfg,
		sink:     telemetry.Nop{},
		now:      time.Now,
		pending:  make(map[string]*pendingRequest),
		approved: make(map[cacheKey]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers l for request lifecycle notifications.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Check authorizes op. FORBIDDEN operations fail with ErrPermissionDenied,
// AUTOMATIC ones succeed, and USER_CONFIRM ones block until a decision, the
// confirm timeout, or ctx is done. Every call writes exactly one audit entry.
func (m *Manager) Check(ctx context.Context, op models.OperationType, opCtx models.OperationContext) error {
	level := LevelFor(op, opCtx.Resource, m.cfg.ExternalAPIWhitelist)
	switch level {
	case models.PermissionAutomatic:
		m.audit(op, level, "", opCtx, models.AuthApproved, "policy", "")
		return nil
	case models.PermissionUserConfirm:
		return m.confirm(ctx, op, opCtx)
	default:
		m.audit(op, level, "", opCtx, models.AuthDenied, "policy", "forbidden by policy")
		return fmt.Errorf("%w: %s is forbidden", ErrPermissionDenied, op)
	}
}

func (m *Manager) confirm(ctx context.Context, op models.OperationType, opCtx models.OperationContext) error {
	key := cacheKey{op: op, resource: opCtx.Resource, payload: payloadHash(opCtx.Payload)}

	m.mu.Lock()
	if m.approved[key] {
		m.mu.Unlock()
		m.audit(op, models.PermissionUserConfirm, "", opCtx, models.AuthApproved, "cache", "identical effect already approved")
		return nil
	}
	created := m.now()
	p := &pendingRequest{
		req: models.AuthorizationRequest{
			ID:        uuid.New().String(),
			Operation: op,
			Context:   opCtx,
			Status:    models.AuthPending,
			CreatedAt: created,
			ExpiresAt: created.Add(m.cfg.ConfirmTimeout),
		},
		decision: make(chan models.Decision, 1),
	}
	m.pending[p.req.ID] = p
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	log.Printf("[permission] awaiting decision on %s for %s (request %s)", op, opCtx.Resource, p.req.ID)
	for _, l := range listeners {
		l.Requested(p.req)
	}

	timer := time.NewTimer(m.cfg.ConfirmTimeout)
	defer timer.Stop()

	var d models.Decision
	select {
	case d = <-p.decision:
	case <-timer.C:
		d = m.expire(p, models.AuthExpired, "no decision before timeout")
	case <-ctx.Done():
		d = m.expire(p, models.AuthCancelled, ctx.Err().Error())
	}

	req := p.req
	req.Status = d.Status
	for _, l := range listeners {
		l.Resolved(req, d)
	}
	m.audit(op, models.PermissionUserConfirm, req.ID, opCtx, d.Status, d.DecidedBy, d.Reason)

	switch d.Status {
	case models.AuthApproved:
		m.mu.Lock()
		m.approved[key] = true
		m.mu.Unlock()
		return nil
	case models.AuthExpired:
		return fmt.Errorf("%w: %w: request %s", ErrAuthorizationTimeout, ErrPermissionDenied, req.ID)
	default:
		if d.Reason != "" {
			return fmt.Errorf("%w: request %s %s: %s", ErrPermissionDenied, req.ID, d.Status, d.Reason)
		}
		return fmt.Errorf("%w: request %s %s", ErrPermissionDenied, req.ID, d.Status)
	}
}

// expire resolves p with status unless a concurrent Decide or Cancel already
// claimed it, in which case that decision wins.
func (m *Manager) expire(p *pendingRequest, status models.AuthorizationStatus, reason string) models.Decision {
	m.mu.Lock()
	_, still := m.pending[p.req.ID]
	if still {
		delete(m.pending, p.req.ID)
	}
	m.mu.Unlock()
	if !still {
		return <-p.decision
	}
	return models.Decision{
		RequestID: p.req.ID,
		Status:    status,
		DecidedBy: "system",
		Reason:    reason,
		DecidedAt: m.now(),
	}
}

// Decide resolves a pending request.
func (m *Manager) Decide(requestID string, approved bool, decidedBy, reason string) error {
	status := models.AuthDenied
	if approved {
		status = models.AuthApproved
	}
	return m.resolve(requestID, status, decidedBy, reason)
}

// Cancel withdraws a pending request; the waiting Check fails.
func (m *Manager) Cancel(requestID string) error {
	return m.resolve(requestID, models.AuthCancelled, "system", "cancelled")
}

func (m *Manager) resolve(requestID string, status models.AuthorizationStatus, decidedBy, reason string) error {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if decidedBy == "" {
		decidedBy = "user"
	}
	p.decision <- models.Decision{
		RequestID: requestID,
		Status:    status,
		DecidedBy: decidedBy,
		Reason:    reason,
		DecidedAt: m.now(),
	}
	return nil
}

// Pending returns the requests awaiting a decision, oldest first.
func (m *Manager) Pending() []models.AuthorizationRequest {
	m.mu.Lock()
	out := make([]models.AuthorizationRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) audit(op models.OperationType, level models.PermissionLevel, requestID string, opCtx models.OperationContext, outcome models.AuthorizationStatus, decidedBy, reason string) {
	entry := models.AuditEntry{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Operation: op,
		Level:     level,
		Outcome:   outcome,
		ReviewID:  opCtx.ReviewID,
		Resource:  opCtx.Resource,
		DecidedBy: decidedBy,
		Reason:    reason,
		Timestamp: m.now(),
	}
	if m.store != nil {
		if err := m.store.AppendAudit(entry); err != nil {
			log.Printf("[permission] failed to persist audit entry %s: %v", entry.ID, err)
		}
	}
	m.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindAuthorization,
		Component: "permission",
		ReviewID:  opCtx.ReviewID,
		SessionID: opCtx.SessionID,
		Label:     string(outcome),
		At:        entry.Timestamp,
	})
}

// payloadHash fingerprints an effect body so an approval only covers the
// exact content that was shown to the approver.
func payloadHash(payload string) string {
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}
