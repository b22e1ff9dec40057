//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/internal/decompose"
	"github.com/ShayCichocki/critic/internal/diff"
	"github.com/ShayCichocki/critic/internal/orchestrator"
	"github.com/ShayCichocki/critic/internal/permission"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/publish"
	"github.com/ShayCichocki/critic/internal/recovery"
	"github.com/ShayCichocki/critic/internal/state"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

const reviewDiff = `diff --git a/auth/login.go b/auth/login.go
new file mode 100644
index 0000000..1111111
--- /dev/null
+++ b/auth/login.go
@@ -0,0 +1,7 @@
+package auth
+
+func Login(user, password, stored string) bool {
+	if password == stored {
+		return true
+	}
+	return false
+}
diff --git a/calc/div.go b/calc/div.go
new file mode 100644
index 0000000..2222222
--- /dev/null
+++ b/calc/div.go
@@ -0,0 +1,5 @@
+package calc
+
+func Div(a, b int) int {
+	return a / b
+}
`

// stubBackend answers every turn with the same issue for the file named in
// the prompt, so repeated turns must be deduplicated by aggregation.
type stubBackend struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Converse(ctx context.Context, history []backend.Message, prompt string, opts backend.Options) (backend.Reply, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if n <= b.fail {
		return backend.Reply{}, backend.FromStatus(503, fmt.Errorf("overloaded"))
	}

	full := prompt
	for _, m := range history {
		full += m.Content
	}
	issue := `{"line_number": 4, "severity": "warning", "category": "logic", "message": "b may be zero", "suggestion": "check b", "confidence": 0.9}`
	if strings.Contains(full, "auth/login.go") {
		issue = `{"line_number": 4, "severity": "error", "category": "security", "message": "password compared in non-constant time", "suggestion": "use subtle.ConstantTimeCompare", "confidence": 0.95}`
	}
	return backend.Reply{Text: fmt.Sprintf(`{"issues": [%s], "questions": [], "recommendations": [], "confidence": 0.9} NO FURTHER QUESTIONS`, issue)}, nil
}

type harness struct {
	db        *state.DB
	perms     *permission.Manager
	inbox     *permission.Inbox
	collector *telemetry.Collector
	orch      *orchestrator.Orchestrator
	outbox    string
	inboxDir  string
}

func newHarness(t *testing.T, b backend.ReasoningBackend, confirm time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := state.OpenMigrated(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("OpenMigrated() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	collector := telemetry.NewCollector(telemetry.CollectorConfig{
		Registerer: prometheus.NewRegistry(),
		Store:      db,
	})
	t.Cleanup(collector.Close)

	permCfg := permission.DefaultConfig()
	permCfg.ConfirmTimeout = confirm
	perms := permission.NewManager(permCfg, permission.WithAuditStore(db), permission.WithSink(collector))
	inboxDir := filepath.Join(dir, "inbox")
	inbox, err := permission.OpenInbox(inboxDir, perms)
	if err != nil {
		t.Fatalf("OpenInbox() error = %v", err)
	}
	t.Cleanup(func() { inbox.Close() })

	outboxPath := filepath.Join(dir, "outbox.jsonl")
	outbox, err := publish.NewOutbox(outboxPath)
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}

	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	engine := conversation.NewEngine(b, conversation.DefaultConfig(),
		conversation.WithSleep(noSleep),
		conversation.WithSink(collector),
	)
	runner := agent.New(engine, agent.DefaultConfig(),
		agent.WithPermissions(perms),
		agent.WithSink(collector),
	)

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxAgents = 2
	poolCfg.AcquireTimeout = 5 * time.Second

	orch := orchestrator.New(orchestrator.RequiredConfig{
		Decomposer: decompose.New(decompose.DefaultConfig()),
		Runner:     runner,
		Pool:       pool.New(poolCfg, pool.WithSink(collector)),
	},
		orchestrator.WithRecovery(recovery.New(recovery.DefaultConfig(), recovery.WithSleep(noSleep), recovery.WithSink(collector))),
		orchestrator.WithPublisher(permission.NewGate(perms, outbox)),
		orchestrator.WithStore(db),
		orchestrator.WithSink(collector),
	)
	t.Cleanup(orch.Stop)

	return &harness{
		db:        db,
		perms:     perms,
		inbox:     inbox,
		collector: collector,
		orch:      orch,
		outbox:    outboxPath,
		inboxDir:  inboxDir,
	}
}

func parseChangeSet(t *testing.T) *models.ChangeSet {
	t.Helper()
	cs, err := diff.Parse(reviewDiff, diff.Options{ChangeSetID: "cs-it", Title: "Add login and division"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cs
}

func waitDone(t *testing.T, events <-chan orchestrator.ProgressEvent) orchestrator.ProgressEvent {
	t.Helper()
	timeout := time.After(30 * time.Second)
	var done orchestrator.ProgressEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if done.Type != orchestrator.EventReviewDone {
					t.Fatal("event stream closed without a final event")
				}
				return done
			}
			if ev.Type == orchestrator.EventReviewDone {
				done = ev
			}
		case <-timeout:
			t.Fatal("review did not finish in time")
		}
	}
}

// approveAll approves every mirrored request through decision files until stop closes.
func approveAll(t *testing.T, dir string, stop <-chan struct{}) {
	t.Helper()
	go func() {
		seen := make(map[string]bool)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			reqs, _ := permission.ListRequests(dir)
			for _, r := range reqs {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				permission.WriteDecision(dir, permission.FileDecision{RequestID: r.ID, Approved: true, DecidedBy: "tester"})
			}
		}
	}()
}

func TestReviewEndToEnd(t *testing.T) {
	b := &stubBackend{}
	h := newHarness(t, b, 5*time.Second)

	stop := make(chan struct{})
	defer close(stop)
	approveAll(t, h.inboxDir, stop)

	id, events, err := h.orch.Review(context.Background(), parseChangeSet(t), orchestrator.ReviewOptions{Publish: true})
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	done := waitDone(t, events)

	if done.State != orchestrator.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", done.State, done.Err)
	}
	r := done.Report
	if r == nil || r.Incomplete {
		t.Fatalf("expected a complete report, got %+v", r)
	}
	if len(r.Units) != 2 {
		t.Fatalf("expected 2 unit reports, got %d", len(r.Units))
	}
	if r.Stats.Total != 2 {
		t.Errorf("expected one deduplicated finding per file, got %d", r.Stats.Total)
	}
	if r.Stats.BySeverity[models.SeverityError] != 1 {
		t.Errorf("expected 1 error finding, got %v", r.Stats.BySeverity)
	}
	if done.Published != 2 || done.Withheld != 0 {
		t.Errorf("expected 2 published and 0 withheld, got %d/%d", done.Published, done.Withheld)
	}

	effects, err := publish.ReadOutbox(h.outbox)
	if err != nil {
		t.Fatalf("ReadOutbox() error = %v", err)
	}
	if len(effects) != 2 {
		t.Errorf("expected 2 effects in outbox, got %d", len(effects))
	}

	stored, err := h.db.GetReview(id)
	if err != nil {
		t.Fatalf("GetReview() error = %v", err)
	}
	if stored.State != state.ReviewCompleted || stored.Report == nil {
		t.Errorf("expected stored COMPLETED review with report, got %s", stored.State)
	}
	sessions, err := h.db.ListSessions(id)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 stored sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if !models.ValidPath(s.Visited) {
			t.Errorf("session %s has invalid state path %v", s.ID, s.Visited)
		}
	}

	audit, err := h.db.ListAudit(id)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	approved := 0
	for _, e := range audit {
		if e.Operation == models.OpPostComment && e.Outcome == models.AuthApproved {
			approved++
		}
	}
	if approved != 2 {
		t.Errorf("expected 2 approved POST_COMMENT audit entries, got %d", approved)
	}
}

func TestReviewWithheldWithoutApproval(t *testing.T) {
	h := newHarness(t, &stubBackend{}, 100*time.Millisecond)

	_, events, err := h.orch.Review(context.Background(), parseChangeSet(t), orchestrator.ReviewOptions{Publish: true})
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	done := waitDone(t, events)

	if done.State != orchestrator.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", done.State, done.Err)
	}
	if done.Published != 0 || done.Withheld != 2 {
		t.Errorf("expected 0 published and 2 withheld, got %d/%d", done.Published, done.Withheld)
	}
	effects, _ := publish.ReadOutbox(h.outbox)
	if len(effects) != 0 {
		t.Errorf("expected empty outbox, got %d effects", len(effects))
	}
}

func TestReviewRecoversFromTransientBackendErrors(t *testing.T) {
	// The first calls fail with 503 and are retried inside the conversation
	// engine before any task gives up.
	h := newHarness(t, &stubBackend{fail: 2}, time.Second)

	_, events, err := h.orch.Review(context.Background(), parseChangeSet(t), orchestrator.ReviewOptions{})
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	done := waitDone(t, events)

	if done.State != orchestrator.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", done.State, done.Err)
	}
	if done.Report == nil || len(done.Report.Failures) != 0 {
		t.Errorf("expected no failed tasks, got %+v", done.Report)
	}
}
