// Package publish delivers approved review comments to an external target.
package publish

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/critic/pkg/models"
)

var (
	// ErrUnreachable is returned when the target cannot be contacted.
	ErrUnreachable = errors.New("publish target unreachable")
	// ErrRejected is returned when the target refuses an effect.
	ErrRejected = errors.New("publish target rejected effect")
)

// Effect is one externally visible action, a review comment on a line.
type Effect struct {
	ID        string          `json:"id"`
	ReviewID  string          `json:"review_id"`
	FindingID string          `json:"finding_id"`
	Path      string          `json:"path"`
	Line      int             `json:"line"`
	Severity  models.Severity `json:"severity"`
	Body      string          `json:"body"`
}

// Location returns "path:line", or the path alone for file-level effects.
func (e Effect) Location() string {
	if e.Line <= 0 {
		return e.Path
	}
	return fmt.Sprintf("%s:%d", e.Path, e.Line)
}

// Ack confirms an applied effect.
type Ack struct {
	EffectID   string    `json:"effect_id"`
	ExternalID string    `json:"external_id"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Target applies effects to the outside world.
type Target interface {
	Apply(ctx context.Context, e Effect) (Ack, error)
}

// EffectsFor turns every finding of report into a comment effect, in
// report order. Findings without a rendered comment fall back to their message.
func EffectsFor(report models.AnalysisReport) []Effect {
	var out []Effect
	for _, f := range report.Findings() {
		body := f.Comment
		if body == "" {
			body = f.Message
		}
		out = append(out, Effect{
			ID:        effectID(report.ReviewID, f.ID),
			ReviewID:  report.ReviewID,
			FindingID: f.ID,
			Path:      f.Path,
			Line:      f.Line,
			Severity:  f.Severity,
			Body:      body,
		})
	}
	return out
}

var effectNamespace = uuid.MustParse("5f1f6c7e-2b7a-4b0e-9d3c-8a1e0c4d9b21")

func effectID(reviewID, findingID string) string {
	return uuid.NewSHA1(effectNamespace, []byte(reviewID+"\x00"+findingID)).String()
}

// Outbox appends each effect as one JSON line to a file. An operator or a
// forwarding job picks the file up; nothing is sent over the network.
type Outbox struct {
	path string
	mu   sync.Mutex
}

// NewOutbox creates the outbox directory if needed.
func NewOutbox(path string) (*Outbox, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty outbox path", ErrUnreachable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &Outbox{path: path}, nil
}

// Apply appends e to the outbox.
func (o *Outbox) Apply(ctx context.Context, e Effect) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	if e.Path == "" || e.Body == "" {
		return Ack{}, fmt.Errorf("%w: effect %s has no path or body", ErrRejected, e.ID)
	}
	ack := Ack{EffectID: e.ID, ExternalID: e.ID, AppliedAt: time.Now()}
	line, err := json.Marshal(struct {
		Effect
		AppliedAt time.Time `json:"applied_at"`
	}{e, ack.AppliedAt})
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return ack, nil
}

// ReadOutbox returns every effect recorded at path, oldest first.
func ReadOutbox(path string) ([]Effect, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Effect
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Effect
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse outbox line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Discard accepts and drops every effect.
type Discard struct{}

// Apply acknowledges e without doing anything.
func (Discard) Apply(ctx context.Context, e Effect) (Ack, error) {
	return Ack{EffectID: e.ID, AppliedAt: time.Now()}, nil
}
