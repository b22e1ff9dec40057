package permission

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/critic/internal/publish"
	"github.com/ShayCichocki/critic/pkg/models"
)

// Gate puts a publish target behind POST_COMMENT authorization.
type Gate struct {
	m      *Manager
	target publish.Target
}

// NewGate creates a Gate.
func NewGate(m *Manager, target publish.Target) *Gate {
	return &Gate{m: m, target: target}
}

// Publish applies e only after POST_COMMENT is approved for it.
func (g *Gate) Publish(ctx context.Context, e publish.Effect) (publish.Ack, error) {
	opCtx := models.OperationContext{
		ReviewID:  e.ReviewID,
		Resource:  e.Location(),
		Summary:   fmt.Sprintf("post %s comment on %s", e.Severity, e.Location()),
		Payload:   e.Body,
		Requester: "publish",
	}
	if err := g.m.Check(ctx, models.OpPostComment, opCtx); err != nil {
		return publish.Ack{}, err
	}
	return g.target.Apply(ctx, e)
}
