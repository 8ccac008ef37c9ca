package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/readyd/internal/backlog"
	"github.com/fyrsmithlabs/readyd/internal/store"
)

const (
	replayPageSize = 500
	storyLockCount = 64
)

// Projector turns events into read-model rows.
type Projector struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	// storyLocks serialize summary refolds of the same story.
	storyLocks [storyLockCount]sync.Mutex
}

// NewProjector returns a projector writing to s.
func NewProjector(s Store, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{store: s, logger: logger, now: time.Now}
}

// Apply projects one event. Events that feed no read model are ignored.
func (p *Projector) Apply(ctx context.Context, ev store.Event) error {
	switch ev.Type {
	case EventTaskAnalyzed:
		var pl AnalyzedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		a := pl.Analysis
		a.OrgID = ev.OrgID
		if err := p.store.InsertTaskAnalysis(ctx, &a); err != nil {
			return err
		}
		return p.refold(ctx, ev.OrgID, a.StoryID)

	case EventSuggestionsGenerated:
		var pl SuggestionsPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		for i := range pl.Suggestions {
			pl.Suggestions[i].OrgID = ev.OrgID
		}
		return p.store.InsertSuggestions(ctx, pl.Suggestions)

	case EventSuggestionReviewed:
		var pl ReviewedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return p.store.UpdateSuggestionStatus(ctx, ev.OrgID, pl.SuggestionID, pl.Status, ev.CreatedAt)
	}
	return nil
}

// refold recomputes the story summary from every analysis of the story.
// It never patches the previous summary, so completion order is irrelevant.
// The read and the write run under the story lock.
func (p *Projector) refold(ctx context.Context, orgID, storyID string) error {
	mu := p.storyLock(orgID, storyID)
	mu.Lock()
	defer mu.Unlock()

	analyses, err := p.store.ListTaskAnalyses(ctx, orgID, storyID)
	if err != nil {
		return err
	}
	return p.store.PutSummary(ctx, backlog.FoldSummary(orgID, storyID, analyses, p.now()))
}

func (p *Projector) storyLock(orgID, storyID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orgID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(storyID))
	return &p.storyLocks[h.Sum32()%storyLockCount]
}

// Replay drops the read models and rebuilds them from the event log.
func (p *Projector) Replay(ctx context.Context) (int, error) {
	if err := p.store.ResetProjections(ctx); err != nil {
		return 0, err
	}

	applied := 0
	var after int64
	for {
		page, err := p.store.EventsAfter(ctx, after, replayPageSize)
		if err != nil {
			return applied, err
		}
		for _, ev := range page {
			if err := p.Apply(ctx, ev); err != nil {
				if errors.Is(err, backlog.ErrIllegalTransition) || errors.Is(err, store.ErrNotFound) {
					p.logger.Warn("skipping event during replay",
						zap.Int64("seq", ev.Seq),
						zap.String("type", ev.Type),
						zap.Error(err),
					)
					continue
				}
				return applied, fmt.Errorf("replay event %d: %w", ev.Seq, err)
			}
			applied++
		}
		if len(page) < replayPageSize {
			return applied, nil
		}
		after = page[len(page)-1].Seq
	}
}
