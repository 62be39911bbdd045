// Package content admits thoughts and comments: it validates the text,
// applies the per-user quota to thoughts and the two-level cap to replies.
// It also takes spam reports and owner deletes.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
)

// Store is the part of storage.Store the service writes through.
type Store interface {
	CreateThought(ctx context.Context, t *model.Thought) error
	GetThought(ctx context.Context, id string) (model.Thought, error)
	ListThoughtsByOwner(ctx context.Context, ownerID string) ([]model.Thought, error)
	DeleteThought(ctx context.Context, id string) error
	GetComment(ctx context.Context, id string) (model.Comment, error)
	CreateComment(ctx context.Context, c *model.Comment) error
	DeleteComment(ctx context.Context, id string) error
	ReportSpam(ctx context.Context, r *model.SpamReport) (hidden bool, err error)
}

// ErrNotOwner is returned when a user acts on content they did not write.
var ErrNotOwner = errors.New("not the author")

// ThoughtItems exposes a user's thoughts as quota items.
type ThoughtItems struct {
	Store Store
}

func (t ThoughtItems) ListByOwner(ctx context.Context, ownerID string) ([]quota.Item, error) {
	thoughts, err := t.Store.ListThoughtsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	items := make([]quota.Item, len(thoughts))
	for i, th := range thoughts {
		items[i] = quota.Item{ID: th.ID, OwnerID: th.UserID, CreatedAt: th.CreatedAt}
	}
	return items, nil
}

func (t ThoughtItems) DeleteItem(ctx context.Context, id string) error {
	err := t.Store.DeleteThought(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Atomically runs fn in a store transaction when the store has one.
func (t ThoughtItems) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := t.Store.(quota.Transactor); ok {
		return tx.Atomically(ctx, fn)
	}
	return fn(ctx)
}

// Service posts content on behalf of users.
type Service struct {
	store  Store
	quota  *quota.Enforcer
	bounds geo.Bounds
}

// NewService creates a Service. The enforcer must be built over
// ThoughtItems{store}.
func NewService(store Store, q *quota.Enforcer, bounds geo.Bounds) *Service {
	if bounds == (geo.Bounds{}) {
		bounds = geo.DefaultWorldBounds
	}
	return &Service{store: store, quota: q, bounds: bounds}
}

// Quota returns the enforcer, for resets.
func (s *Service) Quota() *quota.Enforcer {
	return s.quota
}

// ThoughtPost is the result of PostThought.
type ThoughtPost struct {
	Thought model.Thought `json:"thought"`
	Evicted []string      `json:"evicted,omitempty"`
	State   quota.State   `json:"state"`
}

// PostThought pins a thought at the author's position. When the author is
// at capacity their oldest thought is removed first.
func (s *Service) PostThought(ctx context.Context, userID, text string, at geo.Point) (ThoughtPost, error) {
	text, err := ValidateThought(text)
	if err != nil {
		return ThoughtPost{}, err
	}
	at = s.bounds.Clamp(at)

	var created model.Thought
	adm, err := s.quota.Admit(ctx, userID, func(ctx context.Context) (quota.Item, error) {
		created = model.Thought{UserID: userID, Content: text, PositionX: at.X, PositionY: at.Y}
		if err := s.store.CreateThought(ctx, &created); err != nil {
			return quota.Item{}, err
		}
		return quota.Item{ID: created.ID, OwnerID: userID, CreatedAt: created.CreatedAt}, nil
	})
	if err != nil {
		return ThoughtPost{}, err
	}

	post := ThoughtPost{Thought: created, State: adm.State}
	for _, ev := range adm.Evicted {
		post.Evicted = append(post.Evicted, ev.ID)
	}
	return post, nil
}

// PostComment replies to a thought, or to a top-level comment on it.
func (s *Service) PostComment(ctx context.Context, userID, thoughtID string, parentID *string, text string) (model.Comment, error) {
	text, err := ValidateComment(text)
	if err != nil {
		return model.Comment{}, err
	}
	if thoughtID == "" {
		return model.Comment{}, fmt.Errorf("%w: comment needs a thought", ErrInvalidContent)
	}
	if _, err := s.store.GetThought(ctx, thoughtID); err != nil {
		return model.Comment{}, err
	}

	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if err != nil {
			return model.Comment{}, err
		}
		if parent.ThoughtID != thoughtID {
			return model.Comment{}, fmt.Errorf("%w: parent comment belongs to another thought", ErrInvalidContent)
		}
		if err := quota.CheckReplyDepth(parent.ParentCommentID != nil); err != nil {
			return model.Comment{}, err
		}
	}

	c := model.Comment{UserID: userID, ThoughtID: thoughtID, ParentCommentID: parentID, Content: text}
	if err := s.store.CreateComment(ctx, &c); err != nil {
		return model.Comment{}, err
	}
	return c, nil
}

// DeleteComment removes a comment written by userID, with its replies.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID string) error {
	c, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return ErrNotOwner
	}
	return s.store.DeleteComment(ctx, commentID)
}

// ReportSpam flags exactly one of a thought or a comment. A user may
// report each target once and never their own content.
func (s *Service) ReportSpam(ctx context.Context, reporterID string, thoughtID, commentID *string, reason string) (bool, error) {
	if (thoughtID == nil) == (commentID == nil) {
		return false, fmt.Errorf("%w: report one thought or one comment", ErrInvalidContent)
	}
	var author string
	if thoughtID != nil {
		th, err := s.store.GetThought(ctx, *thoughtID)
		if err != nil {
			return false, err
		}
		author = th.UserID
	} else {
		c, err := s.store.GetComment(ctx, *commentID)
		if err != nil {
			return false, err
		}
		author = c.UserID
	}
	if author == reporterID {
		return false, fmt.Errorf("%w: cannot report your own post", ErrInvalidContent)
	}

	r := &model.SpamReport{ReporterID: reporterID, ThoughtID: thoughtID, CommentID: commentID}
	if strings.TrimSpace(reason) != "" {
		reason, err := checkLength("reason", reason, MaxReasonChars)
		if err != nil {
			return false, err
		}
		r.Reason = &reason
	}
	return s.store.ReportSpam(ctx, r)
}
