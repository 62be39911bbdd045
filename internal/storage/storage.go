// Package storage defines the authoritative store the world syncs against
// and the change feed that pushes its row changes to subscribers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("conflict")
)

// Store is implemented by every storage backend.
type Store interface {
	// Lifecycle
	Init() error
	Close() error

	// Profiles and positions
	EnsureProfile(ctx context.Context, p model.Profile) (model.Profile, bool, error)
	GetProfile(ctx context.Context, id string) (model.Profile, error)
	TouchProfile(ctx context.Context, id string, at time.Time) error
	ListPositions(ctx context.Context) ([]model.Profile, error)
	// SavePosition is write-behind: the row is written on the next flush,
	// and repeated saves for one entity before that collapse into one.
	SavePosition(ctx context.Context, id string, x, y float64, at time.Time) error
	Flush(ctx context.Context) error

	// World
	GetWorldState(ctx context.Context) (model.WorldState, error)
	epoch.Store

	// Content
	CreateThought(ctx context.Context, t *model.Thought) error
	GetThought(ctx context.Context, id string) (model.Thought, error)
	ListThoughtsByOwner(ctx context.Context, ownerID string) ([]model.Thought, error)
	DeleteThought(ctx context.Context, id string) error
	GetComment(ctx context.Context, id string) (model.Comment, error)
	CreateComment(ctx context.Context, c *model.Comment) error
	ListCommentsByOwner(ctx context.Context, ownerID string) ([]model.Comment, error)
	DeleteComment(ctx context.Context, id string) error
	// ReportSpam fails with ErrConflict when the reporter already reported
	// the same thought or comment.
	ReportSpam(ctx context.Context, r *model.SpamReport) (hidden bool, err error)

	// Private chats
	ListAcceptedChats(ctx context.Context, userID string) ([]model.PrivateChat, error)
	GetChat(ctx context.Context, id string) (model.PrivateChat, error)
	// CreateChat fails with ErrConflict while the pair has a pending or
	// accepted chat.
	CreateChat(ctx context.Context, c *model.PrivateChat) error
	UpdateChatStatus(ctx context.Context, id, status string) error
	CreatePrivateMessage(ctx context.Context, m *model.PrivateMessage) error

	// Transactions
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error

	// Change feed
	Subscribe(filter Filter, handler Handler) (cancel func())
}

// SpamHideThreshold is the number of reports that hides a thought.
const SpamHideThreshold = 3
