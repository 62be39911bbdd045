package streaming

import "time"

// RPC methods.
const (
	MethodJoin          = "join"
	MethodPositionsList = "positions.list"
	MethodPositionsSave = "positions.save"
	MethodWorldGet      = "world.get"
	MethodThoughtsPost  = "thoughts.post"
	MethodCommentsPost  = "comments.post"
	MethodChatsAccepted = "chats.accepted"
	MethodWorldReset    = "world.reset"

	MethodCommentsDelete = "comments.delete"
	MethodSpamReport     = "spam.report"
	MethodChatsRequest   = "chats.request"
	MethodChatsRespond   = "chats.respond"
	MethodChatsSend      = "chats.send"
)

// JoinParams identifies the connection. A new user is spawned at a random
// point near the origin.
type JoinParams struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// Profile is a user as seen by clients.
type Profile struct {
	ID        string  `json:"id"`
	Nickname  string  `json:"nickname"`
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	IsAdmin   bool    `json:"is_admin"`
}

// JoinResult is the reply to join.
type JoinResult struct {
	Profile Profile    `json:"profile"`
	Created bool       `json:"created"`
	World   WorldState `json:"world"`
}

// Position is one entity position.
type Position struct {
	EntityID  string    `json:"entityId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SavePositionParams moves the caller.
type SavePositionParams struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PostThoughtParams posts a thought at (X, Y).
type PostThoughtParams struct {
	Content string  `json:"content"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// PostThoughtResult is the reply to thoughts.post.
type PostThoughtResult struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	Evicted         []string  `json:"evicted,omitempty"`
	ActiveItemCount int       `json:"activeItemCount"`
}

// PostCommentParams replies to a thought or a comment.
type PostCommentParams struct {
	ThoughtID       string  `json:"thoughtId"`
	ParentCommentID *string `json:"parentCommentId,omitempty"`
	Content         string  `json:"content"`
}

// PostCommentResult is the reply to comments.post.
type PostCommentResult struct {
	ID string `json:"id"`
}

// DeleteCommentParams removes one of the caller's comments.
type DeleteCommentParams struct {
	ID string `json:"id"`
}

// SpamReportParams flags exactly one of a thought or a comment.
type SpamReportParams struct {
	ThoughtID *string `json:"thoughtId,omitempty"`
	CommentID *string `json:"commentId,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// SpamReportResult is the reply to spam.report. Hidden is set when this
// report hid the thought.
type SpamReportResult struct {
	Hidden bool `json:"hidden"`
}

// Chat is a private chat between two users.
type Chat struct {
	ID          string `json:"id"`
	User1ID     string `json:"user_1_id"`
	User2ID     string `json:"user_2_id"`
	InitiatedBy string `json:"initiated_by,omitempty"`
	Status      string `json:"status"`
}

// ChatRequestParams asks another user for a private chat.
type ChatRequestParams struct {
	UserID string `json:"userId"`
}

// ChatRespondParams answers a pending request addressed to the caller.
type ChatRespondParams struct {
	ChatID string `json:"chatId"`
	Accept bool   `json:"accept"`
}

// SendMessageParams posts into an accepted chat.
type SendMessageParams struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// SendMessageResult is the reply to chats.send.
type SendMessageResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResetResult is the reply to world.reset.
type ResetResult struct {
	Performed bool       `json:"performed"`
	World     WorldState `json:"world"`
	Reason    string     `json:"reason,omitempty"`
}
