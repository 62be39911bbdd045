package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&WorldState{},
	&Profile{},
	&Thought{},
	&Comment{},
	&Like{},
	&ChatMessage{},
	&PrivateChat{},
	&PrivateMessage{},
	&SpamReport{},
	&AdminAction{},
}

// UserContentModels are wiped on every world reset, children first.
var UserContentModels = []interface{}{
	&Like{},
	&SpamReport{},
	&Comment{},
	&Thought{},
	&PrivateMessage{},
	&PrivateChat{},
	&ChatMessage{},
	&Profile{},
}

// Table names, also used as change feed topics.
const (
	TableWorldState     = "world_state"
	TableProfiles       = "profiles"
	TableThoughts       = "thoughts"
	TableComments       = "comments"
	TableLikes          = "likes"
	TableChatMessages   = "chat_messages"
	TablePrivateChats   = "private_chats"
	TablePrivateMessage = "private_messages"
	TableSpamReports    = "spam_reports"
	TableAdminActions   = "admin_actions"
)

////////////////////////
// WORLD
////////////////////////

// WorldStateID is the primary key of the single world row.
const WorldStateID = 1

// WorldState is the single global epoch row.
type WorldState struct {
	ID          uint       `json:"id" gorm:"primaryKey;autoIncrement:false"`
	EpochID     int64      `json:"epochId" gorm:"not null;default:1"`
	NextResetAt time.Time  `json:"nextResetAt" gorm:"not null"`
	LastResetAt *time.Time `json:"lastResetAt"`
	ResetCount  int64      `json:"resetCount" gorm:"not null;default:0"`
}

func (*WorldState) TableName() string {
	return TableWorldState
}

////////////////////////
// USERS
////////////////////////

// Profile is a user's avatar. Its position is the authoritative entity
// position row.
type Profile struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	Nickname     string    `json:"nickname" gorm:"size:50;not null"`
	PositionX    float64   `json:"position_x" gorm:"not null;default:0"`
	PositionY    float64   `json:"position_y" gorm:"not null;default:0"`
	IsAdmin      bool      `json:"is_admin" gorm:"not null;default:false"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (*Profile) TableName() string {
	return TableProfiles
}

////////////////////////
// CONTENT
////////////////////////

// Thought is an ephemeral post pinned at the author's position.
type Thought struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:64;index;not null"`
	Content   string    `json:"content" gorm:"size:1800;not null"`
	PositionX float64   `json:"position_x"`
	PositionY float64   `json:"position_y"`
	IsHidden  bool      `json:"is_hidden" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (*Thought) TableName() string {
	return TableThoughts
}

// Comment is a reply to a thought or, one level down, to another comment.
type Comment struct {
	ID              string    `json:"id" gorm:"primaryKey;size:36"`
	UserID          string    `json:"user_id" gorm:"size:64;index;not null"`
	ThoughtID       string    `json:"thought_id" gorm:"size:36;index;not null"`
	ParentCommentID *string   `json:"parent_comment_id" gorm:"size:36;index"`
	Content         string    `json:"content" gorm:"size:500;not null"`
	CreatedAt       time.Time `json:"created_at"`
}

func (*Comment) TableName() string {
	return TableComments
}

// Like on a comment.
type Like struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CommentID string    `json:"comment_id" gorm:"size:36;uniqueIndex:idx_like_comment_user;not null"`
	UserID    string    `json:"user_id" gorm:"size:64;uniqueIndex:idx_like_comment_user;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (*Like) TableName() string {
	return TableLikes
}

// ChatMessage is a message in the open chat.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:64;index;not null"`
	Nickname  string    `json:"nickname" gorm:"size:50"`
	Message   string    `json:"message" gorm:"size:500;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (*ChatMessage) TableName() string {
	return TableChatMessages
}

// Private chat request states.
const (
	ChatPending  = "pending"
	ChatAccepted = "accepted"
	ChatDeclined = "declined"
)

// PrivateChat links two users. Accepted chats are rendered as proximity
// links.
type PrivateChat struct {
	ID      string `json:"id" gorm:"primaryKey;size:36"`
	User1ID string `json:"user_1_id" gorm:"column:user_1_id;size:64;index;not null"`
	User2ID string `json:"user_2_id" gorm:"column:user_2_id;size:64;index;not null"`
	// InitiatedBy is the requester; only the other member may answer.
	InitiatedBy string    `json:"initiated_by" gorm:"size:64"`
	Status      string    `json:"status" gorm:"size:16;index;not null;default:'pending'"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (*PrivateChat) TableName() string {
	return TablePrivateChats
}

// PrivateMessage belongs to a PrivateChat.
type PrivateMessage struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	ChatID    string    `json:"chat_id" gorm:"size:36;index;not null"`
	SenderID  string    `json:"sender_id" gorm:"size:64;not null"`
	Message   string    `json:"message" gorm:"size:500;not null"`
	IsRead    bool      `json:"is_read" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

func (*PrivateMessage) TableName() string {
	return TablePrivateMessage
}

////////////////////////
// MODERATION
////////////////////////

// SpamReport flags a thought or a comment.
type SpamReport struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	ReporterID string    `json:"reporter_id" gorm:"size:64;not null"`
	ThoughtID  *string   `json:"thought_id" gorm:"size:36;index"`
	CommentID  *string   `json:"comment_id" gorm:"size:36;index"`
	Reason     *string   `json:"reason" gorm:"size:255"`
	CreatedAt  time.Time `json:"created_at"`
}

func (*SpamReport) TableName() string {
	return TableSpamReports
}

// Admin action types.
const (
	ActionManualReset    = "manual_reset"
	ActionScheduledReset = "scheduled_reset"
)

// AdminAction is the audit log. It survives world resets.
type AdminAction struct {
	ID         string         `json:"id" gorm:"primaryKey;size:36"`
	AdminID    string         `json:"admin_id" gorm:"size:64;not null"`
	ActionType string         `json:"action_type" gorm:"size:32;index;not null"`
	TargetID   *string        `json:"target_id" gorm:"size:64"`
	Reason     *string        `json:"reason" gorm:"size:255"`
	Details    datatypes.JSON `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (*AdminAction) TableName() string {
	return TableAdminActions
}
