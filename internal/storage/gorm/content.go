package gormstorage

import (
	"context"
	"fmt"

	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

////////////////////////
// THOUGHTS
////////////////////////

func (s *Store) CreateThought(ctx context.Context, t *model.Thought) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.conn(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create thought: %w", err)
	}
	s.publish(ctx, model.TableThoughts, storage.OpInsert, *t, nil)
	return nil
}

func (s *Store) GetThought(ctx context.Context, id string) (model.Thought, error) {
	var t model.Thought
	if err := s.conn(ctx).First(&t, "id = ?", id).Error; err != nil {
		return model.Thought{}, notFound(err, "thought "+id)
	}
	return t, nil
}

// ListThoughtsByOwner returns the owner's thoughts, oldest first.
func (s *Store) ListThoughtsByOwner(ctx context.Context, ownerID string) ([]model.Thought, error) {
	var out []model.Thought
	err := s.conn(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list thoughts: %w", err)
	}
	return out, nil
}

// DeleteThought removes a thought with its comments, their likes and the
// spam reports against any of them.
func (s *Store) DeleteThought(ctx context.Context, id string) error {
	var old model.Thought
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&old, "id = ?", id).Error; err != nil {
			return notFound(err, "thought "+id)
		}
		comments := tx.Model(&model.Comment{}).Select("id").Where("thought_id = ?", id)
		if err := tx.Where("comment_id IN (?)", comments).Delete(&model.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thought_id = ? OR comment_id IN (?)", id, comments).Delete(&model.SpamReport{}).Error; err != nil {
			return err
		}
		if err := tx.Where("thought_id = ?", id).Delete(&model.Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Thought{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete thought: %w", err)
	}
	s.publish(ctx, model.TableThoughts, storage.OpDelete, nil, old)
	return nil
}

////////////////////////
// COMMENTS
////////////////////////

func (s *Store) GetComment(ctx context.Context, id string) (model.Comment, error) {
	var c model.Comment
	if err := s.conn(ctx).First(&c, "id = ?", id).Error; err != nil {
		return model.Comment{}, notFound(err, "comment "+id)
	}
	return c, nil
}

func (s *Store) CreateComment(ctx context.Context, c *model.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.conn(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	s.publish(ctx, model.TableComments, storage.OpInsert, *c, nil)
	return nil
}

func (s *Store) ListCommentsByOwner(ctx context.Context, ownerID string) ([]model.Comment, error) {
	var out []model.Comment
	err := s.conn(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return out, nil
}

// DeleteComment removes a comment, its direct replies and their likes.
func (s *Store) DeleteComment(ctx context.Context, id string) error {
	var old model.Comment
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&old, "id = ?", id).Error; err != nil {
			return notFound(err, "comment "+id)
		}
		replies := tx.Model(&model.Comment{}).Select("id").Where("parent_comment_id = ?", id)
		if err := tx.Where("comment_id = ? OR comment_id IN (?)", id, replies).Delete(&model.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("comment_id = ? OR comment_id IN (?)", id, replies).Delete(&model.SpamReport{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? OR parent_comment_id = ?", id, id).Delete(&model.Comment{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	s.publish(ctx, model.TableComments, storage.OpDelete, nil, old)
	return nil
}

////////////////////////
// MODERATION
////////////////////////

// ReportSpam records a report. A thought reaching storage.SpamHideThreshold
// reports is hidden; hidden reports whether this report hid it.
func (s *Store) ReportSpam(ctx context.Context, r *model.SpamReport) (bool, error) {
	if r.ThoughtID == nil && r.CommentID == nil {
		return false, fmt.Errorf("report needs a thought or a comment")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now().UTC()
	}

	var (
		hidden  bool
		thought model.Thought
	)
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		dup := tx.Model(&model.SpamReport{}).Where("reporter_id = ?", r.ReporterID)
		if r.ThoughtID != nil {
			dup = dup.Where("thought_id = ?", *r.ThoughtID)
		} else {
			dup = dup.Where("comment_id = ?", *r.CommentID)
		}
		var n int64
		if err := dup.Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("already reported: %w", storage.ErrConflict)
		}
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		if r.ThoughtID == nil {
			return nil
		}
		if err := tx.Model(&model.SpamReport{}).Where("thought_id = ?", *r.ThoughtID).Count(&n).Error; err != nil {
			return err
		}
		if n < storage.SpamHideThreshold {
			return nil
		}
		res := tx.Model(&model.Thought{}).
			Where("id = ? AND is_hidden = ?", *r.ThoughtID, false).
			UpdateColumn("is_hidden", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		hidden = true
		return tx.First(&thought, "id = ?", *r.ThoughtID).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to report spam: %w", err)
	}
	s.publish(ctx, model.TableSpamReports, storage.OpInsert, *r, nil)
	if hidden {
		s.publish(ctx, model.TableThoughts, storage.OpUpdate, thought, nil)
	}
	return hidden, nil
}

////////////////////////
// PRIVATE CHATS
////////////////////////

// ListAcceptedChats returns accepted chats involving userID, or all
// accepted chats when userID is empty.
func (s *Store) ListAcceptedChats(ctx context.Context, userID string) ([]model.PrivateChat, error) {
	q := s.conn(ctx).Where("status = ?", model.ChatAccepted)
	if userID != "" {
		q = q.Where("user_1_id = ? OR user_2_id = ?", userID, userID)
	}
	var out []model.PrivateChat
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return out, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (model.PrivateChat, error) {
	var c model.PrivateChat
	if err := s.conn(ctx).First(&c, "id = ?", id).Error; err != nil {
		return model.PrivateChat{}, notFound(err, "chat "+id)
	}
	return c, nil
}

func (s *Store) CreateChat(ctx context.Context, c *model.PrivateChat) error {
	if c.User1ID == "" || c.User2ID == "" || c.User1ID == c.User2ID {
		return fmt.Errorf("a chat needs two distinct users")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.ChatPending
	}
	if c.InitiatedBy == "" {
		c.InitiatedBy = c.User1ID
	}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&model.PrivateChat{}).
			Where("(user_1_id = ? AND user_2_id = ?) OR (user_1_id = ? AND user_2_id = ?)",
				c.User1ID, c.User2ID, c.User2ID, c.User1ID).
			Where("status IN ?", []string{model.ChatPending, model.ChatAccepted}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("chat between %s and %s exists: %w", c.User1ID, c.User2ID, storage.ErrConflict)
		}
		return tx.Create(c).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	s.publish(ctx, model.TablePrivateChats, storage.OpInsert, *c, nil)
	return nil
}

func (s *Store) UpdateChatStatus(ctx context.Context, id, status string) error {
	switch status {
	case model.ChatPending, model.ChatAccepted, model.ChatDeclined:
	default:
		return fmt.Errorf("unknown chat status %q", status)
	}

	var old, updated model.PrivateChat
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&old, "id = ?", id).Error; err != nil {
			return notFound(err, "chat "+id)
		}
		if err := tx.Model(&model.PrivateChat{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update chat: %w", err)
	}
	s.publish(ctx, model.TablePrivateChats, storage.OpUpdate, updated, old)
	return nil
}

// CreatePrivateMessage stores a message in an accepted chat.
func (s *Store) CreatePrivateMessage(ctx context.Context, m *model.PrivateMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.conn(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	s.publish(ctx, model.TablePrivateMessage, storage.OpInsert, *m, nil)
	return nil
}
