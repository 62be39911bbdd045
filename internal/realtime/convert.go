package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func toWorld(ws model.WorldState) streaming.WorldState {
	return streaming.WorldState{
		EpochID:     ws.EpochID,
		NextResetAt: ws.NextResetAt,
		LastResetAt: ws.LastResetAt,
		ResetCount:  ws.ResetCount,
	}
}

func toProfile(p model.Profile) streaming.Profile {
	return streaming.Profile{
		ID:        p.ID,
		Nickname:  p.Nickname,
		PositionX: p.PositionX,
		PositionY: p.PositionY,
		IsAdmin:   p.IsAdmin,
	}
}

func toPosition(p model.Profile) streaming.Position {
	return streaming.Position{EntityID: p.ID, X: p.PositionX, Y: p.PositionY, UpdatedAt: p.UpdatedAt}
}

func toChat(c model.PrivateChat) streaming.Chat {
	return streaming.Chat{ID: c.ID, User1ID: c.User1ID, User2ID: c.User2ID, InitiatedBy: c.InitiatedBy, Status: c.Status}
}

func encodeRow(row any) (json.RawMessage, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}

func encodeChange(c storage.Change) ([]byte, error) {
	newRow, err := encodeRow(c.New)
	if err != nil {
		return nil, fmt.Errorf("encode new row: %w", err)
	}
	oldRow, err := encodeRow(c.Old)
	if err != nil {
		return nil, fmt.Errorf("encode old row: %w", err)
	}
	return streaming.Encode(streaming.TypeChange, "", streaming.ChangePayload{
		Table: c.Table,
		Op:    string(c.Op),
		New:   newRow,
		Old:   oldRow,
		At:    c.At,
	})
}

// rowField reads a column of a row by its JSON name.
func rowField(row any, column string) (string, bool) {
	if row == nil {
		return "", false
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", false
	}
	v, ok := m[column]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// changeRow is the row a filter looks at: the new row, or the old one for
// deletes.
func changeRow(c storage.Change) any {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

func chatMember(row any, userID string) bool {
	switch c := row.(type) {
	case model.PrivateChat:
		return c.User1ID == userID || c.User2ID == userID
	case *model.PrivateChat:
		return c != nil && (c.User1ID == userID || c.User2ID == userID)
	}
	return false
}
