package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		name     string
		model    interface{ TableName() string }
		expected string
	}{
		{"WorldState", &WorldState{}, "world_state"},
		{"Profile", &Profile{}, "profiles"},
		{"Thought", &Thought{}, "thoughts"},
		{"Comment", &Comment{}, "comments"},
		{"Like", &Like{}, "likes"},
		{"ChatMessage", &ChatMessage{}, "chat_messages"},
		{"PrivateChat", &PrivateChat{}, "private_chats"},
		{"PrivateMessage", &PrivateMessage{}, "private_messages"},
		{"SpamReport", &SpamReport{}, "spam_reports"},
		{"AdminAction", &AdminAction{}, "admin_actions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.model.TableName())
		})
	}
}

func TestModelLists(t *testing.T) {
	assert.Len(t, DatabaseModels, 10)
	for _, m := range UserContentModels {
		assert.NotEqual(t, TableAdminActions, m.(interface{ TableName() string }).TableName(), "audit log must survive resets")
		assert.NotEqual(t, TableWorldState, m.(interface{ TableName() string }).TableName())
	}
}
