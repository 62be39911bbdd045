package content

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidContent is wrapped by every validation failure.
var ErrInvalidContent = errors.New("invalid content")

const (
	MaxThoughtChars  = 1800
	MaxThoughtWords  = 300
	MaxCommentChars  = 500
	MaxChatChars     = 500
	MaxNicknameChars = 50
	MaxReasonChars   = 255
)

func checkLength(what, text string, max int) (string, error) {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidContent, what)
	}
	if n > max {
		return "", fmt.Errorf("%w: %s is %d characters, the limit is %d", ErrInvalidContent, what, n, max)
	}
	return text, nil
}

// ValidateThought trims text and checks the character and word limits.
func ValidateThought(text string) (string, error) {
	text, err := checkLength("thought", text, MaxThoughtChars)
	if err != nil {
		return "", err
	}
	if words := len(strings.Fields(text)); words > MaxThoughtWords {
		return "", fmt.Errorf("%w: thought is %d words, the limit is %d", ErrInvalidContent, words, MaxThoughtWords)
	}
	return text, nil
}

func ValidateComment(text string) (string, error) {
	return checkLength("comment", text, MaxCommentChars)
}

func ValidateChatMessage(text string) (string, error) {
	return checkLength("message", text, MaxChatChars)
}

func ValidateNickname(name string) (string, error) {
	return checkLength("nickname", name, MaxNicknameChars)
}
