package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Seonggyu05/infinite-introverts/internal/content"
	"github.com/Seonggyu05/infinite-introverts/internal/dispatcher"
	"github.com/Seonggyu05/infinite-introverts/internal/quota"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
)

var (
	// ErrForbidden is returned for a call the connection may not make.
	ErrForbidden = errors.New("forbidden")
	// ErrNotJoined is returned for a call that needs a joined user.
	ErrNotJoined = errors.New("join first")
	// ErrInvalidParams is returned for malformed rpc params.
	ErrInvalidParams = errors.New("invalid params")
	// ErrDisconnected fails calls in flight when the connection drops.
	ErrDisconnected = errors.New("disconnected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")
)

// RPCError is a failed reply as seen by the caller.
type RPCError struct {
	Code       string
	Message    string
	RetryAfter int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match an RPCError against the local sentinels, so
// callers handle remote and local failures alike.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Code == streaming.CodeForbidden
	case storage.ErrNotFound:
		return e.Code == streaming.CodeNotFound
	case storage.ErrConflict:
		return e.Code == streaming.CodeConflict
	case content.ErrInvalidContent, ErrInvalidParams:
		return e.Code == streaming.CodeInvalid
	case quota.ErrReplyTooDeep:
		return e.Code == streaming.CodeTooDeep
	}
	return false
}

func codeFor(err error) string {
	if _, ok := quota.IsCooldown(err); ok {
		return streaming.CodeCooldown
	}
	switch {
	case errors.Is(err, quota.ErrReplyTooDeep):
		return streaming.CodeTooDeep
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotJoined), errors.Is(err, content.ErrNotOwner):
		return streaming.CodeForbidden
	case errors.Is(err, storage.ErrNotFound):
		return streaming.CodeNotFound
	case errors.Is(err, storage.ErrConflict):
		return streaming.CodeConflict
	case errors.Is(err, content.ErrInvalidContent),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, dispatcher.ErrUnknownRoute):
		return streaming.CodeInvalid
	case errors.Is(err, dispatcher.ErrQueueFull):
		return streaming.CodeUnavailable
	}
	return streaming.CodeInternal
}

// replyPayload turns a handler outcome into a reply. Internal errors are
// not echoed to the client.
func replyPayload(result any, err error) streaming.ReplyPayload {
	if err != nil {
		code := codeFor(err)
		rp := streaming.ReplyPayload{Code: code, Error: err.Error()}
		if code == streaming.CodeInternal {
			rp.Error = "internal error"
		}
		if ce, ok := quota.IsCooldown(err); ok {
			rp.RetryAfter = ce.RemainingSeconds()
		}
		return rp
	}
	if result == nil {
		return streaming.ReplyPayload{Result: json.RawMessage(`null`)}
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		return streaming.ReplyPayload{Code: streaming.CodeInternal, Error: "internal error"}
	}
	return streaming.ReplyPayload{Result: raw}
}

// replyError rebuilds the caller-side error from a reply.
func replyError(rp streaming.ReplyPayload) error {
	if rp.Code == "" && rp.Error == "" {
		return nil
	}
	code := rp.Code
	if code == "" {
		code = streaming.CodeInternal
	}
	if code == streaming.CodeCooldown {
		return &quota.CooldownError{Remaining: secondsToDuration(rp.RetryAfter)}
	}
	return &RPCError{Code: code, Message: rp.Error, RetryAfter: rp.RetryAfter}
}
