// Package streaming defines the realtime wire protocol: JSON envelopes
// exchanged over a websocket between clients and the world server.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server envelope types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeTrack       = "track"
	TypeUntrack     = "untrack"
	TypeHeartbeat   = "heartbeat"
	TypeListen      = "listen"
	TypeUnlisten    = "unlisten"
	TypeRPC         = "rpc"
)

// Server to client envelope types.
const (
	TypeBroadcast    = "broadcast"
	TypePresenceSync = "presence_sync"
	TypeChange       = "change"
	TypeReply        = "reply"
	TypeWorldReset   = "world_reset"
)

// Well-known channels and events.
const (
	ChannelOnline       = "online-users"
	ChannelMovements    = "avatar-movements"
	EventPositionUpdate = "position_update"
)

// Envelope wraps all messages sent over the WebSocket. ID correlates an
// rpc with its reply.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a JSON-encoded Envelope from a type, an id and a payload.
func Encode(msgType, id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	data, err := json.Marshal(Envelope{Type: msgType, ID: id, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses an envelope without validating it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals env's payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return nil
}

////////////////////////
// CLIENT PAYLOADS
////////////////////////

// ChannelPayload names a channel (subscribe, unsubscribe, untrack).
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// PublishPayload is fanned out to every other subscriber of Channel.
type PublishPayload struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// TrackPayload announces the sender in a channel's presence set.
type TrackPayload struct {
	Channel string         `json:"channel"`
	Key     string         `json:"key"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// RowFilter restricts a listen to rows whose Column equals Value.
type RowFilter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// ListenPayload subscribes to row changes of Table.
type ListenPayload struct {
	Table  string     `json:"table"`
	Filter *RowFilter `json:"filter,omitempty"`
}

// RPCPayload calls a server method.
type RPCPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

////////////////////////
// SERVER PAYLOADS
////////////////////////

// BroadcastPayload is a relayed publish.
type BroadcastPayload struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceSyncPayload is the authoritative presence set of a channel.
type PresenceSyncPayload struct {
	Channel string   `json:"channel"`
	Keys    []string `json:"keys"`
	Joined  []string `json:"joined,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// ChangePayload is one row change.
type ChangePayload struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	At    time.Time       `json:"at"`
}

// Error codes carried by replies.
const (
	CodeInvalid     = "invalid"
	CodeCooldown    = "cooldown"
	CodeTooDeep     = "reply_too_deep"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// ReplyPayload answers an rpc. Exactly one of Result and Error is set.
type ReplyPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	// RetryAfter is set with CodeCooldown, in whole seconds.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// WorldState is the epoch row as seen by clients.
type WorldState struct {
	EpochID     int64      `json:"epochId"`
	NextResetAt time.Time  `json:"nextResetAt"`
	LastResetAt *time.Time `json:"lastResetAt,omitempty"`
	ResetCount  int64      `json:"resetCount"`
}

// WorldResetPayload announces a new epoch.
type WorldResetPayload struct {
	World WorldState `json:"world"`
}
