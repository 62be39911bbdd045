package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Seonggyu05/infinite-introverts/internal/content"
	"github.com/Seonggyu05/infinite-introverts/internal/dispatcher"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/Seonggyu05/infinite-introverts/internal/geo"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	"github.com/Seonggyu05/infinite-introverts/pkg/streaming"
)

// listenable tables. Moderation and audit rows stay server side.
var listenable = map[string]bool{
	model.TableWorldState:   true,
	model.TableProfiles:     true,
	model.TableThoughts:     true,
	model.TableComments:     true,
	model.TableLikes:        true,
	model.TableChatMessages: true,
	model.TablePrivateChats: true,
	// private messages need a chat_id filter naming a chat of the caller
	model.TablePrivateMessage: true,
}

func rpcRoute(method string) string {
	return "rpc:" + method
}

func errInvalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidParams, err)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalid(err)
	}
	return nil
}

func (h *Hub) registerRoutes() {
	d := h.dispatcher

	d.Register(streaming.TypeSubscribe, h.withClient(h.onSubscribe))
	d.Register(streaming.TypeUnsubscribe, h.withClient(h.onUnsubscribe))
	d.Register(streaming.TypePublish, h.withClient(h.onPublish))
	d.Register(streaming.TypeTrack, h.withClient(h.onTrack))
	d.Register(streaming.TypeUntrack, h.withClient(h.onUntrack))
	d.Register(streaming.TypeListen, h.withClient(h.onListen), dispatcher.Logged())
	d.Register(streaming.TypeUnlisten, h.withClient(h.onUnlisten))
	d.Register(streaming.TypeHeartbeat, h.withClient(h.onHeartbeat), dispatcher.Buffered(h.cfg.HeartbeatBuffer))

	d.Register(rpcRoute(streaming.MethodJoin), h.withClient(h.rpcJoin), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodPositionsList), h.withClient(h.rpcPositionsList))
	d.Register(rpcRoute(streaming.MethodPositionsSave), h.withClient(h.rpcPositionsSave))
	d.Register(rpcRoute(streaming.MethodWorldGet), h.withClient(h.rpcWorldGet))
	d.Register(rpcRoute(streaming.MethodThoughtsPost), h.withClient(h.rpcThoughtsPost), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodCommentsPost), h.withClient(h.rpcCommentsPost), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodChatsAccepted), h.withClient(h.rpcChatsAccepted))
	d.Register(rpcRoute(streaming.MethodWorldReset), h.withClient(h.rpcWorldReset), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodCommentsDelete), h.withClient(h.rpcCommentsDelete), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodSpamReport), h.withClient(h.rpcSpamReport), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodChatsRequest), h.withClient(h.rpcChatsRequest), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodChatsRespond), h.withClient(h.rpcChatsRespond), dispatcher.Logged())
	d.Register(rpcRoute(streaming.MethodChatsSend), h.withClient(h.rpcChatsSend))
}

type clientHandler func(ctx context.Context, c *client, e dispatcher.Event) (any, error)

// withClient resolves the connection of an event and bounds the handler
// with the call timeout. Events of a connection that already closed are
// ignored.
func (h *Hub) withClient(fn clientHandler) dispatcher.HandlerFunc {
	return func(e dispatcher.Event) (any, error) {
		c := h.client(e.ClientID)
		if c == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CallTimeout)
		defer cancel()
		return fn(ctx, c, e)
	}
}

func requireUser(c *client) (string, bool, error) {
	id, admin := c.user()
	if id == "" {
		return "", false, ErrNotJoined
	}
	return id, admin, nil
}

////////////////////////
// MESSAGES
////////////////////////

func (h *Hub) onSubscribe(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.ChannelPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	h.subscribe(c, p.Channel)
	return nil, nil
}

func (h *Hub) onUnsubscribe(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.ChannelPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	h.unsubscribe(c, p.Channel)
	return nil, nil
}

func (h *Hub) onPublish(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.PublishPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	from, _ := c.user()
	data, err := streaming.Encode(streaming.TypeBroadcast, "", streaming.BroadcastPayload{
		Channel: p.Channel,
		Event:   p.Event,
		From:    from,
		Payload: p.Payload,
	})
	if err != nil {
		return nil, err
	}
	return h.fanout(p.Channel, c.id, data), nil
}

func (h *Hub) onTrack(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.TrackPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	if p.Key != id {
		return nil, fmt.Errorf("%w: cannot track as %s", ErrForbidden, p.Key)
	}
	h.track(c, p.Channel, p.Key, p.Meta)
	return nil, nil
}

func (h *Hub) onUntrack(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.ChannelPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	c.mu.Lock()
	key, ok := c.tracks[p.Channel]
	delete(c.tracks, p.Channel)
	c.mu.Unlock()
	if ok {
		h.untrack(p.Channel, key)
	}
	return nil, nil
}

func (h *Hub) onHeartbeat(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	h.heartbeat(c)
	if id, _ := c.user(); id != "" {
		if err := h.store.TouchProfile(ctx, id, e.Timestamp); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func listenKey(p streaming.ListenPayload) string {
	if p.Filter == nil {
		return p.Table
	}
	return p.Table + "|" + p.Filter.Column + "=" + p.Filter.Value
}

func (h *Hub) onListen(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.ListenPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	if !listenable[p.Table] {
		return nil, fmt.Errorf("%w: table %s", ErrForbidden, p.Table)
	}
	private := p.Table == model.TablePrivateChats
	if private || p.Table == model.TablePrivateMessage {
		if _, _, err := requireUser(c); err != nil {
			return nil, err
		}
	}
	if p.Table == model.TablePrivateMessage {
		if err := h.checkMessageListen(ctx, c, p.Filter); err != nil {
			return nil, err
		}
	}

	filter := p.Filter
	pred := func(ch storage.Change) bool {
		row := changeRow(ch)
		if private {
			id, _ := c.user()
			if !chatMember(row, id) {
				return false
			}
		}
		if filter == nil {
			return true
		}
		v, ok := rowField(row, filter.Column)
		return ok && v == filter.Value
	}

	cancel := h.store.Subscribe(storage.Filter{
		Table:      p.Table,
		Predicate:  pred,
		OnOverflow: func() { h.dropStale(c, "change feed overflow") },
	}, func(ch storage.Change) {
		data, err := encodeChange(ch)
		if err != nil {
			h.logger.Error("Failed to encode change", "table", ch.Table, "error", err)
			return
		}
		if !h.deliver(c, data) {
			h.dropStale(c, "send buffer full")
		}
	})

	key := listenKey(p)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, nil
	}
	prev := c.listens[key]
	c.listens[key] = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil, nil
}

// checkMessageListen admits a private message listen only for one chat the
// caller belongs to.
func (h *Hub) checkMessageListen(ctx context.Context, c *client, filter *streaming.RowFilter) error {
	if filter == nil || filter.Column != "chat_id" || filter.Value == "" {
		return fmt.Errorf("%w: private messages need a chat_id filter", ErrForbidden)
	}
	chat, err := h.store.GetChat(ctx, filter.Value)
	if err != nil {
		return err
	}
	if id, _ := c.user(); !chatMember(chat, id) {
		return fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chat.ID)
	}
	return nil
}

func (h *Hub) onUnlisten(_ context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.ListenPayload
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	key := listenKey(p)
	c.mu.Lock()
	cancel := c.listens[key]
	delete(c.listens, key)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil, nil
}

////////////////////////
// RPC
////////////////////////

func (h *Hub) rpcJoin(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	var p streaming.JoinParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidParams)
	}
	nick, err := content.ValidateNickname(p.Nickname)
	if err != nil {
		return nil, err
	}

	spawn := h.spawn()
	prof, created, err := h.store.EnsureProfile(ctx, model.Profile{
		ID:        p.UserID,
		Nickname:  nick,
		PositionX: spawn.X,
		PositionY: spawn.Y,
	})
	if err != nil {
		return nil, err
	}
	c.setUser(prof.ID, prof.IsAdmin)

	world, err := h.store.GetWorldState(ctx)
	if err != nil {
		return nil, err
	}
	return streaming.JoinResult{Profile: toProfile(prof), Created: created, World: toWorld(world)}, nil
}

func (h *Hub) rpcPositionsList(ctx context.Context, _ *client, _ dispatcher.Event) (any, error) {
	profiles, err := h.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]streaming.Position, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toPosition(p))
	}
	return out, nil
}

func (h *Hub) rpcPositionsSave(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.SavePositionParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	at := h.cfg.Bounds.Clamp(geo.Point{X: p.X, Y: p.Y})
	if err := h.store.SavePosition(ctx, id, at.X, at.Y, e.Timestamp); err != nil {
		return nil, err
	}
	return streaming.Position{EntityID: id, X: at.X, Y: at.Y, UpdatedAt: e.Timestamp.UTC()}, nil
}

func (h *Hub) rpcWorldGet(ctx context.Context, _ *client, _ dispatcher.Event) (any, error) {
	world, err := h.store.GetWorldState(ctx)
	if err != nil {
		return nil, err
	}
	return toWorld(world), nil
}

func (h *Hub) rpcThoughtsPost(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.PostThoughtParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	post, err := h.content.PostThought(ctx, id, p.Content, geo.Point{X: p.X, Y: p.Y})
	if err != nil {
		return nil, err
	}
	return streaming.PostThoughtResult{
		ID:              post.Thought.ID,
		CreatedAt:       post.Thought.CreatedAt,
		Evicted:         post.Evicted,
		ActiveItemCount: post.State.ActiveItemCount,
	}, nil
}

func (h *Hub) rpcCommentsPost(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.PostCommentParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	comment, err := h.content.PostComment(ctx, id, p.ThoughtID, p.ParentCommentID, p.Content)
	if err != nil {
		return nil, err
	}
	return streaming.PostCommentResult{ID: comment.ID}, nil
}

func (h *Hub) rpcChatsAccepted(ctx context.Context, c *client, _ dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	chats, err := h.store.ListAcceptedChats(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]streaming.Chat, 0, len(chats))
	for _, ch := range chats {
		out = append(out, toChat(ch))
	}
	return out, nil
}

func (h *Hub) rpcWorldReset(ctx context.Context, c *client, _ dispatcher.Event) (any, error) {
	id, admin, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, fmt.Errorf("%w: admin only", ErrForbidden)
	}
	cur, err := h.store.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.store.ResetWorld(ctx, epoch.ResetRequest{
		Trigger:       epoch.TriggerManual,
		ActorID:       id,
		ExpectedEpoch: cur.ID,
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("Manual reset requested", "admin", id, "performed", res.Performed, "epoch", res.Epoch.ID)
	return streaming.ResetResult{
		Performed: res.Performed,
		World: streaming.WorldState{
			EpochID:     res.Epoch.ID,
			NextResetAt: res.Epoch.NextResetAt,
			LastResetAt: res.Epoch.LastResetAt,
			ResetCount:  res.Epoch.ResetCount,
		},
		Reason: res.Reason,
	}, nil
}

func (h *Hub) rpcCommentsDelete(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.DeleteCommentParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidParams)
	}
	return nil, h.content.DeleteComment(ctx, id, p.ID)
}

func (h *Hub) rpcSpamReport(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.SpamReportParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	hidden, err := h.content.ReportSpam(ctx, id, p.ThoughtID, p.CommentID, p.Reason)
	if err != nil {
		return nil, err
	}
	if hidden && p.ThoughtID != nil {
		h.logger.Info("Thought hidden by spam reports", "thought", *p.ThoughtID)
	}
	return streaming.SpamReportResult{Hidden: hidden}, nil
}

func (h *Hub) rpcChatsRequest(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.ChatRequestParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" || p.UserID == id {
		return nil, fmt.Errorf("%w: userId must name another user", ErrInvalidParams)
	}
	if _, err := h.store.GetProfile(ctx, p.UserID); err != nil {
		return nil, err
	}
	chat := model.PrivateChat{User1ID: id, User2ID: p.UserID, InitiatedBy: id}
	if err := h.store.CreateChat(ctx, &chat); err != nil {
		return nil, err
	}
	return toChat(chat), nil
}

// rpcChatsRespond accepts or declines a pending request. Only the invited
// member may answer.
func (h *Hub) rpcChatsRespond(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.ChatRespondParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	chat, err := h.store.GetChat(ctx, p.ChatID)
	if err != nil {
		return nil, err
	}
	if !chatMember(chat, id) || chat.InitiatedBy == id {
		return nil, fmt.Errorf("%w: only the invited user may answer", ErrForbidden)
	}
	if chat.Status != model.ChatPending {
		return nil, fmt.Errorf("chat is %s: %w", chat.Status, storage.ErrConflict)
	}
	status := model.ChatDeclined
	if p.Accept {
		status = model.ChatAccepted
	}
	if err := h.store.UpdateChatStatus(ctx, chat.ID, status); err != nil {
		return nil, err
	}
	chat.Status = status
	return toChat(chat), nil
}

func (h *Hub) rpcChatsSend(ctx context.Context, c *client, e dispatcher.Event) (any, error) {
	id, _, err := requireUser(c)
	if err != nil {
		return nil, err
	}
	var p streaming.SendMessageParams
	if err := decodeParams(e.Payload, &p); err != nil {
		return nil, err
	}
	text, err := content.ValidateChatMessage(p.Message)
	if err != nil {
		return nil, err
	}
	chat, err := h.store.GetChat(ctx, p.ChatID)
	if err != nil {
		return nil, err
	}
	if !chatMember(chat, id) {
		return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chat.ID)
	}
	if chat.Status != model.ChatAccepted {
		return nil, fmt.Errorf("%w: chat is %s", ErrForbidden, chat.Status)
	}
	m := model.PrivateMessage{ChatID: chat.ID, SenderID: id, Message: text}
	if err := h.store.CreatePrivateMessage(ctx, &m); err != nil {
		return nil, err
	}
	return streaming.SendMessageResult{ID: m.ID, CreatedAt: m.CreatedAt}, nil
}
