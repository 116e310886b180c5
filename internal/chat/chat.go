// Package chat implements the Chat Pipe from §4.7: a minimal 1:1
// messaging facility layered on the same session table and fan-out
// delivery as presence.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/presence-broker/internal/domain"
	"github.com/ashureev/presence-broker/internal/store"
)

const (
	// maxHistoryLimit bounds chat.history's limit parameter (§6).
	maxHistoryLimit = 200
	defaultHistoryLimit = 50
)

// Deliverer hands an already-built outbound payload to every live
// session of handle. The broker supplies this so chat doesn't need to
// know about transports or the session table's locking discipline.
type Deliverer func(handle string, frame any)

// Pipe is the Chat Pipe.
type Pipe struct {
	store   store.Repository
	deliver Deliverer
}

// New constructs a Pipe.
func New(repo store.Repository, deliver Deliverer) *Pipe {
	return &Pipe{store: repo, deliver: deliver}
}

// Sent is the outbound chat.msg payload.
type Sent struct {
	Type      string     `json:"type"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Send validates and stores a chat.send{to, body} request from from,
// then delivers it to every live session of to and echoes it to every
// live session of from, the session that sent it included.
func (p *Pipe) Send(ctx context.Context, from, to, body string) (*domain.ChatMessage, error) {
	if body == "" {
		return nil, fmt.Errorf("body must not be empty")
	}
	if len(body) > domain.MaxChatBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", domain.MaxChatBodyBytes)
	}

	msg := &domain.ChatMessage{
		From:      from,
		To:        to,
		Body:      body,
		CreatedAt: time.Now(),
	}
	id, err := p.store.InsertChatMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("store chat message: %w", err)
	}
	msg.ID = id

	frame := Sent{
		Type:      "chat.msg",
		From:      msg.From,
		To:        msg.To,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		ReadAt:    msg.ReadAt,
	}
	p.deliver(to, frame)
	p.deliver(from, frame)

	return msg, nil
}

// History returns the most recent limit messages (clamped to
// maxHistoryLimit) between viewer and peer in chronological order.
func (p *Pipe) History(ctx context.Context, viewer, peer string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return p.store.ListChatHistory(ctx, viewer, peer, limit)
}

// MarkRead stamps read_at on every unread message sent by peer to
// viewer and returns the count stamped.
func (p *Pipe) MarkRead(ctx context.Context, viewer, peer string) (int64, error) {
	return p.store.MarkChatRead(ctx, viewer, peer, time.Now())
}

// UnreadCount reports how many of peer's messages to viewer are
// unread, recomputed from the store on demand (§4.7 "no push
// notification ... recomputed from the store on demand").
func (p *Pipe) UnreadCount(ctx context.Context, viewer, peer string) (int, error) {
	return p.store.CountUnread(ctx, viewer, peer)
}
