package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/presence-broker/internal/cache"
	"github.com/ashureev/presence-broker/internal/domain"
)

// Frame kind discriminators. Request/response frames are tagged with a
// "type" field; the heartbeat frame uses the shorter "t" field, matching
// the delta-mode frames it's grouped with in §6.
const (
	kindLogin              = "login"
	kindStatusUpdate       = "statusUpdate"
	kindUpdatePreferences  = "updatePreferences"
	kindCreateInvite       = "createInvite"
	kindAcceptInvite       = "acceptInvite"
	kindRemoveConnection   = "removeConnection"
	kindCreateAlias        = "createAlias"
	kindChatSend           = "chat.send"
	kindChatHistory        = "chat.history"
	kindChatMarkRead       = "chat.markRead"
	kindHeartbeat          = "hb"
)

type envelope struct {
	Type string `json:"type"`
	T    string `json:"t"`
}

func (e envelope) kind() string {
	if e.T != "" {
		return e.T
	}
	return e.Type
}

type loginFrame struct {
	Handle         string `json:"handle"`
	Token          string `json:"token"`
	VisibilityMode string `json:"visibilityMode"`
	SessionID      string `json:"sessionId"`
	ResumeToken    string `json:"resumeToken"`
}

type statusUpdateFrame struct {
	Status   *string `json:"status"`
	Activity *string `json:"activity"`
	Project  *string `json:"project"`
	Language *string `json:"language"`
}

type preferencesPayload struct {
	Visibility    string `json:"visibility"`
	ShareProject  bool   `json:"shareProject"`
	ShareLanguage bool   `json:"shareLanguage"`
	ShareActivity bool   `json:"shareActivity"`
}

type updatePreferencesFrame struct {
	Preferences preferencesPayload `json:"preferences"`
}

type createInviteFrame struct {
	TTLHours int `json:"ttlHours"`
}

type acceptInviteFrame struct {
	Code string `json:"code"`
}

type removeConnectionFrame struct {
	Username string `json:"username"`
}

type createAliasFrame struct {
	GithubUsername string `json:"githubUsername"`
	GuestUsername  string `json:"guestUsername"`
	GithubID       int64  `json:"githubId"`
}

type chatSendFrame struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type chatHistoryFrame struct {
	Peer  string `json:"peer"`
	Limit int    `json:"limit"`
}

type chatMarkReadFrame struct {
	Peer string `json:"peer"`
}

type heartbeatFrame struct {
	Ts int64 `json:"ts"`
}

// Outbound frame shapes.

type tokenFrame struct {
	T     string `json:"t"`
	Token string `json:"token"`
}

type hbFrame struct {
	T   string `json:"t"`
	Ts  int64  `json:"ts"`
	Ack bool   `json:"ack,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type inviteCreatedFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	ExpiresIn int64  `json:"expiresIn"`
}

type inviteAcceptedFrame struct {
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	FriendUsername string `json:"friendUsername,omitempty"`
	Error          string `json:"error,omitempty"`
}

type connectionRemovedFrame struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	Username string `json:"username"`
}

type aliasCreatedFrame struct {
	Type           string `json:"type"`
	GithubUsername string `json:"githubUsername"`
	GuestUsername  string `json:"guestUsername"`
}

type preferencesUpdatedFrame struct {
	Type        string              `json:"type"`
	Preferences preferencesPayload  `json:"preferences"`
}

// deltaFrame is the delta-mode outbound frame (§4.6 "Delta mode"): "u"
// for a status update, "o" for come-online, "x" for go-offline. Presence
// fields are empty for "x".
type deltaFrame struct {
	T        string `json:"t"`
	Kind     string `json:"kind"`
	Handle   string `json:"handle"`
	Avatar   string `json:"avatar,omitempty"`
	Activity string `json:"activity,omitempty"`
	Project  string `json:"project,omitempty"`
	Language string `json:"language,omitempty"`
}

func deltaFrameFor(d cache.Delta) deltaFrame {
	f := deltaFrame{T: "delta", Kind: d.Kind, Handle: d.Handle}
	if d.Kind != "x" {
		f.Avatar = d.Presence.Avatar
		f.Activity = string(d.Presence.Activity)
		f.Project = d.Presence.Project
		f.Language = d.Presence.Language
	}
	return f
}

// messageRateKey returns the Rate Limiter key for a session's messages
// (§4.3 "messages keyed by identity").
func messageRateKey(s *domain.Session) string {
	if s.IdentityID != 0 {
		return fmt.Sprintf("id:%d", s.IdentityID)
	}
	return "guest:" + s.Handle
}

// HandleFrame dispatches one post-admission frame for sessionID (§4.1
// "Frame dispatch"). Invalid JSON or unknown kinds reply with an error
// frame but never close the socket; that decision belongs to the
// oversize-frame check in internal/wsgateway.
func (b *Broker) HandleFrame(ctx context.Context, sessionID string, raw []byte) {
	s, ok := b.sessions.Get(sessionID)
	if !ok {
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}
	kind := env.kind()

	if kind != kindHeartbeat {
		if !b.msgLimiter.Allow(messageRateKey(s), time.Now()) {
			b.reply(s, errorFrame{Type: "error", Message: "Rate limit exceeded"})
			return
		}
	}

	switch kind {
	case kindHeartbeat:
		b.handleHeartbeat(s, raw)
	case kindStatusUpdate:
		b.handleStatusUpdate(ctx, s, raw)
	case kindUpdatePreferences:
		b.handleUpdatePreferences(ctx, s, raw)
	case kindCreateInvite:
		b.handleCreateInvite(ctx, s, raw)
	case kindAcceptInvite:
		b.handleAcceptInvite(ctx, s, raw)
	case kindRemoveConnection:
		b.handleRemoveConnection(ctx, s, raw)
	case kindCreateAlias:
		b.handleCreateAlias(ctx, s, raw)
	case kindChatSend:
		b.handleChatSend(ctx, s, raw)
	case kindChatHistory:
		b.handleChatHistory(ctx, s, raw)
	case kindChatMarkRead:
		b.handleChatMarkRead(ctx, s, raw)
	default:
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
	}
}

func (b *Broker) reply(s *domain.Session, frame any) {
	b.mu.RLock()
	t, ok := b.transports[s.SessionID]
	b.mu.RUnlock()
	if ok {
		_ = t.Send(frame)
	}
}

func (b *Broker) handleHeartbeat(s *domain.Session, raw []byte) {
	var hb heartbeatFrame
	_ = json.Unmarshal(raw, &hb)
	b.sessions.MarkAlive(s.SessionID, time.Now())
	b.reply(s, hbFrame{T: "hb", Ts: hb.Ts, Ack: true})
}

func (b *Broker) handleStatusUpdate(ctx context.Context, s *domain.Session, raw []byte) {
	var f statusUpdateFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	if f.Status != nil {
		s.Status = domain.Status(*f.Status)
	}
	if f.Activity != nil {
		s.Activity = domain.Activity(*f.Activity)
	}
	if f.Project != nil {
		s.Project = *f.Project
	}
	if f.Language != nil {
		s.Language = *f.Language
	}
	s.UpdatedAt = time.Now()

	b.touchLastSeen(s.Handle)
	b.fanout.PublishStatusUpdate(s, b.avatarFor(ctx, s))
	b.fanout.Schedule(ctx)
}

func (b *Broker) handleUpdatePreferences(ctx context.Context, s *domain.Session, raw []byte) {
	var f updatePreferencesFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	prefs := domain.Preferences{
		Handle:        s.Handle,
		Visibility:    domain.Visibility(f.Preferences.Visibility),
		ShareProject:  f.Preferences.ShareProject,
		ShareLanguage: f.Preferences.ShareLanguage,
		ShareActivity: f.Preferences.ShareActivity,
	}
	if err := b.store.UpsertPreferences(ctx, &prefs); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}
	s.Preferences = prefs
	b.cache.InvalidateContacts(s.Handle)

	b.reply(s, preferencesUpdatedFrame{Type: "preferencesUpdated", Preferences: f.Preferences})
	b.fanout.Schedule(ctx)
}

func (b *Broker) handleCreateInvite(ctx context.Context, s *domain.Session, raw []byte) {
	var f createInviteFrame
	_ = json.Unmarshal(raw, &f)

	code, err := b.invite.Create(ctx, s.Handle, f.TTLHours)
	if err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}
	b.reply(s, inviteCreatedFrame{
		Type:      "inviteCreated",
		Code:      code.Code,
		ExpiresIn: int64(time.Until(code.ExpiresAt).Seconds()),
	})
}

func (b *Broker) handleAcceptInvite(ctx context.Context, s *domain.Session, raw []byte) {
	var f acceptInviteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	result := b.invite.Accept(ctx, s.Handle, f.Code)
	if !result.Success {
		b.reply(s, inviteAcceptedFrame{Type: "inviteAccepted", Success: false, Error: result.Error})
		return
	}

	b.reply(s, inviteAcceptedFrame{Type: "inviteAccepted", Success: true, FriendUsername: result.FriendHandle})
	b.fanout.Schedule(ctx)
}

func (b *Broker) handleRemoveConnection(ctx context.Context, s *domain.Session, raw []byte) {
	var f removeConnectionFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	if err := b.invite.RemoveConnection(ctx, s.Handle, f.Username); err != nil {
		b.reply(s, connectionRemovedFrame{Type: "connectionRemoved", Success: false, Username: f.Username})
		return
	}
	b.reply(s, connectionRemovedFrame{Type: "connectionRemoved", Success: true, Username: f.Username})
	b.fanout.Schedule(ctx)
}

func (b *Broker) handleCreateAlias(ctx context.Context, s *domain.Session, raw []byte) {
	var f createAliasFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	if err := b.store.PutAlias(ctx, f.GithubUsername, f.GuestUsername, f.GithubID); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}
	b.reply(s, aliasCreatedFrame{Type: "aliasCreated", GithubUsername: f.GithubUsername, GuestUsername: f.GuestUsername})
}

func (b *Broker) handleChatSend(ctx context.Context, s *domain.Session, raw []byte) {
	var f chatSendFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	if _, err := b.chat.Send(ctx, s.Handle, f.To, f.Body); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
	}
}

func (b *Broker) handleChatHistory(ctx context.Context, s *domain.Session, raw []byte) {
	var f chatHistoryFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	msgs, err := b.chat.History(ctx, s.Handle, f.Peer, f.Limit)
	if err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}
	b.reply(s, map[string]any{"type": "chat.history", "peer": f.Peer, "messages": msgs})
}

func (b *Broker) handleChatMarkRead(ctx context.Context, s *domain.Session, raw []byte) {
	var f chatMarkReadFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
		return
	}

	if _, err := b.chat.MarkRead(ctx, s.Handle, f.Peer); err != nil {
		b.reply(s, errorFrame{Type: "error", Message: "Invalid message format"})
	}
}
