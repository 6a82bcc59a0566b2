package protocol

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/guard"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
)

func (h *Handler) handleSendChat(ctx context.Context, c Conn, msg *domain.SendChatMessage) {
	sess := c.Session()
	roomID, _ := sess.Room()
	if roomID == "" {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeNotInStream, "Join a stream first"))
		return
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" && msg.GifURL == "" {
		h.reply(c, domain.NewErrorMessage(domain.ErrCodeInvalidMessage, "Message is empty"))
		return
	}

	if strings.HasPrefix(content, "/") {
		h.runCommand(ctx, c, roomID, content)
		return
	}
	if _, err := h.post(ctx, roomID, sess.Identity(), domain.MsgTypeChat, content, msg.GifURL); err != nil {
		h.replyErr(c, err)
	}
}

// PostChat posts content into roomID as sender. It is the entry point for
// agents posting over HTTP; the message reaches every room member, including
// a sender that is also connected as a viewer.
func (h *Handler) PostChat(ctx context.Context, roomID string, sender *domain.Identity, content, gifURL string) (*domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" && gifURL == "" {
		return nil, reject(domain.ErrCodeInvalidMessage, "Message is empty")
	}
	if _, err := h.EnsureRoomLoaded(ctx, roomID); err != nil {
		return nil, err
	}
	return h.post(ctx, roomID, sender, domain.MsgTypeChat, content, gifURL)
}

func (h *Handler) post(ctx context.Context, roomID string, sender *domain.Identity, kind, content, gifURL string) (*domain.ChatMessage, error) {
	if limit := h.Limits().MaxChatLength; utf8.RuneCountInString(content) > limit {
		return nil, reject(domain.ErrCodeMessageTooLong, fmt.Sprintf("Message exceeds %d characters", limit))
	}
	r, err := h.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	if r.IsBanned(sender.UserID) {
		return nil, room.ErrBanned
	}
	if h.persistedMute(ctx, r, sender.UserID) {
		return nil, reject(domain.ErrCodeMuted, "You are muted")
	}

	d, role, err := r.Admit(sender.UserID, dedupKey(content, gifURL), false)
	if err != nil {
		return nil, err
	}
	switch d.Verdict {
	case guard.Muted:
		return nil, reject(domain.ErrCodeMuted, "You are muted")
	case guard.SlowMode:
		return nil, &Rejection{Code: domain.ErrCodeSlowMode, Message: "Slow mode is enabled", WaitSeconds: d.WaitSeconds}
	case guard.Duplicate:
		return nil, reject(domain.ErrCodeDuplicate, "Duplicate message")
	}
	if sender.IsAgent && role == domain.RoleViewer {
		role = domain.RoleAgent
	}

	id, err := h.ids.Generate()
	if err != nil {
		return nil, err
	}
	chat := domain.NewChatMessage(kind, id, roomID, sender, role, content, gifURL)
	if err := r.Broadcast(chat, ""); err != nil {
		return nil, err
	}

	exclude := ""
	if sender.IsAgent {
		exclude = sender.UserID
	}
	h.publish(roomID, domain.EventChat, &domain.ChatEvent{ChatMessage: chat, Source: sender.Source()}, exclude)
	h.async("save_message", func(ctx context.Context) error {
		return h.store.SaveMessage(ctx, chat)
	})
	return chat, nil
}

// dedupKey folds the attachment into the duplicate check so the same text
// with a different gif still goes through.
func dedupKey(content, gifURL string) string {
	if gifURL == "" {
		return content
	}
	return content + "\x00" + gifURL
}
