package protocol

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/audit"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/idgen"
)

func (h *Handler) handleAuth(ctx context.Context, c Conn, msg *domain.AuthMessage) {
	sess := c.Session()
	if sess.IsJoined() {
		h.reply(c, domain.NewAuthFailure("Leave the current stream before re-authenticating"))
		return
	}

	id, reason := h.authenticate(ctx, msg)
	if id == nil {
		audit.Record(ctx, audit.Entry{Action: audit.ActionAuthFailed, Detail: c.ID()}, reason)
		h.reply(c, domain.NewAuthFailure(reason))
		return
	}

	sess.Authenticate(id)
	h.reply(c, domain.NewAuthResponse(id))
	audit.Log(ctx, audit.ActionAuth, id.UserID, "connection authenticated")

	if !id.Anonymous {
		h.async("upsert_user", func(ctx context.Context) error {
			return h.store.UpsertUser(ctx, id)
		})
	}
}

// authenticate returns the identity for msg, or nil and a reason.
func (h *Handler) authenticate(ctx context.Context, msg *domain.AuthMessage) (*domain.Identity, string) {
	if msg.Token != "" {
		id, err := h.validator.Validate(ctx, msg.Token)
		if err != nil {
			return nil, "Invalid token"
		}
		return id, ""
	}
	if !h.cfg.AllowAnonymous {
		return nil, "Token required"
	}
	name, ok := h.cleanName(msg.Username)
	if !ok {
		return nil, "Invalid username"
	}
	return &domain.Identity{UserID: idgen.AnonymousID(), Username: name, Anonymous: true}, ""
}

// cleanName trims a display name and rejects empty, overlong or
// command-like names.
func (h *Handler) cleanName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > h.cfg.MaxNameLength {
		return "", false
	}
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", false
		}
	}
	return name, true
}
