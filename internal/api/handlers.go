package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chat_broker/internal/auth"
	"chat_broker/internal/domain"
	"chat_broker/internal/repository"
)

type presenceRequest struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	Online      *bool  `json:"online"`
}

type typingRequest struct {
	UserName string `json:"user_name"`
}

type editRequest struct {
	Body string `json:"body"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.ID == "" {
		return auth.Principal{}, fmt.Errorf("%w: no subject", domain.ErrUnauthorized)
	}
	return p, nil
}

func messageID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: message %q", domain.ErrNotFound, raw)
	}
	return id, nil
}

func (h *Handler) listPresence(w http.ResponseWriter, r *http.Request) {
	recs, err := h.presence.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) upsertPresence(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req presenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	online := true
	if req.Online != nil {
		online = *req.Online
	}
	name := req.DisplayName
	if name == "" {
		name = p.Name
	}
	rec, err := h.presence.UpsertPresence(r.Context(), p.ID, name, req.AvatarRef, online)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.presence.Heartbeat(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) markOffline(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.presence.MarkOffline(r.Context(), p.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) currentTyping(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.typing.Current(p.ID))
}

func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req typingRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	name := req.UserName
	if name == "" {
		name = p.Name
	}
	sig, err := h.typing.SetTyping(r.Context(), p.ID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (h *Handler) clearTyping(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.typing.ClearTyping(r.Context(), p.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := repository.ListQuery{PinnedOnly: r.URL.Query().Get("pinned") == "true"}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
		q.Limit = limit
	}
	msgs, err := h.messages.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var content domain.Content
	if err := decode(r, &content); err != nil {
		writeError(w, err)
		return
	}
	if content.IdempotencyKey == "" {
		content.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	m, err := h.messages.Send(r.Context(), p.ID, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.messages.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req editRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.messages.Edit(r.Context(), id, p.ID, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.messages.Delete(r.Context(), id, p.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleReaction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reactionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.messages.React(r.Context(), id, p.ID, req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) setReaction(present bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principal(r)
		if err != nil {
			writeError(w, err)
			return
		}
		id, err := messageID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		emoji, err := url.PathUnescape(chi.URLParam(r, "emoji"))
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		m, err := h.messages.SetReaction(r.Context(), id, p.ID, emoji, present)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.messages.MarkRead)
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.messages.MarkDelivered)
}

func (h *Handler) pin(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.messages.Pin)
}

func (h *Handler) unpin(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.messages.Unpin)
}

type messageCommand func(ctx context.Context, id uuid.UUID, byID string) (*domain.Message, error)

// command runs a body-less message command on behalf of the caller.
func (h *Handler) command(w http.ResponseWriter, r *http.Request, fn messageCommand) {
	p, err := principal(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := messageID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := fn(r.Context(), id, p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) uploadBlob(w http.ResponseWriter, r *http.Request) {
	mimeType := r.Header.Get("Content-Type")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	info, err := h.blobs.Put(r.Context(), mimeType, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) downloadBlob(w http.ResponseWriter, r *http.Request) {
	ref, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	info, data, err := h.blobs.Get(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.ByteSize, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
