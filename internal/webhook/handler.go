// Package webhook adapts already-verified HTTP requests onto the
// subscription service. Signature verification and platform-specific
// reply payloads are handled upstream; this handler only speaks a
// small JSON protocol.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sor4chi/feed-worker/internal/model"
	"github.com/sor4chi/feed-worker/internal/subscription"
)

// Request is the decoded command payload.
type Request struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	Command   string `json:"command"`
	URL       string `json:"url,omitempty"`
	ID        string `json:"id,omitempty"`
}

// Response is the structured outcome returned to the reply layer.
type Response struct {
	OK            bool                 `json:"ok"`
	Message       string               `json:"message,omitempty"`
	Subscription  *model.Subscription  `json:"subscription,omitempty"`
	Subscriptions []model.Subscription `json:"subscriptions,omitempty"`
}

// Handler serves the feed management webhook.
type Handler struct {
	svc *subscription.Service
	log *slog.Logger
}

// New creates a Handler over the subscription service.
func New(svc *subscription.Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.GuildID == "" {
		http.Error(w, "guildId is required", http.StatusBadRequest)
		return
	}

	resp, err := h.dispatch(r.Context(), req)
	if err != nil {
		h.log.Error("webhook command", "command", req.Command, "guild_id", req.GuildID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("encode response", "error", err)
	}
}

func (h *Handler) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Command {
	case "subscribe":
		out, err := h.svc.Subscribe(ctx, req.GuildID, req.ChannelID, req.URL)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: out.OK, Message: out.Message, Subscription: out.Subscription}, nil
	case "unsubscribe":
		out, err := h.svc.Unsubscribe(ctx, req.GuildID, req.ID)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: out.OK, Message: out.Message, Subscription: out.Subscription}, nil
	case "list":
		subs, err := h.svc.List(ctx, req.GuildID)
		if err != nil {
			return Response{}, err
		}
		return Response{OK: true, Subscriptions: subs}, nil
	default:
		return Response{Message: "unknown command"}, nil
	}
}
