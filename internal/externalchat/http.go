package externalchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/agentbridge/runtime/internal/channels/telegram"
	"github.com/agentbridge/runtime/internal/pairing"
	"github.com/agentbridge/runtime/pkg/models"
)

// HTTPConfig wires the HTTP surface in spec.md §6 to a Service.
type HTTPConfig struct {
	Service     *Service
	Telegram    *telegram.Adapter
	SecretToken string // TELEGRAM_WEBHOOK_SECRET_TOKEN; empty accepts any request (dev mode)
	TunnelURL   func() string
}

// Handler serves the external-chat HTTP surface. Per spec.md §14,
// authentication is "treating bearer tokens as opaque principals" — the
// bearer token value itself is the user id, with no further verification.
type Handler struct {
	cfg HTTPConfig
}

// NewHandler returns a Handler for cfg; Register mounts its routes.
func NewHandler(cfg HTTPConfig) *Handler {
	return &Handler{cfg: cfg}
}

// Register mounts every external-chat route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /external-chat/pair", h.handlePair)
	mux.HandleFunc("GET /external-chat/accounts", h.handleListAccounts)
	mux.HandleFunc("DELETE /external-chat/accounts/{id}", h.handleDeleteAccount)
	mux.HandleFunc("POST /external-chat/telegram/webhook", h.handleTelegramWebhook)
	mux.HandleFunc("GET /external-chat/status", h.handleStatus)
}

func principal(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	userID, ok := principal(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	code, err := h.cfg.Service.IssuePairingCode(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pairing.ErrRateLimited) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code.Code,
		"expires_at": code.ExpiresAt,
		"expires_in": int(time.Until(code.ExpiresAt).Seconds()),
	})
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := principal(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	accounts, err := h.cfg.Service.ListAccounts(r.Context(), userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := principal(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")

	accounts, err := h.cfg.Service.ListAccounts(r.Context(), userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	owned := false
	for _, acct := range accounts {
		if acct.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := h.cfg.Service.UnlinkAccount(r.Context(), id); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTelegramWebhook always returns 200 regardless of outcome, per
// spec.md §6 "processing is asynchronous to avoid platform retries" — the
// body is decoded before responding, and the decoded update is routed in
// the background.
func (h *Handler) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SecretToken != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.SecretToken)) != 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	var update tgmodels.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)

	go h.routeTelegramUpdate(&update)
}

func (h *Handler) routeTelegramUpdate(update *tgmodels.Update) {
	inbound, ok := h.cfg.Telegram.HandleUpdate(update)
	if !ok {
		return
	}
	ctx := context.Background()
	externalID := formatChatID(inbound.FromUserID)
	text := inbound.Message.Text()

	if code, isPair := ParsePairCommand(text); isPair {
		if _, err := h.cfg.Service.RedeemPairingCode(ctx, models.PlatformTelegram, externalID, inbound.Username, code); err != nil {
			_ = h.cfg.Telegram.Send(ctx, inbound.ChatID, "That code didn't work — it may be wrong, expired, or already used.")
			return
		}
		_ = h.cfg.Telegram.Send(ctx, inbound.ChatID, "You're paired. Send me a message any time.")
		return
	}

	sender := func(ctx context.Context, part string) error {
		return h.cfg.Telegram.Send(ctx, inbound.ChatID, part)
	}
	if err := h.cfg.Service.HandleInbound(ctx, models.PlatformTelegram, externalID, text, sender); err != nil {
		if errors.Is(err, ErrNotPaired) {
			_ = h.cfg.Telegram.Send(ctx, inbound.ChatID, "Link your account first by running /pair CODE, where CODE comes from the app.")
		}
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tunnelURL := ""
	if h.cfg.TunnelURL != nil {
		tunnelURL = h.cfg.TunnelURL()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":  h.cfg.Telegram != nil,
		"active":      h.cfg.Telegram != nil,
		"webhook_url": tunnelURL,
	})
}

func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
