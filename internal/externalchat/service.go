// Package externalchat implements ExternalChatService: pairing-code
// issuance/redemption, inbound platform-message routing to the Orchestrator,
// and streamed response buffering back out to the platform (spec.md §4.10).
package externalchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentbridge/runtime/internal/agent"
	"github.com/agentbridge/runtime/internal/pairing"
	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/pkg/models"
)

// ErrNotPaired is returned by inbound routing when no external account is
// linked yet; callers should reply with the onboarding hint.
var ErrNotPaired = errors.New("externalchat: account not paired")

// Sender delivers buffered reply text to a single external recipient. The
// Telegram adapter's Send method satisfies this once bound to a chat id.
type Sender func(ctx context.Context, text string) error

// Config bounds Service behavior.
type Config struct {
	// InboundRatePerSecond and InboundBurst bound how fast one external
	// account may drive orchestrator turns, independent of the pairing
	// issuance rate limit (spec.md §5 shared-resource (b) covers issuance;
	// this is the inbound-message side of the same flood concern).
	InboundRatePerSecond float64
	InboundBurst         int

	Buffer BufferConfig
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InboundRatePerSecond <= 0 {
		c.InboundRatePerSecond = 1
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Service implements ExternalChatService.
type Service struct {
	cfg     Config
	pairing *pairing.Service
	stores  storage.StoreSet
	engine  *agent.Orchestrator

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Service. engine drives conversation turns; stores supply
// the account-link and conversation-history persistence.
func New(pairingSvc *pairing.Service, stores storage.StoreSet, engine *agent.Orchestrator, cfg Config) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		pairing:  pairingSvc,
		stores:   stores,
		engine:   engine,
		limiters: make(map[string]*rate.Limiter),
	}
}

// IssuePairingCode issues a fresh pairing code for userID (spec.md §4.10
// "Pairing issuance").
func (s *Service) IssuePairingCode(ctx context.Context, userID string) (*models.PairingCode, error) {
	return s.pairing.Issue(ctx, userID)
}

// RedeemPairingCode links platform/externalID to the user who owns code,
// per spec.md §4.10 "Pairing redemption": the code lookup, the
// already-linked checks, the account insert, and marking the code used all
// happen inside one atomic pairing.Service.RedeemAndLink call. If the
// account link collides with an existing (platform, external ID) or (user,
// platform) pair, the whole operation rolls back and the code is left
// unconsumed, rather than burning it with no account created.
func (s *Service) RedeemPairingCode(ctx context.Context, platform models.Platform, externalID, externalUsername, code string) (*models.ExternalAccount, error) {
	acct := &models.ExternalAccount{
		ID:                uuid.NewString(),
		Platform:          platform,
		ExternalID:        externalID,
		ExternalUsername:  externalUsername,
		PairedAt:          time.Now(),
	}
	if _, err := s.pairing.RedeemAndLink(ctx, code, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// ListAccounts returns every account linked to userID.
func (s *Service) ListAccounts(ctx context.Context, userID string) ([]*models.ExternalAccount, error) {
	return s.stores.Accounts.ListByUser(ctx, userID)
}

// UnlinkAccount removes a linked account. Callers must check ownership
// themselves (the HTTP layer does, via ListAccounts) since Delete is
// unconditional at the storage layer.
func (s *Service) UnlinkAccount(ctx context.Context, id string) error {
	return s.stores.Accounts.Delete(ctx, id)
}

// conversationKey builds the persistent-log key for a platform account, per
// spec.md §4.10 "external-{platform}-{external-id}".
func conversationKey(platform models.Platform, externalID string) string {
	return fmt.Sprintf("external-%s-%s", platform, externalID)
}

// HandleInbound routes one inbound platform message: resolves the paired
// account, loads conversation history, runs one Orchestrator turn, and
// streams the reply through a ResponseBuffer bound to send.
//
// Returns ErrNotPaired if no account is linked for (platform, externalID);
// callers reply with the onboarding hint in that case.
func (s *Service) HandleInbound(ctx context.Context, platform models.Platform, externalID string, text string, send Sender) error {
	if !s.allow(platform, externalID) {
		return nil // dropped: inbound flood guard (spec.md §5 shared-resource (b))
	}

	acct, err := s.stores.Accounts.GetByPlatformExternalID(ctx, platform, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotPaired
		}
		return fmt.Errorf("externalchat: look up account: %w", err)
	}

	key := conversationKey(platform, externalID)
	history, err := s.stores.Convolog.Load(ctx, key, 0)
	if err != nil {
		return fmt.Errorf("externalchat: load history: %w", err)
	}

	userMsg := models.NewTextMessage(models.RoleUser, text)
	messages := append(append([]models.Message{}, history...), userMsg)

	buf := NewResponseBuffer(func(part string) error {
		return send(ctx, part)
	}, s.cfg.Buffer)
	defer buf.Destroy()

	result := s.engine.Run(ctx, messages, nil, func(c agent.Chunk) {
		if c.Kind == agent.ChunkContent && c.Content != "" {
			buf.Add(c.Content)
		}
	})
	buf.Flush()

	if err := s.stores.Convolog.Append(ctx, key, userMsg); err != nil {
		s.cfg.Logger.Warn("externalchat: append inbound message failed", slog.Any("error", err))
	}
	if err := s.stores.Convolog.Append(ctx, key, result.Final); err != nil {
		s.cfg.Logger.Warn("externalchat: append assistant message failed", slog.Any("error", err))
	}
	if err := s.stores.Accounts.TouchLastMessage(ctx, acct.ID, time.Now()); err != nil {
		s.cfg.Logger.Warn("externalchat: touch last-message failed", slog.Any("error", err))
	}
	return nil
}

// ParsePairCommand extracts a pairing code from a "/pair CODE" message.
// Returns ok=false if text isn't a pair command.
func ParsePairCommand(text string) (code string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "/pair") {
		return "", false
	}
	return strings.ToUpper(fields[1]), true
}

// allow reports whether platform/externalID may drive another orchestrator
// turn right now, per its own token bucket (spec.md §4.11's sibling
// rate-limit concern for inbound flood rather than pairing issuance).
func (s *Service) allow(platform models.Platform, externalID string) bool {
	key := conversationKey(platform, externalID)
	s.limitersMu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.InboundRatePerSecond), s.cfg.InboundBurst)
		s.limiters[key] = l
	}
	s.limitersMu.Unlock()
	return l.Allow()
}
