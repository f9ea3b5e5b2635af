// Package storage defines the persistence contracts for webhook records,
// pairing codes, external-account links, and conversation logs, plus
// in-memory and PostgreSQL-backed implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentbridge/runtime/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Pairing redemption failure reasons (spec.md §7), returned alongside
	// ErrNotFound-shaped sentinels so callers can map to the structured
	// failure reasons the pairing HTTP surface exposes.
	ErrCodeExpired      = errors.New("code_expired")
	ErrCodeUsed         = errors.New("code_used")
	ErrAttemptsExceeded = errors.New("attempts_exceeded")
	ErrAlreadyLinked    = errors.New("already_linked")
)

// WebhookStore persists WebhookRegistry records (spec.md §4.8, §6).
type WebhookStore interface {
	Create(ctx context.Context, rec *models.WebhookRecord) error
	Get(ctx context.Context, workflowID string) (*models.WebhookRecord, error)
	Delete(ctx context.Context, workflowID string) error
	ListAll(ctx context.Context) ([]*models.WebhookRecord, error)
}

// PairingStore persists pairing codes (spec.md §4.10).
type PairingStore interface {
	// Create inserts a new code. Returns ErrAlreadyExists if the code value
	// collides (astronomically unlikely at 8 chars from a 32-symbol
	// alphabet, but the store still enforces uniqueness).
	Create(ctx context.Context, code *models.PairingCode) error

	// Redeem atomically validates and consumes a code at time now: finds
	// the code, checks Redeemable(now), and either marks it used or
	// increments Attempts, all within one transaction so two concurrent
	// redeemers of the same code cannot both succeed. Every failed
	// redemption of an existing code (already used or expired) increments
	// Attempts; once Attempts reaches 5, further redemptions return
	// ErrAttemptsExceeded without revealing which check failed.
	//
	// Returns the code as it existed at the redemption decision plus one of:
	// nil (success, code now marked used), ErrNotFound, ErrCodeExpired,
	// ErrCodeUsed, or ErrAttemptsExceeded.
	Redeem(ctx context.Context, code string, now time.Time) (*models.PairingCode, error)

	// CountRecentByUser returns how many codes userID has been issued since
	// since, for the 3-codes/hour rate limit.
	CountRecentByUser(ctx context.Context, userID string, since time.Time) (int, error)

	// RedeemAndLink performs the full pairing-redemption sequence as one
	// atomic operation: validate and consume code exactly as Redeem does,
	// then — only if that succeeds — create acct (with acct.UserID set from
	// the redeemed code's owner), enforcing the same dual-uniqueness check
	// as ExternalAccountStore.Create. If the account insert fails, the whole
	// operation rolls back and the code is left unconsumed, so a caller
	// whose account link collided can still retry pairing with a fresh
	// code. Returns the code plus nil, ErrNotFound, ErrCodeExpired,
	// ErrCodeUsed, ErrAttemptsExceeded, or ErrAlreadyLinked.
	RedeemAndLink(ctx context.Context, code string, now time.Time, acct *models.ExternalAccount) (*models.PairingCode, error)
}

// ExternalAccountStore persists external-account links (spec.md §4.10).
type ExternalAccountStore interface {
	// Create enforces both uniqueness invariants atomically: no existing
	// (Platform, ExternalID) link and no existing (UserID, Platform) link.
	// Returns ErrAlreadyLinked if either check fails.
	Create(ctx context.Context, acct *models.ExternalAccount) error
	GetByPlatformExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.ExternalAccount, error)
	GetByUserPlatform(ctx context.Context, userID string, platform models.Platform) (*models.ExternalAccount, error)
	Get(ctx context.Context, id string) (*models.ExternalAccount, error)
	ListByUser(ctx context.Context, userID string) ([]*models.ExternalAccount, error)
	Delete(ctx context.Context, id string) error
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

// ConversationLogStore persists and replays per-conversation message
// history, keyed by an opaque conversation key such as
// "external-telegram-12345".
type ConversationLogStore interface {
	Append(ctx context.Context, conversationKey string, msg models.Message) error
	Load(ctx context.Context, conversationKey string, limit int) ([]models.Message, error)
}

// StoreSet groups the storage dependencies the external-chat and webhook
// subsystems need.
type StoreSet struct {
	Webhooks WebhookStore
	Pairing  PairingStore
	Accounts ExternalAccountStore
	Convolog ConversationLogStore
	closer   func() error
}

// Close calls the StoreSet's closer, if one is set, and returns its error.
// No constructor sets closer, so Close returns nil without releasing
// anything; the connection pool opened by pgstore.New stays open.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
