// Package pairing issues and redeems the short-lived codes that link an
// external messaging-platform account to an internal user (spec.md §4.10).
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/pkg/models"
)

const (
	// codeLength is the number of characters in an issued code.
	codeLength = 8
	// codeAlphabet excludes visually ambiguous characters (0, O, 1, I).
	codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	// TTL is how long an issued code stays redeemable.
	TTL = 5 * time.Minute
	// maxPerHour bounds how many codes one user may be issued per hour.
	maxPerHour = 3
)

// ErrRateLimited indicates the user has already been issued maxPerHour codes
// in the past hour.
var ErrRateLimited = errors.New("pairing: rate limited")

// Service issues and redeems pairing codes against a storage.PairingStore.
type Service struct {
	store storage.PairingStore
	now   func() time.Time
}

// New returns a Service backed by store.
func New(store storage.PairingStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Issue generates a new code for userID, subject to the per-hour rate limit.
func (s *Service) Issue(ctx context.Context, userID string) (*models.PairingCode, error) {
	now := s.now()

	count, err := s.store.CountRecentByUser(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("pairing: count recent codes: %w", err)
	}
	if count >= maxPerHour {
		return nil, ErrRateLimited
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("pairing: generate code: %w", err)
		}
		rec := &models.PairingCode{
			Code:      code,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(TTL),
		}
		err = s.store.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		return nil, fmt.Errorf("pairing: create code: %w", err)
	}
	return nil, fmt.Errorf("pairing: could not generate a unique code after 5 attempts")
}

// Redeem validates and consumes code, returning the structured failure
// reasons spec.md §7 requires (storage.ErrNotFound, ErrCodeExpired,
// ErrCodeUsed, ErrAttemptsExceeded) unchanged.
func (s *Service) Redeem(ctx context.Context, code string) (*models.PairingCode, error) {
	return s.store.Redeem(ctx, code, s.now())
}

// RedeemAndLink validates and consumes code, then links acct to the code's
// owner, as a single atomic storage operation: a failed account link (an
// already-linked platform identity or user) leaves code unconsumed so the
// caller can retry with a fresh code instead of burning this one for
// nothing.
func (s *Service) RedeemAndLink(ctx context.Context, code string, acct *models.ExternalAccount) (*models.PairingCode, error) {
	return s.store.RedeemAndLink(ctx, code, s.now(), acct)
}

func generateCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, v := range b {
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(out), nil
}
