package models

import "time"

// PairingCode links a short-lived secret to the user who requested it so an
// external platform account can be paired.
//
// Invariant: a code is redeemable iff now < ExpiresAt && !Used && Attempts < 5.
// A code is kept after it is redeemed (Used is set) or expires; neither
// memstore nor pgstore deletes pairing codes.
type PairingCode struct {
	Code      string    `json:"code"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
	Used      bool      `json:"used"`
}

// Redeemable reports whether the code can still be exchanged for a pairing,
// evaluated against now.
func (p PairingCode) Redeemable(now time.Time) bool {
	return now.Before(p.ExpiresAt) && !p.Used && p.Attempts < 5
}

// ExternalAccount links an internal user to an account on an external
// messaging platform.
//
// Invariant: (Platform, ExternalID) is globally unique; (UserID, Platform)
// is unique in v1 (one linked account per platform per user).
type ExternalAccount struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Platform         Platform   `json:"platform"`
	ExternalID       string     `json:"external_id"`
	ExternalUsername string     `json:"external_username,omitempty"`
	PairedAt         time.Time  `json:"paired_at"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
}

// ConversationLogEntry is one persisted message within a conversation log,
// keyed by an arbitrary conversation key (e.g. "external-telegram-12345").
type ConversationLogEntry struct {
	ConversationKey string    `json:"conversation_key"`
	Sequence        int64     `json:"sequence"`
	Message         Message   `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
}
