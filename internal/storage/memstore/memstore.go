// Package memstore provides in-memory implementations of the storage
// interfaces, suitable for tests and single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/pkg/models"
)

// WebhookStore is an in-memory storage.WebhookStore.
type WebhookStore struct {
	mu   sync.RWMutex
	recs map[string]*models.WebhookRecord
}

// NewWebhookStore returns an empty in-memory webhook store.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{recs: make(map[string]*models.WebhookRecord)}
}

func (s *WebhookStore) Create(ctx context.Context, rec *models.WebhookRecord) error {
	if rec == nil || rec.WorkflowID == "" {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.WorkflowID] = rec
	return nil
}

func (s *WebhookStore) Get(ctx context.Context, workflowID string) (*models.WebhookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[workflowID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *WebhookStore) Delete(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, workflowID)
	return nil
}

func (s *WebhookStore) ListAll(ctx context.Context) ([]*models.WebhookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WebhookRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

// PairingStore is an in-memory storage.PairingStore. Redeem is guarded by
// the same mutex as every other operation, so the "exactly one concurrent
// redeemer succeeds" invariant holds trivially: no two Redeem calls ever
// execute their check-then-mutate sequence concurrently.
type PairingStore struct {
	mu       sync.Mutex
	codes    map[string]*models.PairingCode
	accounts *ExternalAccountStore
}

// NewPairingStore returns an empty in-memory pairing store. accounts is the
// external-account store RedeemAndLink creates into atomically with the
// code redemption.
func NewPairingStore(accounts *ExternalAccountStore) *PairingStore {
	return &PairingStore{codes: make(map[string]*models.PairingCode), accounts: accounts}
}

func (s *PairingStore) Create(ctx context.Context, code *models.PairingCode) error {
	if code == nil || code.Code == "" {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAlreadyExists
	}
	s.codes[code.Code] = code
	return nil
}

func (s *PairingStore) Redeem(ctx context.Context, code string, now time.Time) (*models.PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.checkLocked(code, now)
	if err != nil {
		return rec, err
	}

	rec.Used = true
	return rec, nil
}

// checkLocked validates code against the usual redemption rules. Callers
// must hold s.mu. It never mutates rec.Used; callers decide when the code
// actually becomes consumed.
func (s *PairingStore) checkLocked(code string, now time.Time) (*models.PairingCode, error) {
	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.Attempts >= 5 {
		return rec, storage.ErrAttemptsExceeded
	}
	if rec.Used {
		rec.Attempts++
		return rec, storage.ErrCodeUsed
	}
	if !now.Before(rec.ExpiresAt) {
		rec.Attempts++
		return rec, storage.ErrCodeExpired
	}
	return rec, nil
}

// RedeemAndLink atomically redeems code and creates acct in a single
// critical section spanning both this store's mutex and the linked
// ExternalAccountStore's mutex (always acquired in that order, so no other
// code path can observe the code burned without the account existing, or
// vice versa). If the account insert fails its uniqueness check, the code
// is left unconsumed: the caller can retry pairing with a fresh code.
func (s *PairingStore) RedeemAndLink(ctx context.Context, code string, now time.Time, acct *models.ExternalAccount) (*models.PairingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.checkLocked(code, now)
	if err != nil {
		return rec, err
	}

	acct.UserID = rec.UserID
	s.accounts.mu.Lock()
	err = s.accounts.createLocked(acct)
	s.accounts.mu.Unlock()
	if err != nil {
		return rec, err
	}

	rec.Used = true
	return rec, nil
}

func (s *PairingStore) CountRecentByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.codes {
		if c.UserID == userID && c.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// ExternalAccountStore is an in-memory storage.ExternalAccountStore.
type ExternalAccountStore struct {
	mu       sync.Mutex
	byID     map[string]*models.ExternalAccount
	byPlatID map[models.Platform]map[string]string // platform -> external_id -> account id
	byUserP  map[string]map[models.Platform]string // user id -> platform -> account id
}

// NewExternalAccountStore returns an empty in-memory external-account store.
func NewExternalAccountStore() *ExternalAccountStore {
	return &ExternalAccountStore{
		byID:     make(map[string]*models.ExternalAccount),
		byPlatID: make(map[models.Platform]map[string]string),
		byUserP:  make(map[string]map[models.Platform]string),
	}
}

func (s *ExternalAccountStore) Create(ctx context.Context, acct *models.ExternalAccount) error {
	if acct == nil || acct.ID == "" {
		return storage.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(acct)
}

// createLocked performs the uniqueness checks and insert. Callers must hold
// s.mu; this lets RedeemAndLink fold it into a larger critical section that
// also covers the pairing store.
func (s *ExternalAccountStore) createLocked(acct *models.ExternalAccount) error {
	if platMap, ok := s.byPlatID[acct.Platform]; ok {
		if _, exists := platMap[acct.ExternalID]; exists {
			return storage.ErrAlreadyLinked
		}
	}
	if userMap, ok := s.byUserP[acct.UserID]; ok {
		if _, exists := userMap[acct.Platform]; exists {
			return storage.ErrAlreadyLinked
		}
	}

	s.byID[acct.ID] = acct
	if s.byPlatID[acct.Platform] == nil {
		s.byPlatID[acct.Platform] = make(map[string]string)
	}
	s.byPlatID[acct.Platform][acct.ExternalID] = acct.ID
	if s.byUserP[acct.UserID] == nil {
		s.byUserP[acct.UserID] = make(map[models.Platform]string)
	}
	s.byUserP[acct.UserID][acct.Platform] = acct.ID
	return nil
}

func (s *ExternalAccountStore) GetByPlatformExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPlatID[platform][externalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *ExternalAccountStore) GetByUserPlatform(ctx context.Context, userID string, platform models.Platform) (*models.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUserP[userID][platform]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *ExternalAccountStore) Get(ctx context.Context, id string) (*models.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return acct, nil
}

func (s *ExternalAccountStore) ListByUser(ctx context.Context, userID string) ([]*models.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ExternalAccount, 0, len(s.byUserP[userID]))
	for _, id := range s.byUserP[userID] {
		out = append(out, s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out, nil
}

func (s *ExternalAccountStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	delete(s.byPlatID[acct.Platform], acct.ExternalID)
	delete(s.byUserP[acct.UserID], acct.Platform)
	return nil
}

func (s *ExternalAccountStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at
	acct.LastMessageAt = &t
	return nil
}

// ConversationLogStore is an in-memory storage.ConversationLogStore.
type ConversationLogStore struct {
	mu  sync.RWMutex
	log map[string][]models.Message
}

// NewConversationLogStore returns an empty in-memory conversation log store.
func NewConversationLogStore() *ConversationLogStore {
	return &ConversationLogStore{log: make(map[string][]models.Message)}
}

func (s *ConversationLogStore) Append(ctx context.Context, conversationKey string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log[conversationKey] = append(s.log[conversationKey], msg)
	return nil
}

func (s *ConversationLogStore) Load(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.log[conversationKey]
	if limit <= 0 || limit >= len(all) {
		out := make([]models.Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]models.Message, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}
