// Package pgstore implements the storage interfaces against PostgreSQL via
// pgx, with schema migrations applied through golang-migrate.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentbridge/runtime/internal/storage"
	"github.com/agentbridge/runtime/pkg/models"
)

// pgUniqueViolation is the Postgres error code for a unique-constraint
// violation (23505), raised by the unique indexes on
// (platform, external_id) and (user_id, platform) and by the
// pairing_codes primary key.
const pgUniqueViolation = "23505"

// Config bounds the connection pool.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// New opens a pgx pool and returns a storage.StoreSet backed by it. Callers
// are expected to have already applied migrations (see Migrate).
func New(ctx context.Context, cfg Config) (storage.StoreSet, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return storage.StoreSet{}, fmt.Errorf("pgstore: ping: %w", err)
	}

	return storage.StoreSet{
		Webhooks: &webhookStore{pool: pool},
		Pairing:  &pairingStore{pool: pool},
		Accounts: &externalAccountStore{pool: pool},
		Convolog: &conversationLogStore{pool: pool},
	}, nil
}

type webhookStore struct{ pool *pgxpool.Pool }

func (s *webhookStore) Create(ctx context.Context, rec *models.WebhookRecord) error {
	if rec == nil || rec.WorkflowID == "" {
		return fmt.Errorf("pgstore: workflow id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (workflow_id, user_id, method, auth_type, response_mode, response_template, response_content_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (workflow_id) DO UPDATE SET
			method = EXCLUDED.method, auth_type = EXCLUDED.auth_type,
			response_mode = EXCLUDED.response_mode, response_template = EXCLUDED.response_template,
			response_content_type = EXCLUDED.response_content_type`,
		rec.WorkflowID, rec.UserID, rec.Method, rec.AuthType, rec.ResponseMode, rec.ResponseTemplate, rec.ResponseContentType, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: create webhook: %w", err)
	}
	return nil
}

func (s *webhookStore) Get(ctx context.Context, workflowID string) (*models.WebhookRecord, error) {
	var rec models.WebhookRecord
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, user_id, method, auth_type, response_mode, response_template, response_content_type, created_at
		FROM webhooks WHERE workflow_id = $1`, workflowID,
	).Scan(&rec.WorkflowID, &rec.UserID, &rec.Method, &rec.AuthType, &rec.ResponseMode, &rec.ResponseTemplate, &rec.ResponseContentType, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get webhook: %w", err)
	}
	return &rec, nil
}

func (s *webhookStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("pgstore: delete webhook: %w", err)
	}
	return nil
}

func (s *webhookStore) ListAll(ctx context.Context) ([]*models.WebhookRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, user_id, method, auth_type, response_mode, response_template, response_content_type, created_at
		FROM webhooks ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookRecord
	for rows.Next() {
		var rec models.WebhookRecord
		if err := rows.Scan(&rec.WorkflowID, &rec.UserID, &rec.Method, &rec.AuthType, &rec.ResponseMode, &rec.ResponseTemplate, &rec.ResponseContentType, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan webhook: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type pairingStore struct{ pool *pgxpool.Pool }

func (s *pairingStore) Create(ctx context.Context, code *models.PairingCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pairing_codes (code, user_id, created_at, expires_at, attempts, used)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		code.Code, code.UserID, code.CreatedAt, code.ExpiresAt, code.Attempts, code.Used)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("pgstore: create pairing code: %w", err)
	}
	return nil
}

// Redeem runs the check-then-mutate sequence inside a SELECT ... FOR UPDATE
// transaction so two concurrent redeemers of the same code serialize on the
// row lock: only the first to acquire it observes Used=false.
func (s *pairingStore) Redeem(ctx context.Context, code string, now time.Time) (*models.PairingCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin redeem: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockAndValidate(ctx, tx, code, now)
	if err != nil {
		return rec, err
	}

	if _, err := tx.Exec(ctx, `UPDATE pairing_codes SET used = true WHERE code = $1`, code); err != nil {
		return nil, fmt.Errorf("pgstore: mark pairing code used: %w", err)
	}
	rec.Used = true

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit redeem: %w", err)
	}
	return rec, nil
}

// RedeemAndLink extends Redeem's transaction to also insert the linked
// external account, so the code is only ever marked used in the same
// commit that creates the account: a unique-violation on the insert rolls
// back the whole transaction, leaving the code unconsumed.
func (s *pairingStore) RedeemAndLink(ctx context.Context, code string, now time.Time, acct *models.ExternalAccount) (*models.PairingCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin redeem: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockAndValidate(ctx, tx, code, now)
	if err != nil {
		return rec, err
	}

	acct.UserID = rec.UserID
	_, err = tx.Exec(ctx, `
		INSERT INTO external_accounts (id, user_id, platform, external_id, external_username, paired_at, last_message_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		acct.ID, acct.UserID, acct.Platform, acct.ExternalID, acct.ExternalUsername, acct.PairedAt, acct.LastMessageAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return rec, storage.ErrAlreadyLinked
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: link external account: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE pairing_codes SET used = true WHERE code = $1`, code); err != nil {
		return nil, fmt.Errorf("pgstore: mark pairing code used: %w", err)
	}
	rec.Used = true

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit redeem and link: %w", err)
	}
	return rec, nil
}

// lockAndValidate selects the pairing code row FOR UPDATE within tx and
// checks it against the usual redemption rules. For the used and expired
// branches it also records the failed attempt and commits tx itself, since
// those branches never touch account linking; the attempts-exceeded branch
// returns without writing. On success it returns the row with Used still
// false and leaves tx open for the caller to extend.
func lockAndValidate(ctx context.Context, tx pgx.Tx, code string, now time.Time) (*models.PairingCode, error) {
	var rec models.PairingCode
	err := tx.QueryRow(ctx, `
		SELECT code, user_id, created_at, expires_at, attempts, used
		FROM pairing_codes WHERE code = $1 FOR UPDATE`, code,
	).Scan(&rec.Code, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt, &rec.Attempts, &rec.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: lock pairing code: %w", err)
	}

	switch {
	case rec.Attempts >= 5:
		return &rec, storage.ErrAttemptsExceeded
	case rec.Used:
		if _, err := tx.Exec(ctx, `UPDATE pairing_codes SET attempts = attempts + 1 WHERE code = $1`, code); err != nil {
			return nil, fmt.Errorf("pgstore: record failed attempt: %w", err)
		}
		rec.Attempts++
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("pgstore: commit failed attempt: %w", err)
		}
		return &rec, storage.ErrCodeUsed
	case !now.Before(rec.ExpiresAt):
		if _, err := tx.Exec(ctx, `UPDATE pairing_codes SET attempts = attempts + 1 WHERE code = $1`, code); err != nil {
			return nil, fmt.Errorf("pgstore: record failed attempt: %w", err)
		}
		rec.Attempts++
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("pgstore: commit failed attempt: %w", err)
		}
		return &rec, storage.ErrCodeExpired
	}

	return &rec, nil
}

func (s *pairingStore) CountRecentByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM pairing_codes WHERE user_id = $1 AND created_at > $2`, userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count pairing codes: %w", err)
	}
	return count, nil
}

type externalAccountStore struct{ pool *pgxpool.Pool }

func (s *externalAccountStore) Create(ctx context.Context, acct *models.ExternalAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO external_accounts (id, user_id, platform, external_id, external_username, paired_at, last_message_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		acct.ID, acct.UserID, acct.Platform, acct.ExternalID, acct.ExternalUsername, acct.PairedAt, acct.LastMessageAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return storage.ErrAlreadyLinked
	}
	if err != nil {
		return fmt.Errorf("pgstore: create external account: %w", err)
	}
	return nil
}

func (s *externalAccountStore) GetByPlatformExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.ExternalAccount, error) {
	return s.scanOne(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE platform = $1 AND external_id = $2`, platform, externalID)
}

func (s *externalAccountStore) GetByUserPlatform(ctx context.Context, userID string, platform models.Platform) (*models.ExternalAccount, error) {
	return s.scanOne(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE user_id = $1 AND platform = $2`, userID, platform)
}

func (s *externalAccountStore) Get(ctx context.Context, id string) (*models.ExternalAccount, error) {
	return s.scanOne(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE id = $1`, id)
}

func (s *externalAccountStore) scanOne(ctx context.Context, query string, args ...any) (*models.ExternalAccount, error) {
	var acct models.ExternalAccount
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&acct.ID, &acct.UserID, &acct.Platform, &acct.ExternalID, &acct.ExternalUsername, &acct.PairedAt, &acct.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get external account: %w", err)
	}
	return &acct, nil
}

func (s *externalAccountStore) ListByUser(ctx context.Context, userID string) ([]*models.ExternalAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, platform, external_id, external_username, paired_at, last_message_at
		FROM external_accounts WHERE user_id = $1 ORDER BY paired_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list external accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.ExternalAccount
	for rows.Next() {
		var acct models.ExternalAccount
		if err := rows.Scan(&acct.ID, &acct.UserID, &acct.Platform, &acct.ExternalID, &acct.ExternalUsername, &acct.PairedAt, &acct.LastMessageAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan external account: %w", err)
		}
		out = append(out, &acct)
	}
	return out, rows.Err()
}

func (s *externalAccountStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM external_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete external account: %w", err)
	}
	return nil
}

func (s *externalAccountStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE external_accounts SET last_message_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("pgstore: touch external account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type conversationLogStore struct{ pool *pgxpool.Pool }

func (s *conversationLogStore) Append(ctx context.Context, conversationKey string, msg models.Message) error {
	body, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("pgstore: marshal message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_logs (conversation_key, sequence, body, created_at)
		VALUES ($1, nextval('conversation_log_seq'), $2, now())`, conversationKey, body)
	if err != nil {
		return fmt.Errorf("pgstore: append conversation log: %w", err)
	}
	return nil
}

func (s *conversationLogStore) Load(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	query := `SELECT body FROM conversation_logs WHERE conversation_key = $1 ORDER BY sequence`
	args := []any{conversationKey}
	if limit > 0 {
		query += ` DESC LIMIT $2`
		args = []any{conversationKey, limit}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load conversation log: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("pgstore: scan conversation log: %w", err)
		}
		msg, err := unmarshalMessage(body)
		if err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, rows.Err()
}
