package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/atlasju/Antigravity-Proxy/internal/storage/migrations"
)

// PostgresBackend stores everything relationally. Schema is managed with
// embedded migrations applied on Initialize.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) Initialize(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return migrations.Up(p.db)
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const accountColumns = `id, email, refresh_token, access_token, token_expiry, project_id, tier, quota_score, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var account Account
	var expiry sql.NullTime
	err := row.Scan(
		&account.ID, &account.Email, &account.RefreshToken, &account.AccessToken,
		&expiry, &account.ProjectID, &account.Tier, &account.QuotaScore,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		account.TokenExpiry = expiry.Time
	}
	return &account, nil
}

func (p *PostgresBackend) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Key: id}
		}
		return nil, err
	}
	return account, nil
}

func (p *PostgresBackend) PutAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	account.UpdatedAt = now
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			refresh_token = EXCLUDED.refresh_token,
			access_token = EXCLUDED.access_token,
			token_expiry = EXCLUDED.token_expiry,
			project_id = EXCLUDED.project_id,
			tier = EXCLUDED.tier,
			quota_score = EXCLUDED.quota_score,
			updated_at = EXCLUDED.updated_at`,
		account.ID, account.Email, account.RefreshToken, account.AccessToken,
		nullTime(account.TokenExpiry), account.ProjectID, account.Tier,
		account.QuotaScore, account.CreatedAt, account.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) DeleteAccount(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

func (p *PostgresBackend) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (p *PostgresBackend) UpdateCredential(ctx context.Context, id, accessToken string, expiry time.Time) error {
	return p.targetedUpdate(ctx, id,
		`UPDATE accounts SET access_token = $2, token_expiry = $3, updated_at = now() WHERE id = $1`,
		id, accessToken, nullTime(expiry))
}

func (p *PostgresBackend) UpdateMetadata(ctx context.Context, id, projectID, tier string) error {
	return p.targetedUpdate(ctx, id,
		`UPDATE accounts SET project_id = $2, tier = $3, updated_at = now() WHERE id = $1`,
		id, projectID, tier)
}

func (p *PostgresBackend) UpdateQuotaScore(ctx context.Context, id string, score float64) error {
	return p.targetedUpdate(ctx, id,
		`UPDATE accounts SET quota_score = $2, updated_at = now() WHERE id = $1`,
		id, score)
}

func (p *PostgresBackend) targetedUpdate(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: id}
	}
	return nil
}

func (p *PostgresBackend) GetAlias(ctx context.Context, source string) (string, error) {
	var target string
	err := p.db.QueryRowContext(ctx,
		`SELECT target_model FROM model_aliases WHERE source_model = $1`, source).Scan(&target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", &ErrNotFound{Key: source}
		}
		return "", err
	}
	return target, nil
}

func (p *PostgresBackend) SetAlias(ctx context.Context, source, target string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO model_aliases (source_model, target_model) VALUES ($1, $2)
		ON CONFLICT (source_model) DO UPDATE SET target_model = EXCLUDED.target_model`,
		source, target)
	return err
}

func (p *PostgresBackend) DeleteAlias(ctx context.Context, source string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM model_aliases WHERE source_model = $1`, source)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Key: source}
	}
	return nil
}

func (p *PostgresBackend) ListAliases(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT source_model, target_model FROM model_aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aliases := map[string]string{}
	for rows.Next() {
		var source, target string
		if err := rows.Scan(&source, &target); err != nil {
			return nil, err
		}
		aliases[source] = target
	}
	return aliases, rows.Err()
}

func (p *PostgresBackend) AppendUsage(ctx context.Context, record UsageRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (ts, protocol, model, account_email, success, status_code, response_time_ms, error_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.Timestamp, record.Protocol, record.Model, record.AccountEmail,
		record.Success, record.StatusCode, record.ResponseTimeMS, record.ErrorType)
	return err
}

func (p *PostgresBackend) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT ts, protocol, model, account_email, success, status_code, response_time_ms, error_type
		FROM usage_records ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var record UsageRecord
		if err := rows.Scan(&record.Timestamp, &record.Protocol, &record.Model,
			&record.AccountEmail, &record.Success, &record.StatusCode,
			&record.ResponseTimeMS, &record.ErrorType); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	// Newest-first from the query; return chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
