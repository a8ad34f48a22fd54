package storage

import (
	"context"
	"fmt"
	"time"
)

// Account is one pooled Google identity. Access tokens and refresh tokens
// are persisted here and must never be written to logs or usage records.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token"`
	TokenExpiry  time.Time `json:"token_expiry"`
	ProjectID    string    `json:"project_id"`
	Tier         string    `json:"tier"`
	QuotaScore   float64   `json:"quota_score"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// UsageRecord is one proxied request outcome. Append-only, best-effort.
type UsageRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Protocol       string    `json:"protocol"`
	Model          string    `json:"model"`
	AccountEmail   string    `json:"account_email"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	ErrorType      string    `json:"error_type,omitempty"`
}

// Backend is the persistence contract shared by all storage implementations.
type Backend interface {
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	GetAccount(ctx context.Context, id string) (*Account, error)
	PutAccount(ctx context.Context, account *Account) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccounts(ctx context.Context) ([]*Account, error)

	// UpdateCredential persists a refreshed access token without touching
	// the rest of the account record.
	UpdateCredential(ctx context.Context, id, accessToken string, expiry time.Time) error
	// UpdateMetadata persists the project id and subscription tier
	// discovered from the upstream.
	UpdateMetadata(ctx context.Context, id, projectID, tier string) error
	// UpdateQuotaScore persists the averaged remaining-quota fraction.
	UpdateQuotaScore(ctx context.Context, id string, score float64) error

	GetAlias(ctx context.Context, source string) (string, error)
	SetAlias(ctx context.Context, source, target string) error
	DeleteAlias(ctx context.Context, source string) error
	ListAliases(ctx context.Context) (map[string]string, error)

	AppendUsage(ctx context.Context, record UsageRecord) error
	RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error)
}

// ErrNotFound indicates a missing key.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
