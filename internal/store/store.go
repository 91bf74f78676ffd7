package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotConnected  = errors.New("not connected to store")
)

// MessageStatus is the lifecycle state of an outbound message.
type MessageStatus string

const (
	StatusQueued      MessageStatus = "queued"
	StatusInProgress  MessageStatus = "in_progress"
	StatusDelivered   MessageStatus = "delivered"
	StatusBouncedSoft MessageStatus = "bounced_soft"
	StatusBouncedHard MessageStatus = "bounced_hard"
	StatusBlocked     MessageStatus = "blocked"
	StatusFailed      MessageStatus = "failed"
)

// Terminal reports whether a status is final. Terminal statuses are
// immutable once reached.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusBouncedHard, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Message is the durable record of an outbound message. The store is
// the source of truth for message state; the redis queue holds only
// message ids and is rebuilt from here on startup.
type Message struct {
	ID            string
	TenantID      string
	Domain        string
	From          string
	Recipient     string
	Headers       map[string][]string
	Body          []byte
	Status        MessageStatus
	Priority      int
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attempt is an append-only record of one delivery attempt.
type Attempt struct {
	ID         string
	MessageID  string
	MXHost     string
	Code       int
	Response   string
	BounceType string // hard, block, soft; empty when delivered
	CreatedAt  time.Time
}

// SuppressionEntry is a durable do-not-send record. TenantID is empty
// for global entries.
type SuppressionEntry struct {
	TenantID  string
	Address   string
	Type      string // bounce, complaint, manual
	Reason    string
	CreatedAt time.Time
}

// ReputationSnapshot is an append-only reputation computation result.
type ReputationSnapshot struct {
	ID          string
	TenantID    string
	WindowStart time.Time
	WindowEnd   time.Time
	Sent        int64
	Delivered   int64
	Bounced     int64
	Complained  int64
	BounceRate  float64
	Status      string // good, warning, poor, critical
	CreatedAt   time.Time
}

// SigningKey holds the DKIM key pair for a sending domain.
type SigningKey struct {
	Domain     string
	Selector   string
	PrivatePEM string
	PublicPEM  string
	CreatedAt  time.Time
}

// Tenant is the read model consumed by the tenant context provider.
// Tenants are created by the external signup flow; the core only reads.
type Tenant struct {
	ID       string
	PlanTier string
	PerHour  int
	PerDay   int
}

// Domain is a sending domain owned by exactly one tenant.
type Domain struct {
	Name     string
	TenantID string
	Verified bool
}

// Store is the durable persistence boundary for the delivery core.
// All mutating operations are write-then-ack: a nil error means the
// change survived a process restart.
type Store interface {
	Connect() error
	Close() error
	Type() string

	// Messages
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// ClaimMessage transitions queued or bounced_soft -> in_progress.
	// It returns false when the message is not claimable (already
	// claimed, terminal, or missing), which makes concurrent dequeues
	// of the same id safe.
	ClaimMessage(ctx context.Context, id string) (bool, error)
	// ReleaseForRetry transitions in_progress -> queued or bounced_soft
	// with an updated attempt count and next-attempt time. bounced_soft
	// records that the last attempt was refused temporarily.
	ReleaseForRetry(ctx context.Context, id string, status MessageStatus, attempts int, nextAttempt time.Time, lastError string) error
	// FinalizeMessage transitions in_progress -> a terminal status.
	FinalizeMessage(ctx context.Context, id string, status MessageStatus, lastError string) error
	// ListQueued returns all non-terminal messages for queue rebuild.
	ListQueued(ctx context.Context) ([]*Message, error)
	// RecoverInProgress resets messages stranded in_progress by a crash
	// back to queued and returns them.
	RecoverInProgress(ctx context.Context) ([]*Message, error)

	// Attempts
	AddAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, messageID string) ([]*Attempt, error)

	// Suppressions
	UpsertSuppression(ctx context.Context, e *SuppressionEntry) error
	GetSuppression(ctx context.Context, tenantID, address string) (*SuppressionEntry, error)
	DeleteSuppression(ctx context.Context, tenantID, address string) error
	ListSuppressions(ctx context.Context, tenantID string, limit, offset int) ([]*SuppressionEntry, error)

	// Reputation
	AppendReputationSnapshot(ctx context.Context, s *ReputationSnapshot) error
	LatestReputationSnapshot(ctx context.Context, tenantID string) (*ReputationSnapshot, error)

	// Signing keys
	GetSigningKey(ctx context.Context, domain string) (*SigningKey, error)
	SaveSigningKey(ctx context.Context, k *SigningKey) error
	ReplaceSigningKey(ctx context.Context, k *SigningKey) error

	// Tenant read models (written by the external provisioning flow,
	// exposed here for seeding and for the store-backed provider)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListDomains(ctx context.Context, tenantID string) ([]*Domain, error)
	UpsertTenant(ctx context.Context, t *Tenant) error
	UpsertDomain(ctx context.Context, d *Domain) error
}

// Config selects and configures a store driver.
type Config struct {
	Driver string // sqlite, mysql, postgres
	DSN    string
}

// New creates a store based on configuration.
func New(config Config) (Store, error) {
	switch config.Driver {
	case "", "sqlite":
		return NewSQL("sqlite3", config.DSN), nil
	case "mysql":
		return NewSQL("mysql", config.DSN), nil
	case "postgres":
		return NewSQL("postgres", config.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", config.Driver)
	}
}
