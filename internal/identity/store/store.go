package store

import (
	"context"
	"errors"
	"time"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. It exposes sub-repositories to keep concerns
// tidy and testable, and a single transaction entrypoint so multi-step
// operations like refresh rotation and code redemption stay atomic.
type Store interface {
	Users() Users
	Clients() Clients
	Roles() Roles
	AuthorizationCodes() AuthorizationCodes
	RefreshTokens() RefreshTokens
	ReferenceTokens() ReferenceTokens
	Consents() Consents

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing on nil and
	// rolling back on error. Preferred over Tx for most callers.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is used during the authorize login step.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePasswordHash sets the password_hash (argon2) and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// UpdateLocale sets the user's preferred locale.
	UpdateLocale(ctx context.Context, userID string, locale string) error

	// DeleteUser cascades to refresh_tokens and consents (per schema).
	DeleteUser(ctx context.Context, userID string) error

	// IsEmpty returns true if there are no users.
	IsEmpty(ctx context.Context) (bool, error)
}

type Clients interface {
	// GetClientByID fetches a client for grant processing.
	GetClientByID(ctx context.Context, id string) (domain.Client, error)

	// ListClients returns all clients ordered by creation date (newest first).
	ListClients(ctx context.Context) ([]domain.Client, error)

	// CreateClient inserts a new client (id is ULID; secret_hash may be
	// empty for public clients).
	CreateClient(ctx context.Context, c domain.Client) error

	// UpdateAccessTokenType flips the client between "jwt" and
	// "reference" minting. Outstanding tokens are unaffected.
	UpdateAccessTokenType(ctx context.Context, clientID, tokenType string) error

	UpdateClientSecretHash(ctx context.Context, clientID, secretHash string) error
	UpdateClientScopes(ctx context.Context, clientID string, scopes []string) error

	// DeleteClient cascades to tokens and consents (per schema).
	DeleteClient(ctx context.Context, clientID string) error

	// IsEmpty returns true if there are no clients.
	IsEmpty(ctx context.Context) (bool, error)
}

type Roles interface {
	// GetRoleByID fetches a role by its ID
	GetRoleByID(ctx context.Context, id string) (domain.Role, error)

	// GetRoleByName fetches a role by its name (for seeding)
	GetRoleByName(ctx context.Context, name string) (domain.Role, error)

	// CreateRole inserts a new role (id is ULID)
	CreateRole(ctx context.Context, r domain.Role) error

	// IsEmpty returns true if there are no roles
	IsEmpty(ctx context.Context) (bool, error)
}

type AuthorizationCodes interface {
	// CreateAuthorizationCode stores a freshly minted authorization code.
	CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error

	// GetAuthorizationCodeByHash fetches a code by its fingerprint when
	// redeeming.
	GetAuthorizationCodeByHash(ctx context.Context, hash string) (domain.AuthorizationCode, error)

	// MarkAuthorizationCodeUsed marks a code as consumed. It reports
	// ErrNotFound if the code was already used, which is how concurrent
	// redemption races are lost.
	MarkAuthorizationCodeUsed(ctx context.Context, id string) error

	// DeleteExpiredAuthorizationCodes removes any codes that are no longer valid.
	DeleteExpiredAuthorizationCodes(ctx context.Context) error
}

type RefreshTokens interface {
	// CreateRefreshToken stores a new refresh token record.
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token by its fingerprint.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken flips revoked=1, sets updated_at.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RevokeSessionRefreshTokens revokes every token sharing a session,
	// used when a rotated token is replayed.
	RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error

	// RevokeAllUserClientRefreshTokens bulk revocation for a user+client
	// pair (e.g., password reset).
	RevokeAllUserClientRefreshTokens(ctx context.Context, userID, clientID string) error

	// DeleteExpiredRefreshTokens is housekeeping.
	DeleteExpiredRefreshTokens(ctx context.Context) error
}

type ReferenceTokens interface {
	// CreateReferenceToken stores a new opaque access token record.
	CreateReferenceToken(ctx context.Context, t domain.ReferenceToken) error

	// GetReferenceTokenByHash resolves an opaque handle fingerprint.
	GetReferenceTokenByHash(ctx context.Context, hash string) (domain.ReferenceToken, error)

	// RevokeReferenceToken flips revoked=1.
	RevokeReferenceToken(ctx context.Context, hash string) error

	// RevokeSessionReferenceTokens revokes every reference token sharing
	// a session.
	RevokeSessionReferenceTokens(ctx context.Context, sessionID string) error

	// DeleteExpiredReferenceTokens is housekeeping.
	DeleteExpiredReferenceTokens(ctx context.Context, olderThan time.Time) error
}

type Consents interface {
	// GetConsent returns the consent record for a user+client pair.
	GetConsent(ctx context.Context, userID, clientID string) (domain.Consent, error)

	// UpsertConsent records granted scopes, merging with any prior grant.
	UpsertConsent(ctx context.Context, c domain.Consent) error

	// DeleteConsent removes a user's grant for a client.
	DeleteConsent(ctx context.Context, userID, clientID string) error
}
