package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tasklight/tasklight/internal/identity/domain"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/pkg/cryptox"
	"github.com/tasklight/tasklight/pkg/idx"
)

// Seed declares roles, users and clients to provision at startup. It is
// how deployments register first-party clients without an admin API, and
// how end-to-end tests get a known client and user to drive flows with.
type Seed struct {
	Roles   []SeedRole   `json:"roles"`
	Users   []SeedUser   `json:"users"`
	Clients []SeedClient `json:"clients"`
}

type SeedRole struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type SeedUser struct {
	Username      string `json:"username"`
	PreferredName string `json:"preferred_name"`
	Password      string `json:"password"`
	Locale        string `json:"locale"`
	Role          string `json:"role"`        // role name, must appear in Roles or already exist
	TOTPSecret    string `json:"totp_secret"` // base32 secret, non-empty enables MFA
}

type SeedClient struct {
	ID                 string   `json:"id"` // optional, generated when empty
	Name               string   `json:"name"`
	Secret             string   `json:"secret"` // empty makes the client public
	Scopes             []string `json:"scopes"`
	RedirectURIs       []string `json:"redirect_uris"`
	GrantTypes         []string `json:"grant_types"`
	AccessTokenType    string   `json:"access_token_type"`
	AllowOfflineAccess bool     `json:"allow_offline_access"`
	RequireConsent     bool     `json:"require_consent"`
	RequirePKCE        bool     `json:"require_pkce"`
	RefreshExpiration  string   `json:"refresh_expiration"`
	AccessTokenTTL     string   `json:"access_token_ttl"`  // Go duration string
	RefreshTokenTTL    string   `json:"refresh_token_ttl"` // Go duration string
}

// applySeed provisions the entries from the configured seed file. Existing
// records are left alone so the seed can run on every startup.
func (app *Application) applySeed(ctx context.Context) error {
	if app.cfg.SeedFile == "" {
		return nil
	}

	data, err := os.ReadFile(app.cfg.SeedFile)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, r := range seed.Roles {
		if err := app.seedRole(ctx, r); err != nil {
			return err
		}
	}
	for _, u := range seed.Users {
		if err := app.seedUser(ctx, u); err != nil {
			return err
		}
	}
	for _, c := range seed.Clients {
		if err := app.seedClient(ctx, c); err != nil {
			return err
		}
	}

	app.logger.Info("seed applied",
		"roles", len(seed.Roles),
		"users", len(seed.Users),
		"clients", len(seed.Clients),
	)
	return nil
}

func (app *Application) seedRole(ctx context.Context, r SeedRole) error {
	if _, err := app.db.Roles().GetRoleByName(ctx, r.Name); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up role %q: %w", r.Name, err)
	}

	now := time.Now()
	err := app.db.Roles().CreateRole(ctx, domain.Role{
		ID:        idx.New().String(),
		Name:      r.Name,
		Scopes:    r.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("failed to seed role %q: %w", r.Name, err)
	}
	return nil
}

func (app *Application) seedUser(ctx context.Context, u SeedUser) error {
	if _, err := app.db.Users().GetUserByUsername(ctx, u.Username); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up user %q: %w", u.Username, err)
	}

	role, err := app.db.Roles().GetRoleByName(ctx, u.Role)
	if err != nil {
		return fmt.Errorf("seed user %q references unknown role %q: %w", u.Username, u.Role, err)
	}

	hash, err := cryptox.HashPassword(u.Password)
	if err != nil {
		return fmt.Errorf("failed to hash password for seed user %q: %w", u.Username, err)
	}

	now := time.Now()
	user := domain.User{
		ID:            idx.New().String(),
		Username:      u.Username,
		PreferredName: u.PreferredName,
		PasswordHash:  hash,
		Locale:        u.Locale,
		RoleID:        role.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if u.TOTPSecret != "" {
		user.MFASecret = &u.TOTPSecret
		user.MFAEnabled = &now
	}
	err = app.db.Users().CreateUser(ctx, user)
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("failed to seed user %q: %w", u.Username, err)
	}
	return nil
}

func (app *Application) seedClient(ctx context.Context, c SeedClient) error {
	id := c.ID
	if id == "" {
		id = idx.New().String()
	}

	if _, err := app.db.Clients().GetClientByID(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up client %q: %w", c.Name, err)
	}

	var secretHash string
	if c.Secret != "" {
		hash, err := cryptox.HashPassword(c.Secret)
		if err != nil {
			return fmt.Errorf("failed to hash secret for seed client %q: %w", c.Name, err)
		}
		secretHash = hash
	}

	tokenType := c.AccessTokenType
	if tokenType == "" {
		tokenType = domain.AccessTokenTypeJWT
	}
	refreshExpiration := c.RefreshExpiration
	if refreshExpiration == "" {
		refreshExpiration = domain.RefreshExpirationAbsolute
	}

	accessTTL, err := parseSeedDuration(c.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("seed client %q has invalid access_token_ttl: %w", c.Name, err)
	}
	refreshTTL, err := parseSeedDuration(c.RefreshTokenTTL)
	if err != nil {
		return fmt.Errorf("seed client %q has invalid refresh_token_ttl: %w", c.Name, err)
	}

	now := time.Now()
	err = app.db.Clients().CreateClient(ctx, domain.Client{
		ID:                 id,
		Name:               c.Name,
		SecretHash:         secretHash,
		Scopes:             c.Scopes,
		RedirectURIs:       c.RedirectURIs,
		GrantTypes:         c.GrantTypes,
		AccessTokenType:    tokenType,
		AllowOfflineAccess: c.AllowOfflineAccess,
		RequireConsent:     c.RequireConsent,
		RefreshExpiration:  refreshExpiration,
		RequirePKCE:        c.RequirePKCE,
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		Protected:          true,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("failed to seed client %q: %w", c.Name, err)
	}
	return nil
}

func parseSeedDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
