package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type clientsRepo struct {
	db dbtx
}

const clientColumns = `id, name, secret_hash, scopes, redirect_uris, grant_types,
	access_token_type, allow_offline_access, require_consent, refresh_expiration,
	require_pkce, access_token_ttl_sec, refresh_token_ttl_sec, protected,
	created_at, updated_at`

type clientScanner interface {
	Scan(dest ...any) error
}

func scanClient(row clientScanner) (domain.Client, error) {
	var (
		c             domain.Client
		secretHash    sql.NullString
		scopes        string
		redirectURIs  string
		grantTypes    string
		accessTTLSec  int64
		refreshTTLSec int64
	)
	err := row.Scan(
		&c.ID, &c.Name, &secretHash, &scopes, &redirectURIs, &grantTypes,
		&c.AccessTokenType, &c.AllowOfflineAccess, &c.RequireConsent,
		&c.RefreshExpiration, &c.RequirePKCE, &accessTTLSec, &refreshTTLSec,
		&c.Protected, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}
	c.SecretHash = mapNullString(secretHash)
	c.Scopes = splitAndFilter(scopes)
	c.RedirectURIs = splitAndFilter(redirectURIs)
	c.GrantTypes = splitAndFilter(grantTypes)
	c.AccessTokenTTL = time.Duration(accessTTLSec) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTLSec) * time.Second
	return c, nil
}

func (r *clientsRepo) GetClientByID(ctx context.Context, id string) (domain.Client, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

func (r *clientsRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (
			id, name, secret_hash, scopes, redirect_uris, grant_types,
			access_token_type, allow_offline_access, require_consent,
			refresh_expiration, require_pkce, access_token_ttl_sec,
			refresh_token_ttl_sec, protected
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, mapStringNull(c.SecretHash), joinFields(c.Scopes),
		joinFields(c.RedirectURIs), joinFields(c.GrantTypes),
		c.AccessTokenType, c.AllowOfflineAccess, c.RequireConsent,
		c.RefreshExpiration, c.RequirePKCE,
		int64(c.AccessTokenTTL.Seconds()), int64(c.RefreshTokenTTL.Seconds()),
		c.Protected,
	)
	return err
}

func (r *clientsRepo) UpdateAccessTokenType(ctx context.Context, clientID, tokenType string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET access_token_type = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		tokenType, clientID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *clientsRepo) UpdateClientSecretHash(ctx context.Context, clientID, secretHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET secret_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		mapStringNull(secretHash), clientID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *clientsRepo) UpdateClientScopes(ctx context.Context, clientID string, scopes []string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET scopes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		joinFields(scopes), clientID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *clientsRepo) DeleteClient(ctx context.Context, clientID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM clients WHERE id = ? AND protected = 0`, clientID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *clientsRepo) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
