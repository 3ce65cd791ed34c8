package sqlite

import (
	"context"
	"time"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type referenceTokensRepo struct {
	db dbtx
}

func (r *referenceTokensRepo) CreateReferenceToken(ctx context.Context, t domain.ReferenceToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reference_tokens (
			id, user_id, client_id, token_hash, session_id, scopes, amr,
			audience, expires_at, revoked
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ClientID, t.TokenHash, t.SessionID,
		joinFields(t.Scopes), joinFields(t.AMR), joinFields(t.Audience),
		t.ExpiresAt, t.Revoked,
	)
	return err
}

func (r *referenceTokensRepo) GetReferenceTokenByHash(ctx context.Context, hash string) (domain.ReferenceToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, token_hash, session_id, scopes, amr,
			audience, expires_at, revoked, created_at
		FROM reference_tokens WHERE token_hash = ?`, hash)

	var (
		t        domain.ReferenceToken
		scopes   string
		amr      string
		audience string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.ClientID, &t.TokenHash, &t.SessionID, &scopes,
		&amr, &audience, &t.ExpiresAt, &t.Revoked, &t.CreatedAt,
	)
	if err != nil {
		return domain.ReferenceToken{}, mapNotFound(err)
	}
	t.Scopes = splitAndFilter(scopes)
	t.AMR = splitAndFilter(amr)
	t.Audience = splitAndFilter(audience)
	return t, nil
}

func (r *referenceTokensRepo) RevokeReferenceToken(ctx context.Context, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reference_tokens SET revoked = 1 WHERE token_hash = ?`, hash)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *referenceTokensRepo) RevokeSessionReferenceTokens(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reference_tokens SET revoked = 1
		WHERE session_id = ? AND revoked = 0`, sessionID)
	return err
}

func (r *referenceTokensRepo) DeleteExpiredReferenceTokens(ctx context.Context, olderThan time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM reference_tokens WHERE expires_at < ?`, olderThan)
	return err
}
