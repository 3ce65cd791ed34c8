package sqlite

import (
	"context"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type refreshTokensRepo struct {
	db dbtx
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, client_id, token_hash, session_id, scopes, amr,
			expires_at, absolute_expires_at, revoked
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ClientID, t.TokenHash, t.SessionID,
		joinFields(t.Scopes), joinFields(t.AMR),
		t.ExpiresAt, t.AbsoluteExpiresAt, t.Revoked,
	)
	return err
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, token_hash, session_id, scopes, amr,
			expires_at, absolute_expires_at, revoked, created_at, updated_at
		FROM refresh_tokens WHERE token_hash = ?`, hash)

	var (
		t      domain.RefreshToken
		scopes string
		amr    string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.ClientID, &t.TokenHash, &t.SessionID, &scopes,
		&amr, &t.ExpiresAt, &t.AbsoluteExpiresAt, &t.Revoked,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.RefreshToken{}, mapNotFound(err)
	}
	t.Scopes = splitAndFilter(scopes)
	t.AMR = splitAndFilter(amr)
	return t, nil
}

// RevokeRefreshToken is the rotation gate. The WHERE clause only matches
// live rows, so of two concurrent redemptions exactly one sees a row
// affected and the loser gets ErrNotFound.
func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1, updated_at = CURRENT_TIMESTAMP
		WHERE token_hash = ? AND revoked = 0`, hash)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *refreshTokensRepo) RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND revoked = 0`, sessionID)
	return err
}

func (r *refreshTokensRepo) RevokeAllUserClientRefreshTokens(ctx context.Context, userID, clientID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND client_id = ? AND revoked = 0`, userID, clientID)
	return err
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
