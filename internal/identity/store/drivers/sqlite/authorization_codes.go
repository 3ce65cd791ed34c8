package sqlite

import (
	"context"
	"database/sql"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type authorizationCodesRepo struct {
	db dbtx
}

func (r *authorizationCodesRepo) CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			id, user_id, client_id, code_hash, redirect_uri, scopes,
			session_id, amr, nonce, code_challenge, code_challenge_method,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.UserID, code.ClientID, code.CodeHash, code.RedirectURI,
		joinFields(code.Scopes), code.SessionID, joinFields(code.AMR),
		code.Nonce, code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt,
	)
	return err
}

func (r *authorizationCodesRepo) GetAuthorizationCodeByHash(ctx context.Context, hash string) (domain.AuthorizationCode, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, code_hash, redirect_uri, scopes,
			session_id, amr, nonce, code_challenge, code_challenge_method,
			expires_at, used_at, created_at
		FROM authorization_codes WHERE code_hash = ?`, hash)

	var (
		c      domain.AuthorizationCode
		scopes string
		amr    string
		usedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ClientID, &c.CodeHash, &c.RedirectURI, &scopes,
		&c.SessionID, &amr, &c.Nonce, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.ExpiresAt, &usedAt, &c.CreatedAt,
	)
	if err != nil {
		return domain.AuthorizationCode{}, mapNotFound(err)
	}
	c.Scopes = splitAndFilter(scopes)
	c.AMR = splitAndFilter(amr)
	c.UsedAt = mapNullTimePtr(usedAt)
	return c, nil
}

// MarkAuthorizationCodeUsed is the single-use gate. The WHERE clause only
// matches unused rows, so of two concurrent redemptions exactly one sees a
// row affected and the loser gets ErrNotFound.
func (r *authorizationCodesRepo) MarkAuthorizationCodeUsed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE authorization_codes SET used_at = CURRENT_TIMESTAMP
		WHERE id = ? AND used_at IS NULL`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *authorizationCodesRepo) DeleteExpiredAuthorizationCodes(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM authorization_codes WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
