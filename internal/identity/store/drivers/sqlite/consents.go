package sqlite

import (
	"context"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type consentsRepo struct {
	db dbtx
}

func (r *consentsRepo) GetConsent(ctx context.Context, userID, clientID string) (domain.Consent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, scopes, created_at, updated_at
		FROM consents WHERE user_id = ? AND client_id = ?`, userID, clientID)

	var (
		c      domain.Consent
		scopes string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ClientID, &scopes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Consent{}, mapNotFound(err)
	}
	c.Scopes = splitAndFilter(scopes)
	return c, nil
}

// UpsertConsent merges the new scopes into any existing grant via the
// unique (user_id, client_id) constraint.
func (r *consentsRepo) UpsertConsent(ctx context.Context, c domain.Consent) error {
	existing, err := r.GetConsent(ctx, c.UserID, c.ClientID)
	if err == nil {
		merged := splitAndFilter(joinFields(existing.Scopes) + " " + joinFields(c.Scopes))
		_, err = r.db.ExecContext(ctx, `
			UPDATE consents SET scopes = ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND client_id = ?`,
			joinFields(merged), c.UserID, c.ClientID)
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO consents (id, user_id, client_id, scopes)
		VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.ClientID, joinFields(c.Scopes))
	return err
}

func (r *consentsRepo) DeleteConsent(ctx context.Context, userID, clientID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM consents WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}
