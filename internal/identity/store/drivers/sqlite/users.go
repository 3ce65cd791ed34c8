package sqlite

import (
	"context"
	"database/sql"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, username, preferred_name, password_hash, locale, role_id, mfa_enabled, mfa_secret, created_at, updated_at`

func scanUser(row *sql.Row) (domain.User, error) {
	var (
		u          domain.User
		mfaEnabled sql.NullTime
		mfaSecret  sql.NullString
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.PreferredName, &u.PasswordHash, &u.Locale,
		&u.RoleID, &mfaEnabled, &mfaSecret, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, mapNotFound(err)
	}
	u.MFAEnabled = mapNullTimePtr(mfaEnabled)
	u.MFASecret = mapNullStringPtr(mfaSecret)
	return u, nil
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *usersRepo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (r *usersRepo) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, preferred_name, password_hash, locale, role_id, mfa_enabled, mfa_secret)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PreferredName, u.PasswordHash, u.Locale, u.RoleID,
		mapOptionalTime(u.MFAEnabled), mapOptionalString(u.MFASecret),
	)
	return err
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, userID string, newHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		newHash, userID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *usersRepo) UpdateLocale(ctx context.Context, userID string, locale string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET locale = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		locale, userID,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *usersRepo) DeleteUser(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (r *usersRepo) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
