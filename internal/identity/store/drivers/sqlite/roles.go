package sqlite

import (
	"context"

	"github.com/tasklight/tasklight/internal/identity/domain"
)

type rolesRepo struct {
	db dbtx
}

const roleColumns = `id, name, scopes, created_at, updated_at`

func (r *rolesRepo) GetRoleByID(ctx context.Context, id string) (domain.Role, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = ?`, id)

	var (
		role   domain.Role
		scopes string
	)
	if err := row.Scan(&role.ID, &role.Name, &scopes, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return domain.Role{}, mapNotFound(err)
	}
	role.Scopes = splitAndFilter(scopes)
	return role, nil
}

func (r *rolesRepo) GetRoleByName(ctx context.Context, name string) (domain.Role, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE name = ?`, name)

	var (
		role   domain.Role
		scopes string
	)
	if err := row.Scan(&role.ID, &role.Name, &scopes, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return domain.Role{}, mapNotFound(err)
	}
	role.Scopes = splitAndFilter(scopes)
	return role, nil
}

func (r *rolesRepo) CreateRole(ctx context.Context, role domain.Role) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO roles (id, name, scopes) VALUES (?, ?, ?)`,
		role.ID, role.Name, joinFields(role.Scopes),
	)
	return err
}

func (r *rolesRepo) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
