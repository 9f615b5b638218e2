package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/platform/db"
	"github.com/dylinzl/mlflow-auth/internal/shared"
)

//go:embed schema.sql
var schemaDDL string

const uniqueViolation = "23505"

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs the store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// normalizeUsername canonicalizes usernames before storage and lookup so
// visually identical names cannot map to distinct accounts.
func normalizeUsername(username string) string {
	return norm.NFC.String(username)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func validatePermission(perm string) error {
	if !permission.Valid(perm) {
		return fmt.Errorf("store: %w: %q", permission.ErrInvalidLevel, perm)
	}
	return nil
}

// CreateUser inserts a user with a bcrypt-hashed password.
func (s *Postgres) CreateUser(ctx context.Context, username, password string, isAdmin bool) (*User, error) {
	username = normalizeUsername(username)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("store: hash password: %w", err)
	}
	var user User
	err = s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, is_admin)
		 VALUES ($1, $2, $3)
		 RETURNING id, username, password_hash, is_admin, created_at, updated_at`,
		username, string(hash), isAdmin,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: user %q: %w", username, shared.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &user, nil
}

// GetUser fetches a user by username.
func (s *Postgres) GetUser(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, is_admin, created_at, updated_at
		 FROM users WHERE username = $1`, normalizeUsername(username)))
}

// GetUserByID fetches a user by numeric id.
func (s *Postgres) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, is_admin, created_at, updated_at
		 FROM users WHERE id = $1`, id))
}

func (s *Postgres) scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: user: %w", shared.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &user, nil
}

// ListUsers returns all users ordered by id.
func (s *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, is_admin, created_at, updated_at
		 FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateUserPassword replaces the stored password hash.
func (s *Postgres) UpdateUserPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("store: hash password: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE username = $1`,
		normalizeUsername(username), string(hash))
	if err != nil {
		return fmt.Errorf("store: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: user %q: %w", username, shared.ErrNotFound)
	}
	return nil
}

// UpdateUserAdmin toggles the admin flag.
func (s *Postgres) UpdateUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET is_admin = $2, updated_at = now() WHERE username = $1`,
		normalizeUsername(username), isAdmin)
	if err != nil {
		return fmt.Errorf("store: update admin flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: user %q: %w", username, shared.ErrNotFound)
	}
	return nil
}

// DeleteUser removes a user and every permission grant referencing them.
// Dangling grants violate the store invariant, so the cascade runs in the
// same transaction as the user delete.
func (s *Postgres) DeleteUser(ctx context.Context, username string) error {
	username = normalizeUsername(username)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM experiment_permissions WHERE username = $1`, username); err != nil {
			return fmt.Errorf("store: delete experiment grants: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM registered_model_permissions WHERE username = $1`, username); err != nil {
			return fmt.Errorf("store: delete model grants: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
		if err != nil {
			return fmt.Errorf("store: delete user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("store: user %q: %w", username, shared.ErrNotFound)
		}
		return nil
	})
}

// EnsureAdmin creates the bootstrap admin account if it does not exist.
// Multiple workers may race on first startup; a unique violation means
// another worker already created the row and is treated as success.
func (s *Postgres) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := s.GetUser(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	_, err = s.CreateUser(ctx, username, password, true)
	if err != nil && errors.Is(err, shared.ErrAlreadyExists) {
		return nil
	}
	return err
}

// GetExperimentPermission fetches the grant for (experiment, user).
func (s *Postgres) GetExperimentPermission(ctx context.Context, experimentID, username string) (*ExperimentPermission, error) {
	var grant ExperimentPermission
	err := s.pool.QueryRow(ctx,
		`SELECT experiment_id, username, permission
		 FROM experiment_permissions WHERE experiment_id = $1 AND username = $2`,
		experimentID, normalizeUsername(username),
	).Scan(&grant.ExperimentID, &grant.Username, &grant.Permission)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: experiment permission: %w", shared.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get experiment permission: %w", err)
	}
	return &grant, nil
}

// CreateExperimentPermission inserts a grant for (experiment, user).
func (s *Postgres) CreateExperimentPermission(ctx context.Context, experimentID, username, perm string) (*ExperimentPermission, error) {
	if err := validatePermission(perm); err != nil {
		return nil, err
	}
	username = normalizeUsername(username)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiment_permissions (experiment_id, username, permission)
		 VALUES ($1, $2, $3)`,
		experimentID, username, perm)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: experiment permission (%s, %s): %w", experimentID, username, shared.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("store: create experiment permission: %w", err)
	}
	return &ExperimentPermission{ExperimentID: experimentID, Username: username, Permission: perm}, nil
}

// UpdateExperimentPermission changes the level of an existing grant.
func (s *Postgres) UpdateExperimentPermission(ctx context.Context, experimentID, username, perm string) error {
	if err := validatePermission(perm); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiment_permissions SET permission = $3
		 WHERE experiment_id = $1 AND username = $2`,
		experimentID, normalizeUsername(username), perm)
	if err != nil {
		return fmt.Errorf("store: update experiment permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: experiment permission: %w", shared.ErrNotFound)
	}
	return nil
}

// DeleteExperimentPermission removes a grant for (experiment, user).
func (s *Postgres) DeleteExperimentPermission(ctx context.Context, experimentID, username string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM experiment_permissions WHERE experiment_id = $1 AND username = $2`,
		experimentID, normalizeUsername(username))
	if err != nil {
		return fmt.Errorf("store: delete experiment permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: experiment permission: %w", shared.ErrNotFound)
	}
	return nil
}

// ListExperimentPermissions returns every experiment grant held by a user,
// ordered by experiment id. Callers load these into read-access sets.
func (s *Postgres) ListExperimentPermissions(ctx context.Context, username string) ([]ExperimentPermission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, username, permission
		 FROM experiment_permissions WHERE username = $1 ORDER BY experiment_id`,
		normalizeUsername(username))
	if err != nil {
		return nil, fmt.Errorf("store: list experiment permissions: %w", err)
	}
	defer rows.Close()
	var grants []ExperimentPermission
	for rows.Next() {
		var grant ExperimentPermission
		if err := rows.Scan(&grant.ExperimentID, &grant.Username, &grant.Permission); err != nil {
			return nil, fmt.Errorf("store: scan experiment permission: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// GetRegisteredModelPermission fetches the grant for (model name, user).
func (s *Postgres) GetRegisteredModelPermission(ctx context.Context, name, username string) (*RegisteredModelPermission, error) {
	var grant RegisteredModelPermission
	err := s.pool.QueryRow(ctx,
		`SELECT name, username, permission
		 FROM registered_model_permissions WHERE name = $1 AND username = $2`,
		name, normalizeUsername(username),
	).Scan(&grant.Name, &grant.Username, &grant.Permission)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: registered model permission: %w", shared.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get registered model permission: %w", err)
	}
	return &grant, nil
}

// CreateRegisteredModelPermission inserts a grant for (model name, user).
func (s *Postgres) CreateRegisteredModelPermission(ctx context.Context, name, username, perm string) (*RegisteredModelPermission, error) {
	if err := validatePermission(perm); err != nil {
		return nil, err
	}
	username = normalizeUsername(username)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registered_model_permissions (name, username, permission)
		 VALUES ($1, $2, $3)`,
		name, username, perm)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: registered model permission (%s, %s): %w", name, username, shared.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("store: create registered model permission: %w", err)
	}
	return &RegisteredModelPermission{Name: name, Username: username, Permission: perm}, nil
}

// UpdateRegisteredModelPermission changes the level of an existing grant.
func (s *Postgres) UpdateRegisteredModelPermission(ctx context.Context, name, username, perm string) error {
	if err := validatePermission(perm); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE registered_model_permissions SET permission = $3
		 WHERE name = $1 AND username = $2`,
		name, normalizeUsername(username), perm)
	if err != nil {
		return fmt.Errorf("store: update registered model permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: registered model permission: %w", shared.ErrNotFound)
	}
	return nil
}

// DeleteRegisteredModelPermission removes a grant for (model name, user).
func (s *Postgres) DeleteRegisteredModelPermission(ctx context.Context, name, username string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM registered_model_permissions WHERE name = $1 AND username = $2`,
		name, normalizeUsername(username))
	if err != nil {
		return fmt.Errorf("store: delete registered model permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: registered model permission: %w", shared.ErrNotFound)
	}
	return nil
}

// ListRegisteredModelPermissions returns every registered-model grant
// held by a user, ordered by model name. Callers load these into
// read-access sets.
func (s *Postgres) ListRegisteredModelPermissions(ctx context.Context, username string) ([]RegisteredModelPermission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, username, permission
		 FROM registered_model_permissions WHERE username = $1 ORDER BY name`,
		normalizeUsername(username))
	if err != nil {
		return nil, fmt.Errorf("store: list registered model permissions: %w", err)
	}
	defer rows.Close()
	var grants []RegisteredModelPermission
	for rows.Next() {
		var grant RegisteredModelPermission
		if err := rows.Scan(&grant.Name, &grant.Username, &grant.Permission); err != nil {
			return nil, fmt.Errorf("store: scan registered model permission: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// DeleteRegisteredModelPermissionsForModel clears every grant for a model
// name. Registered models are keyed by name, so stale grants would attach
// themselves to any future model registered under the same name.
func (s *Postgres) DeleteRegisteredModelPermissionsForModel(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM registered_model_permissions WHERE name = $1`, name); err != nil {
		return fmt.Errorf("store: delete registered model permissions: %w", err)
	}
	return nil
}

// RenameRegisteredModelPermissions re-keys every grant from oldName to
// newName in one transaction. When a user already holds a grant under the
// new name, the higher-capability level wins and the old row is dropped.
func (s *Postgres) RenameRegisteredModelPermissions(ctx context.Context, oldName, newName string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT username, permission FROM registered_model_permissions WHERE name = $1`, oldName)
		if err != nil {
			return fmt.Errorf("store: rename: list old grants: %w", err)
		}
		type grant struct{ username, perm string }
		var grants []grant
		for rows.Next() {
			var g grant
			if err := rows.Scan(&g.username, &g.perm); err != nil {
				rows.Close()
				return fmt.Errorf("store: rename: scan grant: %w", err)
			}
			grants = append(grants, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: rename: %w", err)
		}

		for _, g := range grants {
			var existing string
			err := tx.QueryRow(ctx,
				`SELECT permission FROM registered_model_permissions WHERE name = $1 AND username = $2`,
				newName, g.username).Scan(&existing)
			switch {
			case err == nil:
				// Collision: keep whichever grant is stronger.
				if permission.Stronger(g.perm, existing) {
					if _, err := tx.Exec(ctx,
						`UPDATE registered_model_permissions SET permission = $3
						 WHERE name = $1 AND username = $2`,
						newName, g.username, g.perm); err != nil {
						return fmt.Errorf("store: rename: merge grant: %w", err)
					}
				}
			case errors.Is(err, pgx.ErrNoRows):
				if _, err := tx.Exec(ctx,
					`INSERT INTO registered_model_permissions (name, username, permission)
					 VALUES ($1, $2, $3)`,
					newName, g.username, g.perm); err != nil {
					return fmt.Errorf("store: rename: move grant: %w", err)
				}
			default:
				return fmt.Errorf("store: rename: check collision: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM registered_model_permissions WHERE name = $1`, oldName); err != nil {
			return fmt.Errorf("store: rename: drop old grants: %w", err)
		}
		return nil
	})
}

// SweepOrphanGrants removes grants whose user no longer exists. The
// cascade on user delete makes this a no-op in the common case; the sweep
// repairs rows left behind by interrupted cleanups.
func (s *Postgres) SweepOrphanGrants(ctx context.Context) (int64, error) {
	var removed int64
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM experiment_permissions
		 WHERE username NOT IN (SELECT username FROM users)`)
	if err != nil {
		return 0, fmt.Errorf("store: sweep experiment grants: %w", err)
	}
	removed += tag.RowsAffected()
	tag, err = s.pool.Exec(ctx,
		`DELETE FROM registered_model_permissions
		 WHERE username NOT IN (SELECT username FROM users)`)
	if err != nil {
		return removed, fmt.Errorf("store: sweep model grants: %w", err)
	}
	removed += tag.RowsAffected()
	return removed, nil
}
