package perm

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyon-admin/halcyon/internal/platform/db"
)

// Store maps Grant rows onto PostgreSQL. It carries no business logic beyond
// the (role_id, perm_key) uniqueness the schema enforces.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// KeysForRole returns the role's granted keys ordered by key.
func (s *Store) KeysForRole(ctx context.Context, roleID int64) ([]string, error) {
	return scanKeys(s.pool.Query(ctx,
		`SELECT perm_key FROM role_permissions WHERE role_id = $1 ORDER BY perm_key`, roleID))
}

// KeysForUser returns the deduplicated keys granted to any role the user holds.
func (s *Store) KeysForUser(ctx context.Context, userID int64) ([]string, error) {
	return scanKeys(s.pool.Query(ctx,
		`SELECT DISTINCT rp.perm_key
		 FROM role_permissions rp
		 JOIN user_roles ur ON ur.role_id = rp.role_id
		 WHERE ur.user_id = $1
		 ORDER BY rp.perm_key`, userID))
}

// HasGrant reports whether the (role, key) grant exists.
func (s *Store) HasGrant(ctx context.Context, roleID int64, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM role_permissions WHERE role_id = $1 AND perm_key = $2)`,
		roleID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("perm: has grant: %w", err)
	}
	return exists, nil
}

// GrantsForRole returns the role's full grant rows ordered by key.
func (s *Store) GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role_id, perm_key, granted_by, granted_at
		 FROM role_permissions WHERE role_id = $1 ORDER BY perm_key`, roleID)
	if err != nil {
		return nil, fmt.Errorf("perm: grants for role: %w", err)
	}
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.RoleID, &g.Key, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("perm: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Matrix returns every role's granted key set in one pass, keyed by role id.
func (s *Store) Matrix(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role_id, perm_key FROM role_permissions ORDER BY role_id, perm_key`)
	if err != nil {
		return nil, fmt.Errorf("perm: matrix: %w", err)
	}
	defer rows.Close()
	matrix := make(map[int64][]string)
	for rows.Next() {
		var roleID int64
		var key string
		if err := rows.Scan(&roleID, &key); err != nil {
			return nil, fmt.Errorf("perm: scan matrix row: %w", err)
		}
		matrix[roleID] = append(matrix[roleID], key)
	}
	return matrix, rows.Err()
}

// RolesWithKey returns ids of every role granted the key.
func (s *Store) RolesWithKey(ctx context.Context, key string) ([]int64, error) {
	return scanIDs(s.pool.Query(ctx,
		`SELECT role_id FROM role_permissions WHERE perm_key = $1 ORDER BY role_id`, key))
}

// UsersWithKey returns ids of every user holding a role granted the key.
func (s *Store) UsersWithKey(ctx context.Context, key string) ([]int64, error) {
	return scanIDs(s.pool.Query(ctx,
		`SELECT DISTINCT ur.user_id
		 FROM user_roles ur
		 JOIN role_permissions rp ON rp.role_id = ur.role_id
		 WHERE rp.perm_key = $1
		 ORDER BY ur.user_id`, key))
}

// CountForRole returns the number of grants the role holds.
func (s *Store) CountForRole(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, roleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("perm: count for role: %w", err)
	}
	return count, nil
}

// InsertIfAbsent upserts a grant. Returns false when the grant already
// existed; granting twice is a no-op, not an error.
func (s *Store) InsertIfAbsent(ctx context.Context, g Grant) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, perm_key, granted_by)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (role_id, perm_key) DO NOTHING`,
		g.RoleID, g.Key, g.GrantedBy)
	if err != nil {
		return false, fmt.Errorf("perm: insert grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes one grant, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, roleID int64, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND perm_key = $2`, roleID, key)
	if err != nil {
		return false, fmt.Errorf("perm: delete grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllForRole removes every grant the role holds.
func (s *Store) DeleteAllForRole(ctx context.Context, roleID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return 0, fmt.Errorf("perm: delete all grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WithTx runs fn against a transactional view of the store. Row locks taken by
// KeysForRoleLocked are held until the transaction ends, which is what
// serializes concurrent reconciliations of the same role.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

// KeysForRoleLocked reads the role's current keys under FOR UPDATE so two
// concurrent reconciliations of the same role cannot both see a stale set.
func (t *txStore) KeysForRoleLocked(ctx context.Context, roleID int64) ([]string, error) {
	// The parent roles row is locked too, so reconciling a role with zero
	// grants still serializes against a concurrent reconciliation.
	if _, err := t.tx.Exec(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID); err != nil {
		return nil, fmt.Errorf("perm: lock role: %w", err)
	}
	return scanKeys(t.tx.Query(ctx,
		`SELECT perm_key FROM role_permissions WHERE role_id = $1 FOR UPDATE`, roleID))
}

// BulkInsert upserts the given grants inside the transaction.
func (t *txStore) BulkInsert(ctx context.Context, grants []Grant) error {
	for _, g := range grants {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, perm_key, granted_by)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (role_id, perm_key) DO NOTHING`,
			g.RoleID, g.Key, g.GrantedBy); err != nil {
			return fmt.Errorf("perm: bulk insert grant: %w", err)
		}
	}
	return nil
}

// BulkDelete removes the given keys from the role inside the transaction.
func (t *txStore) BulkDelete(ctx context.Context, roleID int64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND perm_key = ANY($2)`,
		roleID, keys); err != nil {
		return fmt.Errorf("perm: bulk delete grants: %w", err)
	}
	return nil
}

func scanKeys(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, fmt.Errorf("perm: query keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("perm: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanIDs(rows pgx.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, fmt.Errorf("perm: query ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("perm: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
