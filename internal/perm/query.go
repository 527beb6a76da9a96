package perm

import (
	"context"
	"log/slog"
	"sort"
)

// ReadStore is the read side of the grant store.
type ReadStore interface {
	KeysForRole(ctx context.Context, roleID int64) ([]string, error)
	GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error)
	KeysForUser(ctx context.Context, userID int64) ([]string, error)
	HasGrant(ctx context.Context, roleID int64, key string) (bool, error)
	Matrix(ctx context.Context) (map[int64][]string, error)
	RolesWithKey(ctx context.Context, key string) ([]int64, error)
	UsersWithKey(ctx context.Context, key string) ([]int64, error)
	CountForRole(ctx context.Context, roleID int64) (int, error)
}

// RoleDirectory resolves role identity against the external role store.
type RoleDirectory interface {
	NameByID(ctx context.Context, roleID int64) (string, error)
	IDByName(ctx context.Context, name string) (int64, error)
}

// AssignmentDirectory resolves user↔role assignments against the external
// user store.
type AssignmentDirectory interface {
	RoleNamesForUser(ctx context.Context, userID int64) ([]string, error)
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
}

// Query serves every read over the grant store and catalog. All read paths
// fail closed: when the store is unreachable or not yet migrated the caller
// sees an empty result and the condition is logged, never an error, because a
// permission check must deny rather than crash the request.
type Query struct {
	store       ReadStore
	catalog     *Catalog
	assignments AssignmentDirectory
	topRole     string
	logger      *slog.Logger
}

// NewQuery constructs the read service. topRole is the name of the
// always-privileged role that bypasses the grant store entirely.
func NewQuery(store ReadStore, catalog *Catalog, assignments AssignmentDirectory, topRole string, logger *slog.Logger) *Query {
	return &Query{
		store:       store,
		catalog:     catalog,
		assignments: assignments,
		topRole:     topRole,
		logger:      logger,
	}
}

// PermissionsForUser returns the deduplicated keys granted to any role the
// user holds. An absent or unidentified user yields an empty set.
func (q *Query) PermissionsForUser(ctx context.Context, userID int64) []string {
	if userID == 0 {
		return []string{}
	}
	keys, err := q.store.KeysForUser(ctx, userID)
	if err != nil {
		q.degraded("permissions for user", err)
		return []string{}
	}
	return dedupSorted(keys)
}

// PermissionsForRole returns the role's granted keys, ordered.
func (q *Query) PermissionsForRole(ctx context.Context, roleID int64) []string {
	keys, err := q.store.KeysForRole(ctx, roleID)
	if err != nil {
		q.degraded("permissions for role", err)
		return []string{}
	}
	return dedupSorted(keys)
}

// GrantsForRole returns the role's full grant rows, including who granted
// each key and when.
func (q *Query) GrantsForRole(ctx context.Context, roleID int64) []Grant {
	grants, err := q.store.GrantsForRole(ctx, roleID)
	if err != nil {
		q.degraded("grants for role", err)
		return []Grant{}
	}
	return grants
}

// RoleHasKey reports whether the role holds the key.
func (q *Query) RoleHasKey(ctx context.Context, roleID int64, key string) bool {
	ok, err := q.store.HasGrant(ctx, roleID, key)
	if err != nil {
		q.degraded("role has key", err)
		return false
	}
	return ok
}

// Matrix returns every role's granted key set in one pass, keyed by role id.
func (q *Query) Matrix(ctx context.Context) map[int64][]string {
	matrix, err := q.store.Matrix(ctx)
	if err != nil {
		q.degraded("matrix", err)
		return map[int64][]string{}
	}
	return matrix
}

// RolesWithKey returns ids of every role granted the key.
func (q *Query) RolesWithKey(ctx context.Context, key string) []int64 {
	ids, err := q.store.RolesWithKey(ctx, key)
	if err != nil {
		q.degraded("roles with key", err)
		return []int64{}
	}
	return ids
}

// UsersWithKey returns ids of every user holding a role granted the key.
func (q *Query) UsersWithKey(ctx context.Context, key string) []int64 {
	ids, err := q.store.UsersWithKey(ctx, key)
	if err != nil {
		q.degraded("users with key", err)
		return []int64{}
	}
	return ids
}

// CountForRole returns the number of grants the role holds.
func (q *Query) CountForRole(ctx context.Context, roleID int64) int {
	count, err := q.store.CountForRole(ctx, roleID)
	if err != nil {
		q.degraded("count for role", err)
		return 0
	}
	return count
}

// Diff computes the standard set difference and intersection of two roles'
// grant sets.
func (q *Query) Diff(ctx context.Context, roleA, roleB int64) DiffResult {
	setA := toSet(q.PermissionsForRole(ctx, roleA))
	setB := toSet(q.PermissionsForRole(ctx, roleB))

	result := DiffResult{OnlyA: []string{}, OnlyB: []string{}, Common: []string{}}
	for k := range setA {
		if _, ok := setB[k]; ok {
			result.Common = append(result.Common, k)
		} else {
			result.OnlyA = append(result.OnlyA, k)
		}
	}
	for k := range setB {
		if _, ok := setA[k]; !ok {
			result.OnlyB = append(result.OnlyB, k)
		}
	}
	sort.Strings(result.OnlyA)
	sort.Strings(result.OnlyB)
	sort.Strings(result.Common)
	return result
}

// IsAllowed is the access check every consumer goes through: a user holding
// the top-privileged role passes unconditionally; everyone else needs the key
// to be both granted and currently active. A denial never distinguishes
// unknown keys from ungranted or disabled ones.
func (q *Query) IsAllowed(ctx context.Context, userID int64, key string) bool {
	if userID == 0 {
		return false
	}
	roleNames, err := q.assignments.RoleNamesForUser(ctx, userID)
	if err != nil {
		q.degraded("resolve user roles", err)
		return false
	}
	for _, name := range roleNames {
		if name == q.topRole {
			return true
		}
	}
	if !q.catalog.IsActiveKey(key) {
		return false
	}
	for _, granted := range q.PermissionsForUser(ctx, userID) {
		if granted == key {
			return true
		}
	}
	return false
}

func (q *Query) degraded(op string, err error) {
	if q.logger != nil {
		q.logger.Error("permission read degraded to empty", slog.String("op", op), slog.Any("error", err))
	}
}

func dedupSorted(keys []string) []string {
	set := toSet(keys)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
