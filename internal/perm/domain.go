// Package perm implements the permission engine: the catalog of permission
// keys, the persisted grant relation, the query and mutation services, the
// edit-policy guard and the change-notification fan-out contract.
package perm

import (
	"errors"
	"time"
)

// Origin classifies where a permission key comes from.
type Origin string

const (
	// OriginCore marks always-active keys for base admin sections.
	OriginCore Origin = "core"
	// OriginFeature marks keys whose activity follows a feature module's
	// enabled state.
	OriginFeature Origin = "feature"
	// OriginCustom marks keys registered at runtime by the hosting
	// application.
	OriginCustom Origin = "custom"
)

// Grant is one persisted "role may use key" fact. Absence of a grant means
// denial; there are no explicit deny rows.
type Grant struct {
	RoleID    int64
	Key       string
	GrantedBy string
	GrantedAt time.Time
}

// KeyMetadata carries display metadata for a custom permission key.
type KeyMetadata struct {
	Label       string
	Icon        string
	Description string
}

// DiffResult describes how two roles' grant sets relate.
type DiffResult struct {
	OnlyA  []string `json:"only_a"`
	OnlyB  []string `json:"only_b"`
	Common []string `json:"common"`
}

// Validation errors, caller-caused and surfaced synchronously.
var (
	ErrInvalidKeyFormat = errors.New("perm: key must match ^[a-z][a-z0-9_]*$")
	ErrKeyTooLong       = errors.New("perm: key exceeds 50 characters")
	ErrBuiltinCollision = errors.New("perm: key collides with a built-in key")
	ErrCatalogFull      = errors.New("perm: custom key catalog is full")
	ErrUnknownKey       = errors.New("perm: unknown permission key")
)

// ErrGrantNotFound is returned by revoke when no such grant exists. Distinct
// from the silent no-op of an idempotent grant.
var ErrGrantNotFound = errors.New("perm: grant not found")

// Policy errors returned by the edit guard. Callers branch on these to build
// user-facing messages; they are never panics.
var (
	ErrNotAuthenticated  = errors.New("perm: not authenticated")
	ErrTopRoleImmutable  = errors.New("perm: that role always has full access and cannot be modified")
	ErrOwnRole           = errors.New("perm: cannot edit permissions for your own role")
	ErrSecondaryRoleEdit = errors.New("perm: only the top role can edit this role's permissions")
)
