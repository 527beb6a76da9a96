package perm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// TxStore is the transactional view of the grant store used by Set. The row
// lock taken by KeysForRoleLocked must be held until the enclosing
// transaction ends.
type TxStore interface {
	KeysForRoleLocked(ctx context.Context, roleID int64) ([]string, error)
	BulkInsert(ctx context.Context, grants []Grant) error
	BulkDelete(ctx context.Context, roleID int64, keys []string) error
}

// WriteStore is the write side of the grant store.
type WriteStore interface {
	KeysForRole(ctx context.Context, roleID int64) ([]string, error)
	InsertIfAbsent(ctx context.Context, g Grant) (bool, error)
	Delete(ctx context.Context, roleID int64, key string) (bool, error)
	DeleteAllForRole(ctx context.Context, roleID int64) (int64, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// SettingsStore is the external key/value settings collaborator, used only
// for the auto-grant idempotency flags.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Notifier receives a signal after every successful mutation of a role's
// grants. Implementations are fire-and-forget: they log and swallow their own
// failures and never block or fail the mutation.
type Notifier interface {
	RoleChanged(ctx context.Context, roleID int64)
}

// MetricsRecorder counts engine activity. All methods must be cheap and
// nil-receiver safe implementations are not required; the Mutator checks for
// nil itself.
type MetricsRecorder interface {
	GrantApplied()
	GrantRevoked()
	Reconciliation(added, removed int)
}

const autoGrantFlagPrefix = "auto_granted_perm:"

// Mutator is the only writer of the grant store.
type Mutator struct {
	store    WriteStore
	catalog  *Catalog
	roles    RoleDirectory
	settings SettingsStore
	notifier Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger

	topRole       string
	secondaryRole string
}

// MutatorConfig collects the Mutator's collaborators.
type MutatorConfig struct {
	Store         WriteStore
	Catalog       *Catalog
	Roles         RoleDirectory
	Settings      SettingsStore
	Notifier      Notifier
	Metrics       MetricsRecorder
	Logger        *slog.Logger
	TopRole       string
	SecondaryRole string
}

// NewMutator constructs the write service.
func NewMutator(cfg MutatorConfig) *Mutator {
	return &Mutator{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		roles:         cfg.Roles,
		settings:      cfg.Settings,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		topRole:       cfg.TopRole,
		secondaryRole: cfg.SecondaryRole,
	}
}

// Grant upserts a single grant. The key must be known to the catalog but need
// not be active: a disabled feature key may be pre-granted. Granting an
// already-granted key is a no-op, not an error.
func (m *Mutator) Grant(ctx context.Context, roleID int64, key, grantedBy string) (Grant, error) {
	if !m.catalog.IsKnownKey(key) {
		return Grant{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err := m.refuseTopRole(ctx, roleID); err != nil {
		return Grant{}, err
	}
	g := Grant{RoleID: roleID, Key: key, GrantedBy: grantedBy}
	inserted, err := m.store.InsertIfAbsent(ctx, g)
	if err != nil {
		return Grant{}, err
	}
	if inserted {
		if m.metrics != nil {
			m.metrics.GrantApplied()
		}
		m.notify(ctx, roleID)
	}
	return g, nil
}

// Revoke removes a single grant. Unlike Grant, revoking something that was
// never granted is surfaced as ErrGrantNotFound.
func (m *Mutator) Revoke(ctx context.Context, roleID int64, key string) error {
	if err := m.refuseTopRole(ctx, roleID); err != nil {
		return err
	}
	deleted, err := m.store.Delete(ctx, roleID, key)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: role %d key %q", ErrGrantNotFound, roleID, key)
	}
	if m.metrics != nil {
		m.metrics.GrantRevoked()
	}
	m.notify(ctx, roleID)
	return nil
}

// Set reconciles the role's full grant set against desired inside one
// transaction: lock the role's rows, read the current set, intersect desired
// with the catalog (unknown keys are silently dropped), then bulk-apply the
// add/remove diff. The lock serializes concurrent reconciliations of the same
// role so neither side computes its diff from a stale read; reconciliations
// of different roles do not block each other. Returns the applied set.
func (m *Mutator) Set(ctx context.Context, roleID int64, desired []string, grantedBy string) ([]string, error) {
	if err := m.refuseTopRole(ctx, roleID); err != nil {
		return nil, err
	}

	applied := filterKnown(desired, m.catalog)
	var added, removed int
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		currentKeys, err := tx.KeysForRoleLocked(ctx, roleID)
		if err != nil {
			return err
		}
		current := toSet(currentKeys)

		var toAdd []Grant
		for _, key := range applied {
			if _, ok := current[key]; !ok {
				toAdd = append(toAdd, Grant{RoleID: roleID, Key: key, GrantedBy: grantedBy})
			}
		}
		appliedSet := toSet(applied)
		var toRemove []string
		for key := range current {
			if _, ok := appliedSet[key]; !ok {
				toRemove = append(toRemove, key)
			}
		}

		if err := tx.BulkInsert(ctx, toAdd); err != nil {
			return err
		}
		if err := tx.BulkDelete(ctx, roleID, toRemove); err != nil {
			return err
		}
		added, removed = len(toAdd), len(toRemove)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.Reconciliation(added, removed)
	}
	// Notification happens once per reconciliation, after commit, outside
	// any lock.
	m.notify(ctx, roleID)
	return applied, nil
}

// GrantAll grants every key the catalog currently knows.
func (m *Mutator) GrantAll(ctx context.Context, roleID int64, grantedBy string) ([]string, error) {
	return m.Set(ctx, roleID, m.catalog.AllKeys(), grantedBy)
}

// RevokeAll deletes every grant the role holds. This skips the reconciliation
// lock: the delete's own atomicity suffices when the desired set is empty.
func (m *Mutator) RevokeAll(ctx context.Context, roleID int64) error {
	if err := m.refuseTopRole(ctx, roleID); err != nil {
		return err
	}
	removed, err := m.store.DeleteAllForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Reconciliation(0, int(removed))
	}
	m.notify(ctx, roleID)
	return nil
}

// Copy replaces the target role's grants with the source role's current set.
func (m *Mutator) Copy(ctx context.Context, sourceRole, targetRole int64, grantedBy string) ([]string, error) {
	keys, err := m.store.KeysForRole(ctx, sourceRole)
	if err != nil {
		return nil, err
	}
	return m.Set(ctx, targetRole, keys, grantedBy)
}

// KeyRegistered implements GrantHook: auto-grant a freshly registered custom
// key to the secondary privileged role, at most once per registration
// lifetime. A persisted flag gates the grant so an operator who revokes it is
// not overridden by the next registration of the same key. Every failure here
// is logged and swallowed; a missed auto-grant must never block registration.
func (m *Mutator) KeyRegistered(ctx context.Context, key string) {
	flagKey := autoGrantFlagPrefix + key

	value, found, err := m.settings.Get(ctx, flagKey)
	if err != nil {
		m.swallow("auto-grant flag read", key, err)
		return
	}
	if found && value == "true" {
		return
	}

	roleID, err := m.roles.IDByName(ctx, m.secondaryRole)
	if err != nil {
		m.swallow("auto-grant role lookup", key, err)
		return
	}
	if _, err := m.Grant(ctx, roleID, key, "system:auto-grant"); err != nil {
		m.swallow("auto-grant", key, err)
		return
	}
	if err := m.settings.Set(ctx, flagKey, "true"); err != nil {
		m.swallow("auto-grant flag write", key, err)
	}
}

// KeyUnregistered implements GrantHook: clearing the flag lets a future
// re-registration repeat the auto-grant.
func (m *Mutator) KeyUnregistered(ctx context.Context, key string) {
	if err := m.settings.Delete(ctx, autoGrantFlagPrefix+key); err != nil {
		m.swallow("auto-grant flag clear", key, err)
	}
}

// refuseTopRole rejects mutations targeting the always-privileged role, which
// bypasses the grant store entirely and must never appear in it.
func (m *Mutator) refuseTopRole(ctx context.Context, roleID int64) error {
	name, err := m.roles.NameByID(ctx, roleID)
	if err != nil {
		return fmt.Errorf("perm: resolve role %d: %w", roleID, err)
	}
	if name == m.topRole {
		return ErrTopRoleImmutable
	}
	return nil
}

func (m *Mutator) notify(ctx context.Context, roleID int64) {
	if m.notifier != nil {
		m.notifier.RoleChanged(ctx, roleID)
	}
}

func (m *Mutator) swallow(op, key string, err error) {
	if m.logger != nil {
		m.logger.Warn(op+" failed", slog.String("key", key), slog.Any("error", err))
	}
}

// filterKnown intersects desired with the catalog's known keys, deduplicated
// and sorted. Unknown keys are dropped without error.
func filterKnown(desired []string, catalog *Catalog) []string {
	seen := make(map[string]struct{}, len(desired))
	out := make([]string, 0, len(desired))
	for _, key := range desired {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if catalog.IsKnownKey(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
