package perm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halcyon-admin/halcyon/internal/shared"
)

// memoryStore is an in-memory WriteStore/ReadStore whose transactions hold a
// per-role mutex for the duration of the reconciliation, mirroring the row
// lock the PostgreSQL store takes with FOR UPDATE.
type memoryStore struct {
	mu        sync.Mutex
	roleLocks map[int64]*sync.Mutex
	grants    map[int64]map[string]Grant
	failWith  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roleLocks: make(map[int64]*sync.Mutex),
		grants:    make(map[int64]map[string]Grant),
	}
}

func (s *memoryStore) roleLock(roleID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleLocks[roleID]; !ok {
		s.roleLocks[roleID] = &sync.Mutex{}
	}
	return s.roleLocks[roleID]
}

func (s *memoryStore) keysLocked(roleID int64) []string {
	keys := make([]string, 0, len(s.grants[roleID]))
	for k := range s.grants[roleID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *memoryStore) KeysForRole(ctx context.Context, roleID int64) ([]string, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked(roleID), nil
}

func (s *memoryStore) KeysForUser(ctx context.Context, userID int64) ([]string, error) {
	return nil, errors.New("not used by mutator tests")
}

func (s *memoryStore) GrantsForRole(ctx context.Context, roleID int64) ([]Grant, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	grants := make([]Grant, 0, len(s.grants[roleID]))
	for _, key := range s.keysLocked(roleID) {
		grants = append(grants, s.grants[roleID][key])
	}
	return grants, nil
}

func (s *memoryStore) HasGrant(ctx context.Context, roleID int64, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[roleID][key]
	return ok, nil
}

func (s *memoryStore) Matrix(ctx context.Context) (map[int64][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]string, len(s.grants))
	for roleID := range s.grants {
		out[roleID] = s.keysLocked(roleID)
	}
	return out, nil
}

func (s *memoryStore) RolesWithKey(ctx context.Context, key string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for roleID, keys := range s.grants {
		if _, ok := keys[key]; ok {
			ids = append(ids, roleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) UsersWithKey(ctx context.Context, key string) ([]int64, error) {
	return nil, errors.New("not used by mutator tests")
}

func (s *memoryStore) CountForRole(ctx context.Context, roleID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants[roleID]), nil
}

func (s *memoryStore) InsertIfAbsent(ctx context.Context, g Grant) (bool, error) {
	if s.failWith != nil {
		return false, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.RoleID][g.Key]; ok {
		return false, nil
	}
	if s.grants[g.RoleID] == nil {
		s.grants[g.RoleID] = make(map[string]Grant)
	}
	s.grants[g.RoleID][g.Key] = g
	return true, nil
}

func (s *memoryStore) Delete(ctx context.Context, roleID int64, key string) (bool, error) {
	if s.failWith != nil {
		return false, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[roleID][key]; !ok {
		return false, nil
	}
	delete(s.grants[roleID], key)
	return true, nil
}

func (s *memoryStore) DeleteAllForRole(ctx context.Context, roleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.grants[roleID]))
	delete(s.grants, roleID)
	return removed, nil
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if s.failWith != nil {
		return s.failWith
	}
	tx := &memoryTx{store: s}
	err := fn(ctx, tx)
	tx.release()
	return err
}

type memoryTx struct {
	store  *memoryStore
	locked []*sync.Mutex
}

func (t *memoryTx) release() {
	for _, mu := range t.locked {
		mu.Unlock()
	}
	t.locked = nil
}

func (t *memoryTx) KeysForRoleLocked(ctx context.Context, roleID int64) ([]string, error) {
	mu := t.store.roleLock(roleID)
	mu.Lock()
	t.locked = append(t.locked, mu)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.keysLocked(roleID), nil
}

func (t *memoryTx) BulkInsert(ctx context.Context, grants []Grant) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, g := range grants {
		if t.store.grants[g.RoleID] == nil {
			t.store.grants[g.RoleID] = make(map[string]Grant)
		}
		t.store.grants[g.RoleID][g.Key] = g
	}
	return nil
}

func (t *memoryTx) BulkDelete(ctx context.Context, roleID int64, keys []string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, k := range keys {
		delete(t.store.grants[roleID], k)
	}
	return nil
}

// stubRoles resolves a fixed id↔name table.
type stubRoles struct {
	byID map[int64]string
}

func (s *stubRoles) NameByID(ctx context.Context, roleID int64) (string, error) {
	name, ok := s.byID[roleID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return name, nil
}

func (s *stubRoles) IDByName(ctx context.Context, name string) (int64, error) {
	for id, n := range s.byID {
		if n == name {
			return id, nil
		}
	}
	return 0, shared.ErrNotFound
}

// stubSettings is an in-memory settings collaborator.
type stubSettings struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newStubSettings() *stubSettings {
	return &stubSettings{values: make(map[string]string)}
}

func (s *stubSettings) Get(ctx context.Context, key string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *stubSettings) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *stubSettings) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// recordingNotifier records every role-changed signal.
type recordingNotifier struct {
	mu    sync.Mutex
	roles []int64
}

func (n *recordingNotifier) RoleChanged(ctx context.Context, roleID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roles = append(n.roles, roleID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.roles)
}

// recordingMetrics captures reconciliation diffs.
type recordingMetrics struct {
	mu       sync.Mutex
	applied  int
	revoked  int
	added    int
	removed  int
	reconcns int
}

func (m *recordingMetrics) GrantApplied() { m.mu.Lock(); m.applied++; m.mu.Unlock() }
func (m *recordingMetrics) GrantRevoked() { m.mu.Lock(); m.revoked++; m.mu.Unlock() }
func (m *recordingMetrics) Reconciliation(added, removed int) {
	m.mu.Lock()
	m.reconcns++
	m.added += added
	m.removed += removed
	m.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	ownerRoleID  = int64(1)
	adminRoleID  = int64(2)
	editorRoleID = int64(3)
	viewerRoleID = int64(4)
)

func testRoles() *stubRoles {
	return &stubRoles{byID: map[int64]string{
		ownerRoleID:  "owner",
		adminRoleID:  "admin",
		editorRoleID: "editor",
		viewerRoleID: "viewer",
	}}
}

type mutatorFixture struct {
	store    *memoryStore
	catalog  *Catalog
	settings *stubSettings
	notifier *recordingNotifier
	metrics  *recordingMetrics
	mutator  *Mutator
}

func newMutatorFixture(t *testing.T) *mutatorFixture {
	t.Helper()
	f := &mutatorFixture{
		store:    newMemoryStore(),
		catalog:  NewCatalog(discardLogger(), nil, nil),
		settings: newStubSettings(),
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	f.mutator = NewMutator(MutatorConfig{
		Store:         f.store,
		Catalog:       f.catalog,
		Roles:         testRoles(),
		Settings:      f.settings,
		Notifier:      f.notifier,
		Metrics:       f.metrics,
		Logger:        discardLogger(),
		TopRole:       "owner",
		SecondaryRole: "admin",
	})
	f.catalog.SetHook(f.mutator)
	return f
}

func TestGrantIsIdempotent(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	_, err := f.mutator.Grant(ctx, editorRoleID, "users", "alice@example.com")
	require.NoError(t, err)
	_, err = f.mutator.Grant(ctx, editorRoleID, "users", "bob@example.com")
	require.NoError(t, err)

	keys, err := f.store.KeysForRole(ctx, editorRoleID)
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, keys)
	// The no-op second call must not fan out a refresh.
	require.Equal(t, 1, f.notifier.count())
}

func TestGrantUnknownKeyRejected(t *testing.T) {
	f := newMutatorFixture(t)

	_, err := f.mutator.Grant(context.Background(), editorRoleID, "bogus_key", "")
	require.ErrorIs(t, err, ErrUnknownKey)
	require.Equal(t, 0, f.notifier.count())
}

func TestGrantTopRoleRefused(t *testing.T) {
	f := newMutatorFixture(t)

	_, err := f.mutator.Grant(context.Background(), ownerRoleID, "users", "")
	require.ErrorIs(t, err, ErrTopRoleImmutable)
}

func TestRevokeNotFound(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	err := f.mutator.Revoke(ctx, editorRoleID, "users")
	require.ErrorIs(t, err, ErrGrantNotFound)

	keys, err := f.store.KeysForRole(ctx, editorRoleID)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 0, f.notifier.count())
}

func TestSetReconciliation(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	_, err := f.mutator.Grant(ctx, editorRoleID, "users", "")
	require.NoError(t, err)
	_, err = f.mutator.Grant(ctx, editorRoleID, "media", "")
	require.NoError(t, err)

	applied, err := f.mutator.Set(ctx, editorRoleID, []string{"users", "billing", "bogus_key"}, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"billing", "users"}, applied)

	keys, err := f.store.KeysForRole(ctx, editorRoleID)
	require.NoError(t, err)
	require.Equal(t, []string{"billing", "users"}, keys)

	// Exactly one insert (billing) and one delete (media).
	require.Equal(t, 1, f.metrics.added)
	require.Equal(t, 1, f.metrics.removed)
	require.Equal(t, 1, f.metrics.reconcns)
}

func TestSetNotifiesOncePerReconciliation(t *testing.T) {
	f := newMutatorFixture(t)

	_, err := f.mutator.Set(context.Background(), editorRoleID, []string{"users", "roles", "dashboard"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, f.notifier.count())
}

func TestConcurrentSetNeverInterleaves(t *testing.T) {
	ctx := context.Background()
	d1 := []string{"users", "media", "billing"}
	d2 := []string{"dashboard", "settings"}

	for i := 0; i < 50; i++ {
		f := newMutatorFixture(t)
		_, err := f.mutator.Set(ctx, editorRoleID, []string{"roles"}, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.mutator.Set(ctx, editorRoleID, d1, "a"); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.mutator.Set(ctx, editorRoleID, d2, "b"); err != nil {
				t.Error(err)
			}
		}()
		wg.Wait()

		final, err := f.store.KeysForRole(ctx, editorRoleID)
		require.NoError(t, err)
		want1 := []string{"billing", "media", "users"}
		want2 := []string{"dashboard", "settings"}
		if fmt.Sprint(final) != fmt.Sprint(want1) && fmt.Sprint(final) != fmt.Sprint(want2) {
			t.Fatalf("interleaved reconciliation produced %v", final)
		}
	}
}

func TestGrantAllCoversCatalog(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.RegisterCustomKey(ctx, "analytics", KeyMetadata{Label: "Analytics"}))

	applied, err := f.mutator.GrantAll(ctx, viewerRoleID, "")
	require.NoError(t, err)
	require.Equal(t, f.catalog.AllKeys(), applied)
}

func TestCopyReplacesTargetSet(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	_, err := f.mutator.Set(ctx, editorRoleID, []string{"users", "media"}, "")
	require.NoError(t, err)
	_, err = f.mutator.Set(ctx, viewerRoleID, []string{"dashboard"}, "")
	require.NoError(t, err)

	applied, err := f.mutator.Copy(ctx, editorRoleID, viewerRoleID, "")
	require.NoError(t, err)
	require.Equal(t, []string{"media", "users"}, applied)

	keys, err := f.store.KeysForRole(ctx, viewerRoleID)
	require.NoError(t, err)
	require.Equal(t, []string{"media", "users"}, keys)
}

func TestRevokeAll(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	_, err := f.mutator.Set(ctx, editorRoleID, []string{"users", "media"}, "")
	require.NoError(t, err)
	require.NoError(t, f.mutator.RevokeAll(ctx, editorRoleID))

	keys, err := f.store.KeysForRole(ctx, editorRoleID)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 2, f.notifier.count())
}

func TestWriteErrorsPropagate(t *testing.T) {
	f := newMutatorFixture(t)
	f.store.failWith = errors.New("connection refused")

	_, err := f.mutator.Grant(context.Background(), editorRoleID, "users", "")
	require.Error(t, err)
	_, err = f.mutator.Set(context.Background(), editorRoleID, []string{"users"}, "")
	require.Error(t, err)
}

func TestAutoGrantOnRegistration(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.catalog.RegisterCustomKey(ctx, "analytics", KeyMetadata{Label: "Analytics"}))

	keys, err := f.store.KeysForRole(ctx, adminRoleID)
	require.NoError(t, err)
	require.Equal(t, []string{"analytics"}, keys)

	value, found, err := f.settings.Get(ctx, "auto_granted_perm:analytics")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "true", value)
}

func TestAutoGrantRespectsManualRevocation(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.catalog.RegisterCustomKey(ctx, "analytics", KeyMetadata{Label: "Analytics"}))
	require.NoError(t, f.mutator.Revoke(ctx, adminRoleID, "analytics"))

	// Re-registering the same key must not override the operator's choice.
	require.NoError(t, f.catalog.RegisterCustomKey(ctx, "analytics", KeyMetadata{Label: "Analytics v2"}))
	keys, err := f.store.KeysForRole(ctx, adminRoleID)
	require.NoError(t, err)
	require.Empty(t, keys)

	// Unregistration clears the flag, so a fresh registration grants again.
	f.catalog.UnregisterCustomKey(ctx, "analytics")
	require.NoError(t, f.catalog.RegisterCustomKey(ctx, "analytics", KeyMetadata{Label: "Analytics"}))
	keys, err = f.store.KeysForRole(ctx, adminRoleID)
	require.NoError(t, err)
	require.Equal(t, []string{"analytics"}, keys)
}

func TestAutoGrantFailureNeverBlocksRegistration(t *testing.T) {
	f := newMutatorFixture(t)
	f.settings.getErr = errors.New("settings store down")

	err := f.catalog.RegisterCustomKey(context.Background(), "analytics", KeyMetadata{})
	require.NoError(t, err)
	require.True(t, f.catalog.IsKnownKey("analytics"))
}
