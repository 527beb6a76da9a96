package perm

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	maxCustomKeys = 50
	maxKeyLength  = 50
)

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ProbeFunc reports whether a feature module is currently enabled. Probes are
// supplied at composition time and may be arbitrarily unreliable; the catalog
// wraps every call so a failing probe reads as disabled.
type ProbeFunc func() bool

// GrantHook receives catalog lifecycle events. The mutation service implements
// it to drive the best-effort auto-grant of freshly registered keys; every
// hook call must swallow its own failures.
type GrantHook interface {
	KeyRegistered(ctx context.Context, key string)
	KeyUnregistered(ctx context.Context, key string)
}

// Catalog is the authoritative list of known permission keys: fixed core keys,
// fixed probe-gated feature keys and runtime-registered custom keys. A Catalog
// is instance-scoped shared state; construct one per application (or per test)
// rather than relying on a process global.
type Catalog struct {
	logger *slog.Logger
	hook   GrantHook

	mu       sync.RWMutex
	probes   map[string]ProbeFunc
	custom   map[string]KeyMetadata
	viewKeys map[string]string

	coreSet    map[string]struct{}
	featureSet map[string]struct{}
}

// NewCatalog constructs a Catalog with the given feature probes. The hook may
// be nil when no auto-grant behavior is wanted (tests, read-only tools).
func NewCatalog(logger *slog.Logger, probes map[string]ProbeFunc, hook GrantHook) *Catalog {
	c := &Catalog{
		logger:     logger,
		hook:       hook,
		probes:     make(map[string]ProbeFunc, len(probes)),
		custom:     make(map[string]KeyMetadata),
		viewKeys:   make(map[string]string),
		coreSet:    make(map[string]struct{}, len(coreKeys)),
		featureSet: make(map[string]struct{}, len(featureKeys)),
	}
	for _, k := range coreKeys {
		c.coreSet[k] = struct{}{}
	}
	for _, k := range featureKeys {
		c.featureSet[k] = struct{}{}
	}
	for k, fn := range probes {
		c.RegisterProbe(k, fn)
	}
	return c
}

// SetHook attaches the grant hook after construction. The catalog and the
// mutation service reference each other, so one side has to be wired late.
func (c *Catalog) SetHook(hook GrantHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// RegisterProbe installs the enabled-probe for a feature key. Probes for
// unknown keys are ignored with a warning.
func (c *Catalog) RegisterProbe(key string, fn ProbeFunc) {
	if fn == nil {
		return
	}
	if _, ok := c.featureSet[key]; !ok {
		if c.logger != nil {
			c.logger.Warn("probe registered for non-feature key", slog.String("key", key))
		}
		return
	}
	c.mu.Lock()
	c.probes[key] = fn
	c.mu.Unlock()
}

// AllKeys returns core, feature and custom keys with no duplicates, sorted.
func (c *Catalog) AllKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(coreKeys)+len(featureKeys)+len(c.custom))
	keys = append(keys, coreKeys...)
	keys = append(keys, featureKeys...)
	for k := range c.custom {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// IsKnownKey reports whether key is in the catalog, active or not.
func (c *Catalog) IsKnownKey(key string) bool {
	if _, ok := c.coreSet[key]; ok {
		return true
	}
	if _, ok := c.featureSet[key]; ok {
		return true
	}
	c.mu.RLock()
	_, ok := c.custom[key]
	c.mu.RUnlock()
	return ok
}

// Origin returns the key's origin and whether the key is known.
func (c *Catalog) Origin(key string) (Origin, bool) {
	if _, ok := c.coreSet[key]; ok {
		return OriginCore, true
	}
	if _, ok := c.featureSet[key]; ok {
		return OriginFeature, true
	}
	c.mu.RLock()
	_, ok := c.custom[key]
	c.mu.RUnlock()
	if ok {
		return OriginCustom, true
	}
	return "", false
}

// IsActiveKey reports whether the key currently gates anything: core keys are
// always active, feature keys follow their probe (re-evaluated on every call,
// never cached) and custom keys are active while registered.
func (c *Catalog) IsActiveKey(key string) bool {
	if _, ok := c.coreSet[key]; ok {
		return true
	}
	if _, ok := c.featureSet[key]; ok {
		c.mu.RLock()
		probe := c.probes[key]
		c.mu.RUnlock()
		return c.safeProbe(key, probe)
	}
	c.mu.RLock()
	_, ok := c.custom[key]
	c.mu.RUnlock()
	return ok
}

// safeProbe invokes a feature probe, treating a missing or panicking probe as
// disabled.
func (c *Catalog) safeProbe(key string, probe ProbeFunc) (enabled bool) {
	if probe == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.Warn("feature probe panicked", slog.String("key", key), slog.Any("panic", r))
			}
			enabled = false
		}
	}()
	return probe()
}

// RegisterCustomKey adds (or overwrites) a custom key with its metadata.
// Registration also triggers the one-time auto-grant of the key to the
// secondary privileged role via the grant hook; that side effect is
// best-effort and never fails the registration.
func (c *Catalog) RegisterCustomKey(ctx context.Context, key string, meta KeyMetadata) error {
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}
	if !keyPattern.MatchString(key) {
		return ErrInvalidKeyFormat
	}
	if _, ok := c.coreSet[key]; ok {
		return ErrBuiltinCollision
	}
	if _, ok := c.featureSet[key]; ok {
		return ErrBuiltinCollision
	}

	c.mu.Lock()
	_, exists := c.custom[key]
	if !exists && len(c.custom) >= maxCustomKeys {
		c.mu.Unlock()
		return ErrCatalogFull
	}
	c.custom[key] = meta
	hook := c.hook
	c.mu.Unlock()

	if exists && c.logger != nil {
		c.logger.Warn("custom permission key re-registered, metadata overwritten", slog.String("key", key))
	}
	if hook != nil {
		hook.KeyRegistered(ctx, key)
	}
	return nil
}

// UnregisterCustomKey removes a custom key's metadata, prunes any view
// associations pointing at it and clears the auto-grant flag so a future
// re-registration repeats the auto-grant. Unregistering an unknown key is a
// no-op.
func (c *Catalog) UnregisterCustomKey(ctx context.Context, key string) {
	c.mu.Lock()
	_, existed := c.custom[key]
	delete(c.custom, key)
	for view, k := range c.viewKeys {
		if k == key {
			delete(c.viewKeys, view)
		}
	}
	hook := c.hook
	c.mu.Unlock()

	if existed && hook != nil {
		hook.KeyUnregistered(ctx, key)
	}
}

// CustomKeys returns the currently registered custom keys, sorted.
func (c *Catalog) CustomKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.custom))
	for k := range c.custom {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Label resolves the display label for a key: fixed table, then custom
// metadata, then a capitalized fallback derived from the key itself.
func (c *Catalog) Label(key string) string {
	if meta, ok := builtinMetadata[key]; ok {
		return meta.Label
	}
	c.mu.RLock()
	meta, ok := c.custom[key]
	c.mu.RUnlock()
	if ok && meta.Label != "" {
		return meta.Label
	}
	return fallbackLabel(key)
}

// Icon resolves the icon name for a key, falling back to a generic icon.
func (c *Catalog) Icon(key string) string {
	if meta, ok := builtinMetadata[key]; ok {
		return meta.Icon
	}
	c.mu.RLock()
	meta, ok := c.custom[key]
	c.mu.RUnlock()
	if ok && meta.Icon != "" {
		return meta.Icon
	}
	return "circle"
}

// Description resolves the description for a key; unknown keys resolve to "".
func (c *Catalog) Description(key string) string {
	if meta, ok := builtinMetadata[key]; ok {
		return meta.Description
	}
	c.mu.RLock()
	meta, ok := c.custom[key]
	c.mu.RUnlock()
	if ok {
		return meta.Description
	}
	return ""
}

// CacheViewPermission remembers which permission key gates a UI surface. A
// silent remap of an existing surface is logged, since it usually means two
// modules are fighting over the same view id.
func (c *Catalog) CacheViewPermission(viewID, key string) {
	c.mu.Lock()
	prev, existed := c.viewKeys[viewID]
	c.viewKeys[viewID] = key
	c.mu.Unlock()

	if existed && prev != key && c.logger != nil {
		c.logger.Warn("view permission remapped",
			slog.String("view", viewID),
			slog.String("from", prev),
			slog.String("to", key))
	}
}

// ViewPermissions returns a copy of the view→key associations.
func (c *Catalog) ViewPermissions() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.viewKeys))
	for view, k := range c.viewKeys {
		out[view] = k
	}
	return out
}

// Reset clears all custom keys and view associations. Intended for tests.
func (c *Catalog) Reset() {
	c.mu.Lock()
	c.custom = make(map[string]KeyMetadata)
	c.viewKeys = make(map[string]string)
	c.mu.Unlock()
}

// KeyInfo is the catalog's serializable view of one key.
type KeyInfo struct {
	Key         string `json:"key"`
	Origin      Origin `json:"origin"`
	Active      bool   `json:"active"`
	Label       string `json:"label"`
	Icon        string `json:"icon"`
	Description string `json:"description,omitempty"`
}

// Snapshot returns every known key with its metadata and current activity.
func (c *Catalog) Snapshot() []KeyInfo {
	keys := c.AllKeys()
	infos := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		origin, _ := c.Origin(k)
		infos = append(infos, KeyInfo{
			Key:         k,
			Origin:      origin,
			Active:      c.IsActiveKey(k),
			Label:       c.Label(k),
			Icon:        c.Icon(k),
			Description: c.Description(k),
		})
	}
	return infos
}

func fallbackLabel(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
