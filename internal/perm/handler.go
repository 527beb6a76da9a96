package perm

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/halcyon-admin/halcyon/internal/platform/httpx"
	"github.com/halcyon-admin/halcyon/internal/shared"
)

// Handler exposes the permission engine over the admin JSON API.
type Handler struct {
	logger    *slog.Logger
	catalog   *Catalog
	query     *Query
	mutator   *Mutator
	guard     Guard
	roles     RoleDirectory
	mw        Middleware
	validator *validator.Validate
}

// NewHandler builds the permissions API handler.
func NewHandler(logger *slog.Logger, catalog *Catalog, query *Query, mutator *Mutator, guard Guard, roles RoleDirectory, mw Middleware) *Handler {
	return &Handler{
		logger:    logger,
		catalog:   catalog,
		query:     query,
		mutator:   mutator,
		guard:     guard,
		roles:     roles,
		mw:        mw,
		validator: validator.New(),
	}
}

// MountRoutes registers the permission routes. Every route sits behind the
// "permissions" section key; edit routes additionally run the edit-policy
// guard against the target role.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireKey(KeyPermissions))
		r.Get("/keys", h.listKeys)
		r.Get("/matrix", h.matrix)
		r.Get("/diff", h.diff)
		r.Get("/roles/{roleID}", h.rolePermissions)
		r.Put("/roles/{roleID}", h.setRolePermissions)
		r.Post("/roles/{roleID}/grants", h.grant)
		r.Delete("/roles/{roleID}/grants/{key}", h.revoke)
		r.Post("/roles/{roleID}/grant-all", h.grantAll)
		r.Post("/roles/{roleID}/revoke-all", h.revokeAll)
		r.Post("/roles/{roleID}/copy", h.copyPermissions)
	})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"keys": h.catalog.Snapshot()})
}

func (h *Handler) matrix(w http.ResponseWriter, r *http.Request) {
	matrix := h.query.Matrix(r.Context())
	out := make(map[string][]string, len(matrix))
	for roleID, keys := range matrix {
		out[strconv.FormatInt(roleID, 10)] = keys
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"matrix": out})
}

func (h *Handler) diff(w http.ResponseWriter, r *http.Request) {
	roleA, errA := strconv.ParseInt(r.URL.Query().Get("role_a"), 10, 64)
	roleB, errB := strconv.ParseInt(r.URL.Query().Get("role_b"), 10, 64)
	if errA != nil || errB != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role_a and role_b must be role ids")
		return
	}
	httpx.JSON(w, http.StatusOK, h.query.Diff(r.Context(), roleA, roleB))
}

type grantView struct {
	Key       string    `json:"key"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	grants := h.query.GrantsForRole(r.Context(), roleID)
	views := make([]grantView, 0, len(grants))
	keys := make([]string, 0, len(grants))
	for _, g := range grants {
		views = append(views, grantView{Key: g.Key, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt})
		keys = append(keys, g.Key)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id": roleID,
		"keys":    keys,
		"grants":  views,
		"count":   len(grants),
	})
}

type setRequest struct {
	Keys []string `json:"keys" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actor, ok := h.guardEdit(w, r, roleID)
	if !ok {
		return
	}
	var req setRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	applied, err := h.mutator.Set(r.Context(), roleID, req.Keys, actor.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "keys": applied})
}

type grantRequest struct {
	Key string `json:"key" validate:"required"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actor, ok := h.guardEdit(w, r, roleID)
	if !ok {
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grant, err := h.mutator.Grant(r.Context(), roleID, req.Key, actor.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"role_id": grant.RoleID, "key": grant.Key})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if _, ok := h.guardEdit(w, r, roleID); !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.mutator.Revoke(r.Context(), roleID, key); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantAll(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actor, ok := h.guardEdit(w, r, roleID)
	if !ok {
		return
	}
	applied, err := h.mutator.GrantAll(r.Context(), roleID, actor.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "keys": applied})
}

func (h *Handler) revokeAll(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if _, ok := h.guardEdit(w, r, roleID); !ok {
		return
	}
	if err := h.mutator.RevokeAll(r.Context(), roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type copyRequest struct {
	SourceRoleID int64 `json:"source_role_id" validate:"required,gt=0"`
}

func (h *Handler) copyPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actor, ok := h.guardEdit(w, r, roleID)
	if !ok {
		return
	}
	var req copyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	applied, err := h.mutator.Copy(r.Context(), req.SourceRoleID, roleID, actor.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "keys": applied})
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "roleID must be a positive integer")
		return 0, false
	}
	return id, true
}

// guardEdit runs the edit policy against the target role, writing the refusal
// when editing is not permitted.
func (h *Handler) guardEdit(w http.ResponseWriter, r *http.Request, roleID int64) (*shared.Actor, bool) {
	actor := shared.ActorFromContext(r.Context())
	roleName, err := h.roles.NameByID(r.Context(), roleID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "role does not exist")
			return nil, false
		}
		h.logger.Error("resolve target role", slog.Int64("role", roleID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return nil, false
	}
	if err := h.guard.CanEdit(actor, roleName); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrNotAuthenticated) {
			status = http.StatusUnauthorized
		}
		httpx.Problem(w, status, http.StatusText(status), policyMessage(err))
		return nil, false
	}
	return actor, true
}

// policyMessage translates guard errors into user-facing text.
func policyMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "not authenticated"
	case errors.Is(err, ErrTopRoleImmutable):
		return "that role always has full access and cannot be modified"
	case errors.Is(err, ErrOwnRole):
		return "cannot edit permissions for your own role"
	case errors.Is(err, ErrSecondaryRoleEdit):
		return "only the top role can edit this role's permissions"
	default:
		return "forbidden"
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownKey),
		errors.Is(err, ErrInvalidKeyFormat),
		errors.Is(err, ErrKeyTooLong),
		errors.Is(err, ErrBuiltinCollision),
		errors.Is(err, ErrCatalogFull):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrTopRoleImmutable):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", policyMessage(err))
	case errors.Is(err, ErrGrantNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("permission mutation failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
