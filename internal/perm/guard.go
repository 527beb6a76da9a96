package perm

import "github.com/halcyon-admin/halcyon/internal/shared"

// Guard is the pure edit-policy decision: who may edit whose permissions. It
// has no side effects, never panics and every branch returns a typed error
// callers can translate into user-facing messages.
type Guard struct {
	TopRole       string
	SecondaryRole string
}

// CanEdit reports whether the editor may change targetRole's permissions.
//
// The rules, in order:
//   - an unauthenticated editor may edit nothing;
//   - the top-privileged role always has full access and is never editable;
//   - editors may not edit a role they themselves hold (self-lockout);
//   - the secondary privileged role may only be edited by the top role
//     (horizontal escalation between administrators).
func (g Guard) CanEdit(editor *shared.Actor, targetRole string) error {
	if editor == nil || editor.UserID == 0 {
		return ErrNotAuthenticated
	}
	if targetRole == g.TopRole {
		return ErrTopRoleImmutable
	}
	if editor.HasRole(targetRole) {
		return ErrOwnRole
	}
	if targetRole == g.SecondaryRole && !editor.HasRole(g.TopRole) {
		return ErrSecondaryRoleEdit
	}
	return nil
}
