package users

import (
	"context"
)

// RepositoryPort defines data access methods for users and role assignments.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	RoleNamesForUser(ctx context.Context, userID int64) ([]string, error)
	UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)
}

// Service resolves user↔role assignments. It satisfies the permission
// engine's AssignmentDirectory port.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// RoleNamesForUser returns the names of every role the user holds.
func (s *Service) RoleNamesForUser(ctx context.Context, userID int64) ([]string, error) {
	return s.repo.RoleNamesForUser(ctx, userID)
}

// UserIDsWithRole returns ids of every user currently assigned the role.
func (s *Service) UserIDsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.repo.UserIDsWithRole(ctx, roleID)
}

// ActiveUserIDs returns ids of every active user.
func (s *Service) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ActiveUserIDs(ctx)
}
