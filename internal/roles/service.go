package roles

import (
	"context"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
}

// Service resolves role identity for the rest of the application. It
// satisfies the permission engine's RoleDirectory port.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// NameByID resolves a role id to its name.
func (s *Service) NameByID(ctx context.Context, roleID int64) (string, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return "", err
	}
	return role.Name, nil
}

// IDByName resolves a role name to its id.
func (s *Service) IDByName(ctx context.Context, name string) (int64, error) {
	role, err := s.repo.GetRoleByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return role.ID, nil
}
