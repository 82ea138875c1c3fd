package authz

import (
	"context"
	"errors"
	"sync"
)

// memoryStore is an in-memory Store used across the package tests. When
// failWith is set every method returns that error.
type memoryStore struct {
	mu          sync.Mutex
	principals  map[string]Principal
	roles       map[string]Role
	assignments map[string][]string
	rolePerms   map[string][]Permission
	permsByName map[string]Permission
	grants      map[string]bool
	calls       map[string]int
	failWith    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		principals:  make(map[string]Principal),
		roles:       make(map[string]Role),
		assignments: make(map[string][]string),
		rolePerms:   make(map[string][]Permission),
		permsByName: make(map[string]Permission),
		grants:      make(map[string]bool),
		calls:       make(map[string]int),
	}
}

func (s *memoryStore) addPrincipal(p Principal) { s.principals[p.ID] = p }

func (s *memoryStore) addRole(r Role) { s.roles[r.ID] = r }

func (s *memoryStore) assign(principalID, roleID string) {
	s.assignments[principalID] = append(s.assignments[principalID], roleID)
}

func (s *memoryStore) addPermission(roleID string, p Permission) {
	s.rolePerms[roleID] = append(s.rolePerms[roleID], p)
	s.permsByName[p.Name] = p
}

func (s *memoryStore) definePermission(p Permission) {
	s.permsByName[p.Name] = p
}

func (s *memoryStore) grant(principalID, resourceID, permissionName string) {
	s.grants[principalID+"|"+resourceID+"|"+permissionName] = true
}

func (s *memoryStore) record(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.failWith
}

func (s *memoryStore) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *memoryStore) PrincipalByID(ctx context.Context, id string) (Principal, error) {
	if err := s.record("PrincipalByID"); err != nil {
		return Principal{}, err
	}
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) RolesForPrincipal(ctx context.Context, principalID, tenantID string) ([]Role, error) {
	if err := s.record("RolesForPrincipal"); err != nil {
		return nil, err
	}
	var roles []Role
	for _, roleID := range s.assignments[principalID] {
		role, ok := s.roles[roleID]
		if !ok || role.TenantID != tenantID {
			continue
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (s *memoryStore) RoleByID(ctx context.Context, id string) (Role, error) {
	if err := s.record("RoleByID"); err != nil {
		return Role{}, err
	}
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *memoryStore) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	if err := s.record("PermissionsForRole"); err != nil {
		return nil, err
	}
	return s.rolePerms[roleID], nil
}

func (s *memoryStore) PermissionByName(ctx context.Context, name string) (Permission, error) {
	if err := s.record("PermissionByName"); err != nil {
		return Permission{}, err
	}
	perm, ok := s.permsByName[name]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (s *memoryStore) HasResourceGrant(ctx context.Context, principalID, resourceID, permissionName string) (bool, error) {
	if err := s.record("HasResourceGrant"); err != nil {
		return false, err
	}
	return s.grants[principalID+"|"+resourceID+"|"+permissionName], nil
}

func (s *memoryStore) PrincipalIDsForRole(ctx context.Context, roleID string) ([]string, error) {
	if err := s.record("PrincipalIDsForRole"); err != nil {
		return nil, err
	}
	var ids []string
	for principalID, roleIDs := range s.assignments {
		for _, id := range roleIDs {
			if id == roleID {
				ids = append(ids, principalID)
				break
			}
		}
	}
	return ids, nil
}

var errStoreDown = errors.New("store down")
