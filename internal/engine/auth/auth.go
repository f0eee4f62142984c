package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	ProjectID  string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s on project %s", e.ActorID, e.Permission, e.ProjectID)
}

// Grants is the resolved set of roles and permissions an actor holds on one project.
type Grants struct {
	Roles       []string
	Permissions []string
}

// Has reports whether perm is granted, either exactly or through a "<prefix>.*" grant.
func (g Grants) Has(perm string) bool {
	for _, p := range g.Permissions {
		if p == perm || p == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(perm, prefix+".") {
			return true
		}
	}
	return false
}

// Service resolves RBAC grants from the actor_roles and role_permissions tables.
type Service struct {
	DB *sql.DB
}

// Grants loads roles and their permissions in a single pass.
func (s Service) Grants(ctx context.Context, tx *sql.Tx, projectID, actorID string) (Grants, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT ar.role_id, COALESCE(rp.permission_id,'')
FROM actor_roles ar
LEFT JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?`, projectID, actorID)
	if err != nil {
		return Grants{}, err
	}
	defer rows.Close()
	roles := map[string]bool{}
	perms := map[string]bool{}
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return Grants{}, err
		}
		roles[role] = true
		if perm != "" {
			perms[perm] = true
		}
	}
	if err := rows.Err(); err != nil {
		return Grants{}, err
	}
	return Grants{Roles: sortedKeys(roles), Permissions: sortedKeys(perms)}, nil
}

// Require returns ForbiddenError naming the first of perms the actor lacks.
func (s Service) Require(ctx context.Context, tx *sql.Tx, projectID, actorID string, perms ...string) error {
	g, err := s.Grants(ctx, tx, projectID, actorID)
	if err != nil {
		return err
	}
	for _, p := range perms {
		if !g.Has(p) {
			return ForbiddenError{ActorID: actorID, ProjectID: projectID, Permission: p}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
