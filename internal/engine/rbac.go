package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"cardline/internal/config"
	"cardline/internal/engine/auth"
	"cardline/internal/events"
)

// Identity is what the caller can do on a project.
type Identity struct {
	ActorID     string   `json:"actor_id"`
	ProjectID   string   `json:"project_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config, ownerID, now string) error {
	ids := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		role := cfg.RBAC.Roles[id]
		if err := e.Repo.SeedRole(ctx, tx, id, role.Description, role.Permissions); err != nil {
			return fmt.Errorf("seed rbac: %w", err)
		}
	}
	if ownerID == "" {
		return nil
	}
	if err := e.Repo.EnsureActor(ctx, tx, ownerID, now); err != nil {
		return err
	}
	return e.Repo.AssignRole(ctx, tx, projectID, ownerID, "owner")
}

// GrantRole assigns an RBAC role; the granting actor needs rbac.admin.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, projectID, actorID, targetActorID, roleID, true)
}

// RevokeRole removes an RBAC role; the revoking actor needs rbac.admin.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, projectID, actorID, targetActorID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, projectID, actorID, targetActorID, roleID string, grant bool) error {
	if targetActorID == "" || roleID == "" {
		return errors.New("actor and role are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, projectID, actorID, "rbac.admin"); err != nil {
		return err
	}
	exists, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("unknown role %s", roleID)
	}
	evt := "rbac.granted"
	if grant {
		if err := e.Repo.EnsureActor(ctx, tx, targetActorID, e.stamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, projectID, targetActorID, roleID); err != nil {
			return err
		}
	} else {
		evt = "rbac.revoked"
		held, err := e.Repo.RevokeRole(ctx, tx, projectID, targetActorID, roleID)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
	}
	if err := e.Events.Append(ctx, tx, evt, projectID, "actor", targetActorID, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI lists the actor's roles and permissions on a project.
func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (Identity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, err
	}
	defer tx.Rollback()
	g, err := e.Auth.Grants(ctx, tx, projectID, actorID)
	if err != nil {
		return Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return Identity{}, err
	}
	return Identity{ActorID: actorID, ProjectID: projectID, Roles: g.Roles, Permissions: g.Permissions}, nil
}

// RequirePermission returns auth.ForbiddenError when the actor lacks perm.
func (e Engine) RequirePermission(ctx context.Context, projectID, actorID, perm string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, projectID, actorID, perm); err != nil {
		var fe auth.ForbiddenError
		if errors.As(err, &fe) {
			return fe
		}
		return err
	}
	return tx.Commit()
}
