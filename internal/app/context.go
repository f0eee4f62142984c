package app

import (
	"context"
	"errors"
	"fmt"

	"cardline/internal/config"
	"cardline/internal/engine"
	"cardline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads its stored config. It prefers
// the override, then the only project in the DB. A named project that does not exist yet
// is initialized with the default config and actorID as owner.
func ResolveProjectAndConfig(ctx context.Context, e engine.Engine, projectOverride, actorID string) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project: %w", err)
		}
		projectID = p.ID
	}

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		seed := e
		seed.Config = config.Default(projectID)
		if _, err := seed.InitProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("init project %s: %w", projectID, err)
		}
	}

	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// Engine resolves the project and returns an engine bound to its config.
func Engine(ctx context.Context, e engine.Engine, projectOverride, actorID string) (engine.Engine, string, error) {
	projectID, cfg, err := ResolveProjectAndConfig(ctx, e, projectOverride, actorID)
	if err != nil {
		return e, "", err
	}
	e.Config = cfg
	return e, projectID, nil
}
