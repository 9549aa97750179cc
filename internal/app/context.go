package app

import (
	"context"
	"errors"
	"fmt"

	"caseline/internal/config"
	"caseline/internal/repo"
)

// ResolveConfig loads the workspace config, preferring the DB-seeded copy and
// falling back to caseline.yml on disk, seeding the DB from it so the API and
// CLI agree. With neither present, defaults are seeded.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetWorkspaceConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("caseline")
	}
	if err := r.UpsertWorkspaceConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed workspace config: %w", err)
	}
	return cfg, nil
}
