package manager

import (
	"context"

	"sessionplane/internal/driver"
	"sessionplane/internal/supervisor"
)

// SupervisorSpawner starts a driver through Runtime and wraps it in a supervisor.
type SupervisorSpawner struct {
	Runtime driver.Runtime
	Deps    supervisor.Deps
	Options supervisor.Options
}

func (s *SupervisorSpawner) Spawn(ctx context.Context, sessionID string) (Supervised, error) {
	d, err := s.Runtime.Start(ctx, driver.StartOptions{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return supervisor.New(sessionID, d, s.Deps, s.Options), nil
}
