package recovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// ContainerRestarter is the slice of the Docker API the executor needs
type ContainerRestarter interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// DockerExecutor restarts containers for restart_service and restart_pool.
// restart_service restarts the target container; restart_pool restarts every
// container listed in the "containers" param, falling back to the target.
type DockerExecutor struct {
	api    ContainerRestarter
	logger *zap.Logger
}

// NewDockerExecutorWithAPI wraps an existing client, usually a
// *client.Client from github.com/docker/docker/client
func NewDockerExecutorWithAPI(api ContainerRestarter, logger *zap.Logger) *DockerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerExecutor{api: api, logger: logger}
}

// Execute restarts the containers for the action
func (d *DockerExecutor) Execute(ctx context.Context, action Action, ec ExecContext) error {
	var targets []string
	switch action.Kind {
	case ActionRestartService:
		targets = []string{action.Target}
	case ActionRestartPool:
		targets = splitList(action.Params["containers"])
		if len(targets) == 0 {
			targets = []string{action.Target}
		}
	default:
		return fmt.Errorf("docker executor cannot run %s", action.Kind)
	}

	opts := container.StopOptions{}
	if v := action.Params["stop_timeout"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid stop_timeout %q: %w", v, err)
		}
		opts.Timeout = &secs
	}

	for _, id := range targets {
		if id == "" {
			return fmt.Errorf("%s: no container target", action.Kind)
		}
		if err := d.api.ContainerRestart(ctx, id, opts); err != nil {
			return fmt.Errorf("restart container %s: %w", id, err)
		}
		d.logger.Info("container restarted",
			zap.String("container", id),
			zap.String("plan", ec.Plan),
			zap.Int("attempt", ec.Attempt))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
