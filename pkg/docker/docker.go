package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// Engine drives the host's container runtime over the docker and
// docker-compose CLIs. The enclave stack ships as compose files pulled
// from the content store, so the CLI is the interface.
type Engine struct {
	logger zerolog.Logger
}

// New returns an Engine logging under the given network name.
func New(network string) *Engine {
	return &Engine{
		logger: log.WithNetwork(network).With().Str("component", "docker").Logger(),
	}
}

// Run executes a docker command and returns its combined output.
func (e *Engine) Run(ctx context.Context, args ...string) (string, error) {
	return e.exec(ctx, "docker", args...)
}

// compose executes a docker-compose command against one compose file.
func (e *Engine) compose(ctx context.Context, file string, args ...string) (string, error) {
	full := append([]string{"-f", file}, args...)
	return e.exec(ctx, "docker-compose", full...)
}

func (e *Engine) exec(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	e.logger.Debug().
		Str("cmd", name+" "+strings.Join(args, " ")).
		Str("output", output).
		Msg("container engine call")

	if err != nil {
		return output, fmt.Errorf("failed to run %s %s: %w", name, strings.Join(args, " "), err)
	}
	return output, nil
}

// ComposeUp brings a compose stack up detached.
func (e *Engine) ComposeUp(ctx context.Context, file string) error {
	_, err := e.compose(ctx, file, "up", "-d")
	return err
}

// ComposeDown tears a compose stack down.
func (e *Engine) ComposeDown(ctx context.Context, file string) error {
	_, err := e.compose(ctx, file, "down")
	return err
}

// StopContainers stops the named containers. Containers that are not
// running are not an error.
func (e *Engine) StopContainers(ctx context.Context, names ...string) {
	for _, name := range names {
		if _, err := e.Run(ctx, "stop", name); err != nil {
			e.logger.Debug().Str("container", name).Msg("container not running")
		}
	}
}

// RemoveContainers force-removes the named containers, tolerating
// absence.
func (e *Engine) RemoveContainers(ctx context.Context, names ...string) {
	for _, name := range names {
		if _, err := e.Run(ctx, "rm", "-f", name); err != nil {
			e.logger.Debug().Str("container", name).Msg("container not present")
		}
	}
}

// Prune clears unused images, containers and volumes so each order
// starts from a clean engine.
func (e *Engine) Prune(ctx context.Context) error {
	_, err := e.Run(ctx, "system", "prune", "-a", "-f", "--volumes")
	return err
}

// StartRegistry runs a local registry:2 container backed by the
// downloaded enclave image directory, so the compose stack pulls the
// attested image bytes instead of a remote tag.
func (e *Engine) StartRegistry(ctx context.Context, imageDir string) error {
	_, err := e.Run(ctx, "run", "-d", "--restart=always",
		"-p", "5000:5000",
		"--name", "registry",
		"-v", imageDir+":/var/lib/registry",
		"registry:2")
	return err
}
