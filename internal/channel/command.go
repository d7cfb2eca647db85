package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/tasklife/nag/internal/task"
)

// CommandSender runs a local notifier command per delivery, for
// self-hosted setups where the provider is a CLI. The payload JSON is
// written to the command's stdin; the first non-empty stdout line, if
// any, is taken as the provider id.
type CommandSender struct {
	argv    []string
	channel task.Channel
}

func NewCommandSender(argv []string, ch task.Channel) (*CommandSender, error) {
	if len(argv) == 0 {
		return nil, errors.New("command sender needs at least a program name")
	}
	return &CommandSender{argv: argv, channel: ch}, nil
}

func (c *CommandSender) Send(ctx context.Context, t task.Task) (string, error) {
	body, err := json.Marshal(NewPayload(t, c.channel))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s command exited %d: %s", c.channel, exitErr.ExitCode(), bytes.TrimSpace(exitErr.Stderr))
		}
		return "", fmt.Errorf("%s command: %w", c.channel, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed, nil
		}
	}
	return uuid.NewString(), nil
}
