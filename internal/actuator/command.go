package actuator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"gpuwatch/internal/logging"
	"gpuwatch/internal/policy"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, killed when ctx expires.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Command applies power and clock actions through nvidia-smi.
type Command struct {
	bin    string
	runner Runner
}

// NewCommand returns a Command invoking bin through runner.
func NewCommand(bin string, runner Runner) *Command {
	return &Command{bin: bin, runner: runner}
}

// Args returns the nvidia-smi arguments for req.
func Args(req policy.Request) ([]string, error) {
	if req.Target == policy.NodeTarget {
		return nil, fmt.Errorf("%w: %s needs an accelerator target", ErrUnsupported, req.Action.Type())
	}
	device := req.Target
	if strings.HasPrefix(device, "index-") {
		device = strconv.Itoa(req.Index)
	}
	switch a := req.Action.(type) {
	case policy.ThrottlePower:
		return []string{"-i", device, "-pl", strconv.FormatFloat(a.LimitWatts, 'f', -1, 64)}, nil
	case policy.LockClock:
		mhz := strconv.Itoa(a.ClockMHz)
		return []string{"-i", device, "-lgc", mhz + "," + mhz}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Action.Type())
}

// Apply implements policy.Actuator.
func (c *Command) Apply(ctx context.Context, req policy.Request) error {
	args, err := Args(req)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("running nvidia-smi", "bin", c.bin, "args", strings.Join(args, " "))
	out, err := c.runner.Run(ctx, c.bin, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", c.bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
