package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process
// is killed on cancellation.
const waitDelay = 5 * time.Second

// Compile-time interface check.
var _ runner = (*localRunner)(nil)

// localRunner executes commands on this host.
type localRunner struct{}

func (r *localRunner) Run(
	ctx context.Context, argv []string,
) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv is built from config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), stderr.Bytes(), ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), &ExitError{Code: exitErr.ExitCode()}
		}

		return nil, nil, fmt.Errorf("running %s: %w", argv[0], err)
	}

	return stdout.Bytes(), stderr.Bytes(), nil
}
