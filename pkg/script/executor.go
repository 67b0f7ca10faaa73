package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/trialctl/pkg/config"
)

// Compile-time interface check.
var _ Executor = (*executor)(nil)

type executor struct {
	log        logrus.FieldLogger
	cfg        *config.ExecutorConfig
	runner     runner
	localFiles bool
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
}

// NewExecutor creates an Executor for the configured driver. At most
// cfg.MaxConcurrent operations run at once; further calls queue.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *config.ExecutorConfig,
) (Executor, error) {
	e := &executor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}

	switch cfg.Driver {
	case config.ExecutorLocal, "":
		e.runner = &localRunner{}
		e.localFiles = true
	case config.ExecutorSSH:
		r, err := newSSHRunner(&cfg.SSH)
		if err != nil {
			return nil, fmt.Errorf("creating ssh runner: %w", err)
		}

		e.runner = r
	default:
		return nil, fmt.Errorf("unsupported executor driver: %q", cfg.Driver)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrent
	}

	e.sem = semaphore.NewWeighted(int64(maxConcurrent))

	if cfg.RateLimitPerMinute > 0 {
		e.limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), 1,
		)
	}

	return e, nil
}

func (e *executor) Invoke(
	ctx context.Context, op string, params []Param,
) (*Result, error) {
	script, ok := e.cfg.Operations[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	scriptPath := JoinPath(e.cfg.ScriptsDir, script)

	if e.localFiles {
		scriptPath = filepath.FromSlash(scriptPath)

		if _, err := os.Stat(scriptPath); err != nil {
			return nil, fmt.Errorf("script for %s: %w", op, err)
		}
	}

	argv := make([]string, 0, 2+len(e.cfg.ShellArgs)+2*len(params))
	argv = append(argv, e.cfg.Shell)
	argv = append(argv, e.cfg.ShellArgs...)
	argv = append(argv, scriptPath)

	for _, p := range params {
		argv = append(argv, "-"+p.Name, p.Value)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting to run %s: %w", op, err)
	}
	defer e.sem.Release(1)

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	log := e.log.WithField("operation", op)
	log.WithField("script", scriptPath).Debug("Running operation")

	start := time.Now()

	stdout, stderr, err := e.runner.Run(ctx, argv)

	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		log.WithError(err).Error("Operation could not be run")

		return nil, fmt.Errorf("running %s: %w", op, err)
	}

	result := buildResult(stdout, stderr, exitErr)

	log = log.WithField("duration", time.Since(start).Round(time.Millisecond))
	if result.Failed {
		log.WithField("error", result.ErrorMessage).Warn("Operation reported failure")
	} else {
		log.Debug("Operation completed")
	}

	return result, nil
}

// acquire takes a concurrency slot and, when configured, waits for the
// rate limiter.
func (e *executor) acquire(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.sem.Release(1)

			return err
		}
	}

	return nil
}
