// Package preflight verifies that the host can run trial workflows.
package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/trialctl/pkg/directory"
	"github.com/ethpandaops/trialctl/pkg/script"
)

// Check names.
const (
	CheckVirtualization = "virtualization"
	CheckSQL            = "sql"
	CheckDirectory      = "client-directory"
	CheckFreeSpace      = "free-space"
)

// Expected check script outputs, compared case-insensitively.
const (
	VirtualizationEnabled = "Enabled"
	SQLInstanceName       = "MSSQLServer"
)

// Config configures the Checker.
type Config struct {
	StagingDir   string
	MinFreeBytes int64
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name     string        `json:"name"`
	Detail   string        `json:"detail,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the check succeeded.
func (r CheckResult) Passed() bool {
	return r.Err == nil
}

// Report holds the results of every check in a fixed order.
type Report struct {
	Checks []CheckResult `json:"checks"`
}

// Err returns the first failed check as an error, or nil.
func (r *Report) Err() error {
	for _, c := range r.Checks {
		if c.Err != nil {
			return fmt.Errorf("preflight check %s failed: %w", c.Name, c.Err)
		}
	}

	return nil
}

// String renders one line per check.
func (r *Report) String() string {
	var sb strings.Builder

	for _, c := range r.Checks {
		status := "ok"
		if !c.Passed() {
			status = "FAIL"
		}

		fmt.Fprintf(&sb, "%-18s %-4s", c.Name, status)

		switch {
		case c.Err != nil:
			fmt.Fprintf(&sb, " %v", c.Err)
		case c.Detail != "":
			fmt.Fprintf(&sb, " %s", c.Detail)
		}

		sb.WriteString("\n")
	}

	return sb.String()
}

// Checker runs the preflight checks.
type Checker interface {
	// Run executes all checks concurrently. The report is always returned;
	// the error is the first failed check.
	Run(ctx context.Context) (*Report, error)
}

// Compile-time interface check.
var _ Checker = (*checker)(nil)

type freeSpaceFunc func(ctx context.Context, path string) (uint64, error)

type checker struct {
	log       logrus.FieldLogger
	cfg       *Config
	exec      script.Executor
	dir       directory.Directory
	freeSpace freeSpaceFunc
}

// NewChecker creates a new Checker.
func NewChecker(
	log logrus.FieldLogger,
	cfg *Config,
	exec script.Executor,
	dir directory.Directory,
) Checker {
	return &checker{
		log:       log.WithField("component", "preflight"),
		cfg:       cfg,
		exec:      exec,
		dir:       dir,
		freeSpace: diskFree,
	}
}

func (c *checker) Run(ctx context.Context) (*Report, error) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		{CheckVirtualization, c.scriptOutput(script.OpCheckVirtualization, VirtualizationEnabled)},
		{CheckSQL, c.scriptOutput(script.OpCheckSQL, SQLInstanceName)},
		{CheckDirectory, c.directoryReachable},
		{CheckFreeSpace, c.stagingFreeSpace},
	}

	report := &Report{Checks: make([]CheckResult, len(checks))}

	var g errgroup.Group

	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			detail, err := check.fn(ctx)

			result := CheckResult{
				Name:     check.name,
				Detail:   detail,
				Err:      err,
				Duration: time.Since(start),
			}

			log := c.log.WithField("check", check.name)
			if err != nil {
				result.Error = err.Error()
				log.WithError(err).Warn("Preflight check failed")
			} else {
				log.Debug("Preflight check passed")
			}

			report.Checks[i] = result

			return nil
		})
	}

	_ = g.Wait()

	return report, report.Err()
}

// scriptOutput returns a check that runs op and compares its output.
func (c *checker) scriptOutput(
	op, want string,
) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		res, err := c.exec.Invoke(ctx, op, nil)
		if err != nil {
			return "", err
		}

		if res.Failed {
			return "", fmt.Errorf("%s reported: %s", op, res.ErrorMessage)
		}

		if !strings.EqualFold(strings.TrimSpace(res.Output), want) {
			return "", fmt.Errorf("%s returned %q, want %q", op, res.Output, want)
		}

		return res.Output, nil
	}
}

func (c *checker) directoryReachable(ctx context.Context) (string, error) {
	if err := c.dir.Ping(ctx); err != nil {
		return "", err
	}

	return "reachable", nil
}

func (c *checker) stagingFreeSpace(ctx context.Context) (string, error) {
	free, err := c.freeSpace(ctx, c.cfg.StagingDir)
	if err != nil {
		return "", fmt.Errorf("reading free space of %s: %w", c.cfg.StagingDir, err)
	}

	detail := units.HumanSize(float64(free)) + " free"

	if c.cfg.MinFreeBytes > 0 && free < uint64(c.cfg.MinFreeBytes) {
		return "", fmt.Errorf(
			"%s has %s free, need %s", c.cfg.StagingDir,
			units.HumanSize(float64(free)), units.HumanSize(float64(c.cfg.MinFreeBytes)),
		)
	}

	return detail, nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}
