// Package lifecycle provisions and decommissions trial environments.
//
// A create resolves the client's assets, imports a VM and restores the
// client's RBS and RCS databases. A delete powers the VM off, removes its
// staging folder and drops both databases. Every completed step moves the
// trial's stage forward in the registry, so a retried workflow continues
// where the previous run stopped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trialctl/pkg/directory"
	"github.com/ethpandaops/trialctl/pkg/registry"
	"github.com/ethpandaops/trialctl/pkg/script"
	"github.com/ethpandaops/trialctl/pkg/staging"
)

// MaxClientCodeLength is the longest accepted client code.
const MaxClientCodeLength = 4

// Database name suffixes appended to the trial name.
const (
	SuffixRBS = "RBS"
	SuffixRCS = "RCS"
)

// trialNamePattern is the character set a trial name may use: letters,
// digits, underscores and spaces.
var trialNamePattern = regexp.MustCompile(`^[\p{L}\p{M}\p{N}\p{Pc} ]+$`)

// ErrNotFound is returned by GetEnvironment for an unknown id.
var ErrNotFound = errors.New("trial not found")

// Config configures the Manager.
type Config struct {
	// AssetRoot is joined in front of every asset reference.
	AssetRoot string
}

// Detail is a trial together with its step journal.
type Detail struct {
	Trial registry.Trial  `json:"trial"`
	Steps []registry.Step `json:"steps"`
}

// Manager runs trial workflows.
type Manager interface {
	// CreateEnvironment provisions trialName for clientCode. The outcome
	// is always non-nil; err is a *WorkflowError when the workflow failed.
	CreateEnvironment(ctx context.Context, clientCode, trialName string) (*Outcome, error)
	// DeleteEnvironment decommissions the trial with id. An unknown id
	// is a no-op with ResultNotFound.
	DeleteEnvironment(ctx context.Context, id uint) (*Outcome, error)
	// ListEnvironments returns all trials in insertion order.
	ListEnvironments(ctx context.Context) (*Listing, error)
	// GetEnvironment returns a trial and its journal, or ErrNotFound.
	GetEnvironment(ctx context.Context, id uint) (*Detail, error)
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log   logrus.FieldLogger
	cfg   *Config
	dir   directory.Directory
	exec  script.Executor
	reg   registry.Registry
	area  staging.Area
	locks *keyLock
}

// NewManager creates a new Manager.
func NewManager(
	log logrus.FieldLogger,
	cfg *Config,
	dir directory.Directory,
	exec script.Executor,
	reg registry.Registry,
	area staging.Area,
) Manager {
	return &manager{
		log:   log.WithField("component", "lifecycle"),
		cfg:   cfg,
		dir:   dir,
		exec:  exec,
		reg:   reg,
		area:  area,
		locks: newKeyLock(),
	}
}

// ValidateCreate checks create arguments and returns the normalized
// client code and trial name.
func ValidateCreate(clientCode, trialName string) (string, string, error) {
	code := strings.ToLower(strings.TrimSpace(clientCode))
	name := strings.TrimSpace(trialName)

	if code == "" {
		return "", "", &WorkflowError{
			Result: ResultValidation, Step: StepValidate,
			Message: "client code is required",
		}
	}

	if utf8.RuneCountInString(code) > MaxClientCodeLength {
		return "", "", &WorkflowError{
			Result: ResultValidation, Step: StepValidate,
			Message: fmt.Sprintf(
				"client code %q is longer than %d characters", code, MaxClientCodeLength,
			),
		}
	}

	if name == "" {
		return "", "", &WorkflowError{
			Result: ResultValidation, Step: StepValidate,
			Message: "trial name is required",
		}
	}

	if !trialNamePattern.MatchString(name) {
		return "", "", &WorkflowError{
			Result: ResultValidation, Step: StepValidate,
			Message: fmt.Sprintf(
				"trial name %q may only contain letters, digits, underscores and spaces", name,
			),
		}
	}

	return code, name, nil
}

func (m *manager) ListEnvironments(ctx context.Context) (*Listing, error) {
	trials, err := m.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}

	return &Listing{Trials: trials}, nil
}

func (m *manager) GetEnvironment(ctx context.Context, id uint) (*Detail, error) {
	trial, err := m.reg.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting trial: %w", err)
	}

	if trial == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	steps, err := m.reg.Steps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting trial steps: %w", err)
	}

	return &Detail{Trial: *trial, Steps: steps}, nil
}

// invoke runs op. A fault or a reported failure both end the workflow.
func (m *manager) invoke(
	ctx context.Context,
	outcome *Outcome,
	step, op string,
	params ...script.Param,
) (*script.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fail(outcome, ResultExternalFault, step, "cancelled", err)
	}

	res, err := m.exec.Invoke(ctx, op, params)
	if err != nil {
		return nil, fail(outcome, ResultExternalFault, step, "", err)
	}

	if res.Failed {
		return nil, fail(outcome, ResultExternalFailure, step, res.ErrorMessage, nil)
	}

	return res, nil
}

// advance records stage on the trial.
func (m *manager) advance(
	ctx context.Context,
	outcome *Outcome,
	trial *registry.Trial,
	step string,
	stage registry.Stage,
	note string,
) error {
	if err := m.reg.Advance(ctx, trial, stage, note); err != nil {
		return fail(outcome, ResultPersistenceFailure, step, "recording stage", err)
	}

	return nil
}

func (m *manager) assetPath(ref string) string {
	return script.JoinPath(m.cfg.AssetRoot, ref)
}
