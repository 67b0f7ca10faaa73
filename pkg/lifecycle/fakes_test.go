package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/trialctl/pkg/directory"
	"github.com/ethpandaops/trialctl/pkg/registry"
	"github.com/ethpandaops/trialctl/pkg/script"
)

type fakeDirectory struct {
	assets  map[string]*directory.ClientAsset
	err     error
	lookups int
}

func (d *fakeDirectory) Resolve(_ context.Context, code string) (*directory.ClientAsset, error) {
	d.lookups++

	if d.err != nil {
		return nil, d.err
	}

	return d.assets[code], nil
}

func (d *fakeDirectory) Ping(_ context.Context) error {
	return d.err
}

type call struct {
	Op     string
	Params []script.Param
}

// fakeExecutor records calls and answers through respond, which defaults
// to a successful empty result.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []call
	respond func(op string, params []script.Param) (*script.Result, error)
}

func (e *fakeExecutor) Invoke(
	_ context.Context, op string, params []script.Param,
) (*script.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call{Op: op, Params: params})
	respond := e.respond
	e.mu.Unlock()

	if respond == nil {
		return &script.Result{}, nil
	}

	return respond(op, params)
}

func (e *fakeExecutor) ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.Op+":"+paramValue(c.Params, "Name")+paramValue(c.Params, "Id"))
	}

	return out
}

func paramValue(params []script.Param, name string) string {
	for _, p := range params {
		if p.Name == name {
			return p.Value
		}
	}

	return ""
}

// fakeRegistry is an in-memory Registry with the same row semantics as
// the database-backed one.
type fakeRegistry struct {
	mu      sync.Mutex
	nextID  uint
	trials  map[uint]registry.Trial
	steps   []registry.Step
	addErr  error
	findErr error
	// advanceErr fails Advance when moving to the given stage.
	advanceErr map[registry.Stage]error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{trials: make(map[uint]registry.Trial, 4)}
}

func (r *fakeRegistry) Start(_ context.Context) error { return nil }
func (r *fakeRegistry) Stop() error                   { return nil }

func (r *fakeRegistry) Add(_ context.Context, trial *registry.Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.addErr != nil {
		return r.addErr
	}

	for _, t := range r.trials {
		if (t.ClientCode == trial.ClientCode && t.Name == trial.Name) ||
			t.HDFolderName == trial.HDFolderName {
			return fmt.Errorf("adding trial: %w", registry.ErrConflict)
		}
	}

	r.nextID++
	trial.ID = r.nextID

	if trial.Stage == "" {
		trial.Stage = registry.StagePersisted
	}

	trial.CreatedAt = time.Now()
	r.trials[trial.ID] = *trial
	r.steps = append(r.steps, registry.Step{TrialID: trial.ID, Stage: trial.Stage, Note: trial.VMID})

	return nil
}

func (r *fakeRegistry) FindByID(_ context.Context, id uint) (*registry.Trial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return nil, r.findErr
	}

	t, ok := r.trials[id]
	if !ok {
		return nil, nil
	}

	return &t, nil
}

func (r *fakeRegistry) FindByIdentity(
	_ context.Context, clientCode, name string,
) (*registry.Trial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return nil, r.findErr
	}

	for _, t := range r.trials {
		if t.ClientCode == clientCode && t.Name == name {
			return &t, nil
		}
	}

	return nil, nil
}

func (r *fakeRegistry) Advance(
	_ context.Context, trial *registry.Trial, stage registry.Stage, note string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.advanceErr[stage]; err != nil {
		return err
	}

	t, ok := r.trials[trial.ID]
	if !ok {
		return registry.ErrRowsAffected
	}

	t.Stage = stage
	r.trials[trial.ID] = t
	r.steps = append(r.steps, registry.Step{TrialID: trial.ID, Stage: stage, Note: note})
	trial.Stage = stage

	return nil
}

func (r *fakeRegistry) Remove(_ context.Context, trial *registry.Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trials[trial.ID]; !ok {
		return registry.ErrRowsAffected
	}

	delete(r.trials, trial.ID)

	return nil
}

func (r *fakeRegistry) List(_ context.Context) ([]registry.Trial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]registry.Trial, 0, len(r.trials))
	for _, t := range r.trials {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (r *fakeRegistry) Steps(_ context.Context, trialID uint) ([]registry.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []registry.Step

	for _, s := range r.steps {
		if s.TrialID == trialID {
			out = append(out, s)
		}
	}

	return out, nil
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.trials)
}

var (
	_ directory.Directory = (*fakeDirectory)(nil)
	_ script.Executor     = (*fakeExecutor)(nil)
	_ registry.Registry   = (*fakeRegistry)(nil)
)
