package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/trialctl/pkg/config"
	"github.com/ethpandaops/trialctl/pkg/lifecycle"
	"github.com/ethpandaops/trialctl/pkg/registry"
)

type fakeManager struct {
	created []string
	deleted []uint
	trials  []registry.Trial
	create  func(ctx context.Context, code, name string) (*lifecycle.Outcome, error)
}

func (m *fakeManager) CreateEnvironment(
	ctx context.Context, clientCode, name string,
) (*lifecycle.Outcome, error) {
	m.created = append(m.created, name+"/"+clientCode)

	if m.create != nil {
		return m.create(ctx, clientCode, name)
	}

	return &lifecycle.Outcome{Result: lifecycle.ResultOK, Success: true}, nil
}

func (m *fakeManager) DeleteEnvironment(_ context.Context, id uint) (*lifecycle.Outcome, error) {
	m.deleted = append(m.deleted, id)

	if id == 404 {
		return &lifecycle.Outcome{
			Result:  lifecycle.ResultNotFound,
			Message: "trial 404 not found",
		}, nil
	}

	return &lifecycle.Outcome{
		Result:  lifecycle.ResultOK,
		Success: true,
		Absent:  []string{lifecycle.StepFolderRemove},
	}, nil
}

func (m *fakeManager) ListEnvironments(_ context.Context) (*lifecycle.Listing, error) {
	return &lifecycle.Listing{Trials: m.trials}, nil
}

func (m *fakeManager) GetEnvironment(_ context.Context, id uint) (*lifecycle.Detail, error) {
	for _, t := range m.trials {
		if t.ID == id {
			return &lifecycle.Detail{
				Trial: t,
				Steps: []registry.Step{
					{TrialID: id, Stage: registry.StagePersisted},
					{TrialID: id, Stage: registry.StageActive, Note: "restored"},
				},
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", lifecycle.ErrNotFound, id)
}

func runShellInput(t *testing.T, mgr *fakeManager, input string) string {
	t.Helper()

	var out bytes.Buffer

	sh := newShell(mgr, strings.NewReader(input), &out)
	require.NoError(t, sh.run(context.Background()))

	return out.String()
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{name: "words", line: "create Trial1 abcd", want: []string{"create", "Trial1", "abcd"}},
		{name: "quoted phrase", line: `create "Big Trial" abcd`, want: []string{"create", "Big Trial", "abcd"}},
		{name: "punctuation dropped", line: "delete #12!", want: []string{"delete", "12"}},
		{name: "extra spaces", line: "  list   ", want: []string{"list"}},
		{name: "nothing", line: "?!", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenize(tt.line))
		})
	}
}

func TestShell_Commands(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
		created  []string
		deleted  []uint
	}{
		{
			name:     "create",
			input:    "create Trial1 abcd\n",
			contains: []string{msgCreated},
			created:  []string{"Trial1/abcd"},
		},
		{
			name:     "create case insensitive command",
			input:    "CREATE \"Big Trial\" wxyz\n",
			contains: []string{msgCreated},
			created:  []string{"Big Trial/wxyz"},
		},
		{
			name:     "create missing client code",
			input:    "create Trial1\n",
			contains: []string{msgIncomplete},
		},
		{
			name:     "delete",
			input:    "delete 3\n",
			contains: []string{msgRemoved, "Already gone: folder-remove"},
			deleted:  []uint{3},
		},
		{
			name:     "delete missing id",
			input:    "delete\n",
			contains: []string{msgIncomplete},
		},
		{
			name:     "delete bad id",
			input:    "delete abc\n",
			contains: []string{`invalid trial id "abc"`},
		},
		{
			name:     "delete unknown",
			input:    "delete 404\n",
			contains: []string{"trial 404 not found"},
			deleted:  []uint{404},
		},
		{
			name:     "unknown command",
			input:    "launch rockets\n",
			contains: []string{msgNotRecognized},
		},
		{
			name:     "help",
			input:    "help\n",
			contains: []string{"Commands:", "Delete - 1 Argument: Id"},
		},
		{
			name:     "empty list",
			input:    "list\n",
			contains: []string{"Trials: ", lifecycle.NoTrialsSentinel},
		},
		{
			name:     "quit stops reading",
			input:    "quit\ncreate Trial1 abcd\n",
			contains: []string{msgClosing},
		},
		{
			name:     "blank lines ignored",
			input:    "\n   \nqqq\n",
			contains: []string{msgClosing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{}
			out := runShellInput(t, mgr, tt.input)

			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}

			assert.Equal(t, tt.created, mgr.created)
			assert.Equal(t, tt.deleted, mgr.deleted)
		})
	}
}

func TestShell_FailedCommandContinues(t *testing.T) {
	mgr := &fakeManager{
		create: func(_ context.Context, code, _ string) (*lifecycle.Outcome, error) {
			return &lifecycle.Outcome{
				Result:  lifecycle.ResultResolutionMiss,
				Message: fmt.Sprintf("client %q not found", code),
			}, nil
		},
	}

	out := runShellInput(t, mgr, "create Trial1 zzzz\nlist\n")

	assert.Contains(t, out, `client "zzzz" not found`)
	assert.NotContains(t, out, msgCreated)
	assert.Contains(t, out, lifecycle.NoTrialsSentinel)
}

func TestShell_List(t *testing.T) {
	mgr := &fakeManager{trials: []registry.Trial{
		{ID: 1, Name: "Trial1", ClientCode: "abcd"},
		{ID: 2, Name: "Trial2", ClientCode: "wxyz"},
	}}

	out := runShellInput(t, mgr, "list\n")

	assert.Contains(t, out, "1 | Trial1 | abcd")
	assert.Contains(t, out, "2 | Trial2 | wxyz")
}

func TestShell_InterruptCancelsInflight(t *testing.T) {
	started := make(chan struct{})

	mgr := &fakeManager{
		create: func(ctx context.Context, _, _ string) (*lifecycle.Outcome, error) {
			close(started)
			<-ctx.Done()

			return &lifecycle.Outcome{Result: lifecycle.ResultExternalFault}, ctx.Err()
		},
	}

	var out bytes.Buffer

	sh := newShell(mgr, strings.NewReader("create Trial1 abcd\n"), &out)

	assert.False(t, sh.interrupt(), "nothing running yet")

	done := make(chan error, 1)

	go func() { done <- sh.run(context.Background()) }()

	<-started
	assert.True(t, sh.interrupt())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not return after interrupt")
	}

	assert.Contains(t, out.String(), msgCancelling)
	assert.Contains(t, out.String(), "Cancelled")
}

func TestShell_DrainWaitsForCancelledWorkflow(t *testing.T) {
	started := make(chan struct{})

	var finished atomic.Bool

	mgr := &fakeManager{
		create: func(ctx context.Context, _, _ string) (*lifecycle.Outcome, error) {
			close(started)
			<-ctx.Done()

			// Recording the cancelled step still touches the registry.
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)

			return &lifecycle.Outcome{Result: lifecycle.ResultExternalFault}, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer

	sh := newShell(mgr, strings.NewReader("create Trial1 abcd\n"), &out)

	go func() { _ = sh.run(ctx) }()

	<-started
	cancel()

	assert.True(t, sh.drain(5*time.Second))
	assert.True(t, finished.Load())
}

func TestShell_Drain(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    bool
	}{
		{name: "idle", want: true},
		{name: "workflow ignores cancellation", running: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)

			started := make(chan struct{})

			sh := newShell(&fakeManager{}, strings.NewReader(""), &bytes.Buffer{})

			if tt.running {
				go sh.track(context.Background(), func(_ context.Context) (*lifecycle.Outcome, error) {
					close(started)
					<-release

					return &lifecycle.Outcome{}, nil
				})

				<-started
			}

			assert.Equal(t, tt.want, sh.drain(20*time.Millisecond))

			var called bool

			res := sh.track(context.Background(), func(_ context.Context) (*lifecycle.Outcome, error) {
				called = true

				return &lifecycle.Outcome{Success: true}, nil
			})
			assert.False(t, called, "no workflow starts after drain")
			assert.ErrorIs(t, res.err, context.Canceled)
		})
	}
}

func TestPrintJournal(t *testing.T) {
	mgr := &fakeManager{trials: []registry.Trial{
		{ID: 7, Name: "Trial7", ClientCode: "abcd", Stage: registry.StageActive},
	}}

	listing, err := mgr.ListEnvironments(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printJournal(context.Background(), &out, mgr, listing))

	assert.Contains(t, out.String(), "Trial7")
	assert.Contains(t, out.String(), "restored")
	assert.Contains(t, out.String(), string(registry.StagePersisted))
}

func TestOutcomeErr(t *testing.T) {
	boom := errors.New("boom")

	assert.NoError(t, outcomeErr(&lifecycle.Outcome{Success: true}, nil))
	assert.ErrorIs(t, outcomeErr(&lifecycle.Outcome{}, boom), boom)
	assert.EqualError(t,
		outcomeErr(&lifecycle.Outcome{Result: lifecycle.ResultNotFound, Message: "trial 9 not found"}, nil),
		"not_found: trial 9 not found",
	)
}

func TestParseTrialID(t *testing.T) {
	id, err := parseTrialID(" 12 ")
	require.NoError(t, err)
	assert.Equal(t, uint(12), id)

	for _, bad := range []string{"0", "-1", "abc", ""} {
		_, err := parseTrialID(bad)
		assert.Error(t, err, bad)
	}
}

func TestRedact(t *testing.T) {
	var cfg config.Config
	cfg.Database.Postgres.Password = "pw"
	cfg.Directory.S3.SecretAccessKey = "secret"
	cfg.API.TokenHashes = []string{"$2a$a", "$2a$b"}

	out := redact(cfg)

	assert.Equal(t, redacted, out.Database.Postgres.Password)
	assert.Equal(t, redacted, out.Directory.S3.SecretAccessKey)
	assert.Equal(t, []string{redacted}, out.API.TokenHashes)
	assert.Equal(t, "pw", cfg.Database.Postgres.Password, "input left untouched")
}
