// Package script runs the named external operations (VM import, database
// restore and so on) that provision trial environments.
//
// Each operation is a script file executed by a shell, either on this host
// or on a remote host over SSH. Parameters are passed as -Name value pairs.
// The first non-empty line on stdout is the operation's output and anything
// written to stderr, or a non-zero exit, marks the operation as failed.
package script

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethpandaops/trialctl/pkg/config"
)

// Operation names understood by the executor.
const (
	OpVMImport            = "vm-import"
	OpVMPowerOff          = "vm-power-off"
	OpDBRestore           = "db-restore"
	OpDBDrop              = "db-drop"
	OpCheckVirtualization = "check-virtualization"
	OpCheckSQL            = "check-sql"
)

// Param is one named script parameter. Order is preserved.
type Param struct {
	Name  string
	Value string
}

// P is shorthand for building a Param.
func P(name, value string) Param {
	return Param{Name: name, Value: value}
}

// Result is the outcome of one operation that ran to completion.
type Result struct {
	Output       string `json:"output"`
	Failed       bool   `json:"failed"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Executor runs named operations.
type Executor interface {
	// Invoke runs op with params. A returned error means the operation
	// could not be run at all (fault); a domain failure is reported
	// through Result.Failed instead.
	Invoke(ctx context.Context, op string, params []Param) (*Result, error)
}

// ExitError is returned by a runner when the command ran but exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// runner executes an argv and returns its captured streams. A non-zero
// exit is reported as *ExitError; any other error is a fault.
type runner interface {
	Run(ctx context.Context, argv []string) (stdout, stderr []byte, err error)
}

// buildResult turns captured streams into a Result.
func buildResult(stdout, stderr []byte, exitErr *ExitError) *Result {
	result := &Result{Output: firstLine(stdout)}

	if msg := firstLine(stderr); msg != "" {
		result.Failed = true
		result.ErrorMessage = msg
	}

	if exitErr != nil {
		result.Failed = true
		if result.ErrorMessage == "" {
			result.ErrorMessage = exitErr.Error()
		}
	}

	return result
}

func firstLine(b []byte) string {
	for _, line := range bytes.Split(b, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
	}

	return ""
}

// JoinPath joins elements onto root using backslashes when root looks like
// a Windows or UNC path and forward slashes otherwise.
func JoinPath(root string, elem ...string) string {
	sep := "/"
	if strings.Contains(root, `\`) || (len(root) >= 2 && root[1] == ':') {
		sep = `\`
	}

	parts := make([]string, 0, len(elem)+1)
	if root != "" {
		parts = append(parts, strings.TrimRight(root, `/\`))
	}

	for _, e := range elem {
		e = strings.Trim(e, `/\`)
		if e == "" {
			continue
		}

		if sep == `\` {
			e = strings.ReplaceAll(e, "/", `\`)
		} else {
			e = strings.ReplaceAll(e, `\`, "/")
		}

		parts = append(parts, e)
	}

	return strings.Join(parts, sep)
}

// plainArg matches values that are a single literal word in both sh and
// pwsh without quoting.
var plainArg = regexp.MustCompile(`^[A-Za-z0-9_./:-]+$`)

// pwshQuotes doubles every character pwsh accepts as a single quote.
var pwshQuotes = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201a", "\u201a\u201a",
	"\u201b", "\u201b\u201b",
)

// quoteArg renders s as one literal word for the remote shell. Single
// quotes keep $, backticks and newlines inert in both sh and pwsh.
func quoteArg(s, shell string) string {
	if plainArg.MatchString(s) {
		return s
	}

	if shell == config.RemoteShellSh {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}

	return "'" + pwshQuotes.Replace(s) + "'"
}

// commandLine renders argv as a single remote command line for shell.
// pwsh evaluates a quoted first word as a string, so the command is run
// through the call operator instead.
func commandLine(argv []string, shell string) string {
	quoted := make([]string, 0, len(argv)+1)
	for _, a := range argv {
		quoted = append(quoted, quoteArg(a, shell))
	}

	if shell != config.RemoteShellSh && len(argv) > 0 && quoted[0] != argv[0] {
		quoted = append([]string{"&"}, quoted...)
	}

	return strings.Join(quoted, " ")
}
