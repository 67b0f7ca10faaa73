package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/trialctl/pkg/registry"
)

// Result classifies how a workflow ended.
type Result string

const (
	ResultOK                 Result = "ok"
	ResultValidation         Result = "validation"
	ResultResolutionMiss     Result = "resolution_miss"
	ResultExternalFailure    Result = "external_failure"
	ResultExternalFault      Result = "external_fault"
	ResultPersistenceFailure Result = "persistence_failure"
	ResultNotFound           Result = "not_found"
)

// Workflow steps, used in logs, outcomes and errors.
const (
	StepValidate     = "validate"
	StepResolve      = "resolve"
	StepStaging      = "staging"
	StepVMImport     = "vm-import"
	StepPersist      = "persist"
	StepRBSRestore   = "rbs-restore"
	StepRCSRestore   = "rcs-restore"
	StepLookup       = "lookup"
	StepVMPowerOff   = "vm-power-off"
	StepFolderRemove = "folder-remove"
	StepRBSDrop      = "rbs-drop"
	StepRCSDrop      = "rcs-drop"
	StepRemove       = "remove"
)

// Outcome is returned by every workflow, successful or not.
type Outcome struct {
	Result  Result          `json:"result"`
	Success bool            `json:"success"`
	Trial   *registry.Trial `json:"trial,omitempty"`
	// Resumed is set when create continued a previously interrupted run.
	Resumed bool `json:"resumed,omitempty"`
	// Skipped lists steps not run because an earlier run completed them.
	Skipped []string `json:"skipped,omitempty"`
	// Absent lists steps whose target was already gone.
	Absent  []string `json:"absent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// WorkflowError describes the step a workflow failed at.
type WorkflowError struct {
	Result  Result
	Step    string
	Message string
	Err     error
}

func (e *WorkflowError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// ResultOf returns the Result carried by err, or "" when err is not a
// *WorkflowError.
func ResultOf(err error) Result {
	var werr *WorkflowError
	if errors.As(err, &werr) {
		return werr.Result
	}

	return ""
}

// fail records a failure on outcome and returns the matching error.
func fail(
	outcome *Outcome, result Result, step, message string, err error,
) error {
	werr := &WorkflowError{
		Result:  result,
		Step:    step,
		Message: message,
		Err:     err,
	}

	outcome.Result = result
	outcome.Success = false
	outcome.Message = werr.Error()

	return werr
}
