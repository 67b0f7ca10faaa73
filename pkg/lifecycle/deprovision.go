package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trialctl/pkg/registry"
	"github.com/ethpandaops/trialctl/pkg/script"
	"github.com/ethpandaops/trialctl/pkg/staging"
)

func (m *manager) DeleteEnvironment(ctx context.Context, id uint) (*Outcome, error) {
	outcome := &Outcome{}

	trial, err := m.reg.FindByID(ctx, id)
	if err != nil {
		return outcome, fail(outcome, ResultPersistenceFailure, StepLookup, "looking up trial", err)
	}

	if trial == nil {
		return notFound(outcome, id), nil
	}

	unlock, err := m.locks.Lock(ctx, identityKey(trial.ClientCode, trial.Name))
	if err != nil {
		return outcome, fail(outcome, ResultExternalFault, StepLookup, "waiting for trial lock", err)
	}
	defer unlock()

	// Another workflow may have changed or removed the row while we waited.
	trial, err = m.reg.FindByID(ctx, id)
	if err != nil {
		return outcome, fail(outcome, ResultPersistenceFailure, StepLookup, "looking up trial", err)
	}

	if trial == nil {
		return notFound(outcome, id), nil
	}

	outcome.Trial = trial

	log := m.log.WithFields(logrus.Fields{
		"id":          trial.ID,
		"trial":       trial.Name,
		"client_code": trial.ClientCode,
	})

	if trial.Stage.Deprovisioning() {
		outcome.Resumed = true

		log.WithField("stage", trial.Stage).Info("Resuming interrupted delete")
	}

	provisioned, err := m.provisionedStage(ctx, trial)
	if err != nil {
		return outcome, fail(outcome, ResultPersistenceFailure, StepLookup, "reading trial journal", err)
	}

	if err := m.powerOff(ctx, outcome, log, trial); err != nil {
		return outcome, err
	}

	if err := m.clearFolder(ctx, outcome, log, trial); err != nil {
		return outcome, err
	}

	switch {
	case trial.Stage.Reached(registry.StageRBSDropped):
		outcome.Skipped = append(outcome.Skipped, StepRBSDrop)
	case !provisioned.Reached(registry.StageRBSRestored):
		log.WithField("step", StepRBSDrop).Info("RBS database was never restored, skipping drop")

		outcome.Skipped = append(outcome.Skipped, StepRBSDrop)

		if err := m.advance(ctx, outcome, trial, StepRBSDrop, registry.StageRBSDropped, "not restored"); err != nil {
			return outcome, err
		}
	default:
		log.WithField("step", StepRBSDrop).Info("Dropping RBS database")

		name := trial.Name + SuffixRBS
		if _, err := m.invoke(ctx, outcome, StepRBSDrop, script.OpDBDrop,
			script.P("Name", name),
		); err != nil {
			log.WithError(err).Error("RBS drop failed")

			return outcome, err
		}

		if err := m.advance(ctx, outcome, trial, StepRBSDrop, registry.StageRBSDropped, name); err != nil {
			return outcome, err
		}
	}

	if provisioned.Reached(registry.StageActive) {
		log.WithField("step", StepRCSDrop).Info("Dropping RCS database")

		if _, err := m.invoke(ctx, outcome, StepRCSDrop, script.OpDBDrop,
			script.P("Name", trial.Name+SuffixRCS),
		); err != nil {
			log.WithError(err).Error("RCS drop failed")

			return outcome, err
		}
	} else {
		log.WithField("step", StepRCSDrop).Info("RCS database was never restored, skipping drop")

		outcome.Skipped = append(outcome.Skipped, StepRCSDrop)
	}

	if err := m.reg.Remove(ctx, trial); err != nil {
		return outcome, fail(outcome, ResultPersistenceFailure, StepRemove, "removing trial", err)
	}

	log.Info("Trial deleted")

	outcome.Result = ResultOK
	outcome.Success = true
	outcome.Message = fmt.Sprintf("trial %d deleted", trial.ID)

	return outcome, nil
}

// provisionedStage returns the furthest provisioning stage the trial
// reached before teardown started, taken from its journal.
func (m *manager) provisionedStage(ctx context.Context, trial *registry.Trial) (registry.Stage, error) {
	if !trial.Stage.Deprovisioning() {
		return trial.Stage, nil
	}

	steps, err := m.reg.Steps(ctx, trial.ID)
	if err != nil {
		return "", err
	}

	reached := registry.StagePersisted

	for _, step := range steps {
		switch step.Stage {
		case registry.StageRBSRestored, registry.StageActive:
			if !reached.Reached(step.Stage) {
				reached = step.Stage
			}
		}
	}

	return reached, nil
}

// powerOff stops the trial's VM. A fault from the executor means the VM
// is already gone and is recorded as absent; a reported failure aborts.
func (m *manager) powerOff(
	ctx context.Context,
	outcome *Outcome,
	log logrus.FieldLogger,
	trial *registry.Trial,
) error {
	if trial.Stage.Reached(registry.StageVMOff) {
		outcome.Skipped = append(outcome.Skipped, StepVMPowerOff)

		return nil
	}

	if err := ctx.Err(); err != nil {
		return fail(outcome, ResultExternalFault, StepVMPowerOff, "cancelled", err)
	}

	log.WithField("step", StepVMPowerOff).Info("Powering off VM")

	res, err := m.exec.Invoke(ctx, script.OpVMPowerOff, []script.Param{
		script.P("Id", trial.VMID),
	})

	switch {
	case err != nil && ctx.Err() != nil:
		return fail(outcome, ResultExternalFault, StepVMPowerOff, "cancelled", err)
	case err != nil:
		log.WithError(err).Warn("VM power off could not run, treating VM as absent")

		outcome.Absent = append(outcome.Absent, StepVMPowerOff)
	case res.Failed:
		log.WithField("error", res.ErrorMessage).Error("VM power off failed")

		return fail(outcome, ResultExternalFailure, StepVMPowerOff, res.ErrorMessage, nil)
	}

	return m.advance(ctx, outcome, trial, StepVMPowerOff, registry.StageVMOff, trial.VMID)
}

// clearFolder removes the trial's staging folder. A missing folder is
// recorded as absent.
func (m *manager) clearFolder(
	ctx context.Context,
	outcome *Outcome,
	log logrus.FieldLogger,
	trial *registry.Trial,
) error {
	if trial.Stage.Reached(registry.StageFolderCleared) {
		outcome.Skipped = append(outcome.Skipped, StepFolderRemove)

		return nil
	}

	if err := ctx.Err(); err != nil {
		return fail(outcome, ResultExternalFault, StepFolderRemove, "cancelled", err)
	}

	log = log.WithFields(logrus.Fields{
		"step":      StepFolderRemove,
		"hd_folder": trial.HDFolderName,
	})

	if err := m.area.Remove(trial.HDFolderName); err != nil {
		if !errors.Is(err, staging.ErrAbsent) {
			log.WithError(err).Error("Removing staging folder failed")

			return fail(outcome, ResultExternalFault, StepFolderRemove, "removing staging folder", err)
		}

		log.Warn("Staging folder already absent")

		outcome.Absent = append(outcome.Absent, StepFolderRemove)
	} else {
		log.Info("Removed staging folder")
	}

	return m.advance(ctx, outcome, trial, StepFolderRemove, registry.StageFolderCleared, trial.HDFolderName)
}

func notFound(outcome *Outcome, id uint) *Outcome {
	outcome.Result = ResultNotFound
	outcome.Message = fmt.Sprintf("trial %d not found", id)

	return outcome
}
