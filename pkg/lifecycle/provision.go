package lifecycle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trialctl/pkg/registry"
	"github.com/ethpandaops/trialctl/pkg/script"
)

func (m *manager) CreateEnvironment(
	ctx context.Context, clientCode, trialName string,
) (*Outcome, error) {
	outcome := &Outcome{}

	code, trialName, err := ValidateCreate(clientCode, trialName)
	if err != nil {
		outcome.Result = ResultValidation
		outcome.Message = err.Error()

		return outcome, err
	}

	log := m.log.WithFields(logrus.Fields{
		"trial":       trialName,
		"client_code": code,
	})

	unlock, err := m.locks.Lock(ctx, identityKey(code, trialName))
	if err != nil {
		return outcome, fail(outcome, ResultExternalFault, StepValidate, "waiting for trial lock", err)
	}
	defer unlock()

	existing, err := m.reg.FindByIdentity(ctx, code, trialName)
	if err != nil {
		return outcome, fail(outcome, ResultPersistenceFailure, StepValidate, "looking up trial", err)
	}

	if existing != nil {
		outcome.Trial = existing

		switch {
		case existing.Stage == registry.StageActive:
			return outcome, fail(outcome, ResultValidation, StepValidate,
				fmt.Sprintf("trial already exists with id %d", existing.ID), registry.ErrConflict)
		case existing.Stage.Deprovisioning():
			return outcome, fail(outcome, ResultValidation, StepValidate,
				fmt.Sprintf("trial %d is being deleted, finish the delete first", existing.ID), nil)
		}

		outcome.Resumed = true

		log.WithField("stage", existing.Stage).Info("Resuming interrupted create")
	}

	log.WithField("step", StepResolve).Debug("Resolving client assets")

	asset, err := m.dir.Resolve(ctx, code)
	if err != nil {
		return outcome, fail(outcome, ResultExternalFault, StepResolve, "resolving client", err)
	}

	if asset == nil {
		log.Warn("Client code not found")

		outcome.Result = ResultResolutionMiss
		outcome.Message = fmt.Sprintf("client %q not found", code)

		return outcome, nil
	}

	trial := existing
	if trial == nil {
		trial, err = m.provisionVM(ctx, outcome, log, code, trialName, asset.VMTemplateRef)
		if err != nil {
			return outcome, err
		}
	} else {
		outcome.Skipped = append(outcome.Skipped, StepVMImport, StepPersist)
	}

	outcome.Trial = trial

	if trial.Stage.Reached(registry.StageRBSRestored) {
		outcome.Skipped = append(outcome.Skipped, StepRBSRestore)
	} else {
		log.WithField("step", StepRBSRestore).Info("Restoring RBS database")

		name := trialName + SuffixRBS
		if _, err := m.invoke(ctx, outcome, StepRBSRestore, script.OpDBRestore,
			script.P("Name", name),
			script.P("BakPath", m.assetPath(asset.RBSBackupRef)),
		); err != nil {
			log.WithError(err).Error("RBS restore failed")

			return outcome, err
		}

		if err := m.advance(ctx, outcome, trial, StepRBSRestore, registry.StageRBSRestored, name); err != nil {
			return outcome, err
		}
	}

	log.WithField("step", StepRCSRestore).Info("Restoring RCS database")

	name := trialName + SuffixRCS
	if _, err := m.invoke(ctx, outcome, StepRCSRestore, script.OpDBRestore,
		script.P("Name", name),
		script.P("BakPath", m.assetPath(asset.RCSBackupRef)),
	); err != nil {
		log.WithError(err).Error("RCS restore failed")

		return outcome, err
	}

	if err := m.advance(ctx, outcome, trial, StepRCSRestore, registry.StageActive, name); err != nil {
		return outcome, err
	}

	log.WithField("id", trial.ID).Info("Trial created")

	outcome.Result = ResultOK
	outcome.Success = true
	outcome.Message = fmt.Sprintf("trial %d created", trial.ID)

	return outcome, nil
}

// provisionVM imports the VM and records the trial. No row exists unless
// the import succeeded.
func (m *manager) provisionVM(
	ctx context.Context,
	outcome *Outcome,
	log logrus.FieldLogger,
	code, trialName, templateRef string,
) (*registry.Trial, error) {
	folder, err := m.area.NewFolderName()
	if err != nil {
		return nil, fail(outcome, ResultExternalFault, StepStaging, "allocating staging folder", err)
	}

	log = log.WithField("hd_folder", folder)
	log.WithField("step", StepVMImport).Info("Importing VM")

	res, err := m.invoke(ctx, outcome, StepVMImport, script.OpVMImport,
		script.P("Name", trialName),
		script.P("VMPath", m.assetPath(templateRef)),
		script.P("HDPath", m.area.Path(folder)),
	)
	if err != nil {
		log.WithError(err).Error("VM import failed")

		return nil, err
	}

	trial := &registry.Trial{
		Name:         trialName,
		ClientCode:   code,
		HDFolderName: folder,
		VMID:         res.Output,
	}

	if err := m.reg.Add(ctx, trial); err != nil {
		log.WithError(err).Error("Persisting trial failed")

		return nil, fail(outcome, ResultPersistenceFailure, StepPersist, "adding trial", err)
	}

	log.WithFields(logrus.Fields{
		"id":    trial.ID,
		"vm_id": trial.VMID,
	}).Info("Trial recorded")

	return trial, nil
}
