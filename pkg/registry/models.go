package registry

import (
	"time"
)

// Stage is the last lifecycle step a trial has completed.
type Stage string

// Provisioning stages. A row only exists once the VM import succeeded, so
// the first persisted stage already implies an imported VM.
const (
	StagePersisted   Stage = "persisted"
	StageRBSRestored Stage = "rbs_restored"
	StageActive      Stage = "active"
)

// Deprovisioning stages.
const (
	StageVMOff         Stage = "vm_off"
	StageFolderCleared Stage = "folder_cleared"
	StageRBSDropped    Stage = "rbs_dropped"
)

// stageOrder lists stages in the order a trial passes through them.
var stageOrder = []Stage{
	StagePersisted,
	StageRBSRestored,
	StageActive,
	StageVMOff,
	StageFolderCleared,
	StageRBSDropped,
}

// Reached reports whether s is target or a later stage.
func (s Stage) Reached(target Stage) bool {
	return s.rank() >= target.rank()
}

func (s Stage) rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}

	return -1
}

// Deprovisioning reports whether teardown of the trial has started.
func (s Stage) Deprovisioning() bool {
	switch s {
	case StageVMOff, StageFolderCleared, StageRBSDropped:
		return true
	default:
		return false
	}
}

// Trial is one provisioned client environment.
type Trial struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex:idx_trial_identity;not null" json:"name"`
	ClientCode   string    `gorm:"uniqueIndex:idx_trial_identity;size:4;not null" json:"client_code"`
	HDFolderName string    `gorm:"uniqueIndex;size:10;not null" json:"hd_folder_name"`
	VMID         string    `gorm:"column:vm_id" json:"vm_id"`
	Stage        Stage     `gorm:"not null" json:"stage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Step is one saga journal entry recording a stage a trial reached.
type Step struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TrialID   uint      `gorm:"index;not null" json:"trial_id"`
	Stage     Stage     `gorm:"not null" json:"stage"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the journal table name explicit.
func (Step) TableName() string {
	return "trial_steps"
}
