package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/trialctl/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrRowsAffected is returned when a mutation did not touch exactly one row.
	ErrRowsAffected = errors.New("expected exactly one row affected")

	// ErrConflict is returned when a trial identity or folder is already taken.
	ErrConflict = errors.New("trial already exists")
)

// Registry is the durable store of provisioned trials and their step journal.
type Registry interface {
	Start(ctx context.Context) error
	Stop() error

	// Add persists a new trial and journals its initial stage.
	Add(ctx context.Context, trial *Trial) error
	// FindByID returns (nil, nil) when no trial has the id.
	FindByID(ctx context.Context, id uint) (*Trial, error)
	// FindByIdentity returns (nil, nil) when no trial has the client code and name.
	FindByIdentity(ctx context.Context, clientCode, name string) (*Trial, error)
	// Advance moves a trial to stage and journals the transition.
	Advance(ctx context.Context, trial *Trial, stage Stage, note string) error
	// Remove deletes a trial and its journal.
	Remove(ctx context.Context, trial *Trial) error
	// List returns all trials in insertion order.
	List(ctx context.Context) ([]Trial, error)
	// Steps returns the journal of a trial, oldest first.
	Steps(ctx context.Context, trialID uint) ([]Step, error)
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewRegistry creates a new Registry backed by the configured database driver.
func NewRegistry(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Registry {
	return &registry{
		log: log.WithField("component", "registry"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (r *registry) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch r.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(r.cfg.SQLite.Path)
	case config.DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			r.cfg.Postgres.Host,
			r.cfg.Postgres.Port,
			r.cfg.Postgres.User,
			r.cfg.Postgres.Password,
			r.cfg.Postgres.Database,
			r.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", r.cfg.Driver)
	}

	r.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := r.db.WithContext(ctx).AutoMigrate(
		&Trial{},
		&Step{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	r.log.WithField("driver", r.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (r *registry) Stop() error {
	if r.db == nil {
		return nil
	}

	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (r *registry) Add(ctx context.Context, trial *Trial) error {
	if trial.Stage == "" {
		trial.Stage = StagePersisted
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Create(trial)
		if result.Error != nil {
			if isDuplicate(result.Error) {
				return fmt.Errorf("%w: %s/%s", ErrConflict, trial.ClientCode, trial.Name)
			}

			return result.Error
		}

		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: got %d", ErrRowsAffected, result.RowsAffected)
		}

		return tx.Create(&Step{TrialID: trial.ID, Stage: trial.Stage, Note: trial.VMID}).Error
	})
	if err != nil {
		return fmt.Errorf("adding trial: %w", err)
	}

	return nil
}

func (r *registry) FindByID(ctx context.Context, id uint) (*Trial, error) {
	var trial Trial
	if err := r.db.WithContext(ctx).First(&trial, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting trial by id: %w", err)
	}

	return &trial, nil
}

func (r *registry) FindByIdentity(
	ctx context.Context, clientCode, name string,
) (*Trial, error) {
	var trial Trial
	if err := r.db.WithContext(ctx).
		Where("client_code = ? AND name = ?", clientCode, name).
		First(&trial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting trial by identity: %w", err)
	}

	return &trial, nil
}

func (r *registry) Advance(
	ctx context.Context, trial *Trial, stage Stage, note string,
) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Trial{}).
			Where("id = ?", trial.ID).
			Update("stage", string(stage))
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: got %d", ErrRowsAffected, result.RowsAffected)
		}

		return tx.Create(&Step{TrialID: trial.ID, Stage: stage, Note: note}).Error
	})
	if err != nil {
		return fmt.Errorf("advancing trial %d to %s: %w", trial.ID, stage, err)
	}

	trial.Stage = stage

	return nil
}

func (r *registry) Remove(ctx context.Context, trial *Trial) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("trial_id = ?", trial.ID).
			Delete(&Step{}).Error; err != nil {
			return err
		}

		result := tx.Delete(&Trial{}, trial.ID)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: got %d", ErrRowsAffected, result.RowsAffected)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("removing trial %d: %w", trial.ID, err)
	}

	return nil
}

func (r *registry) List(ctx context.Context) ([]Trial, error) {
	var trials []Trial
	if err := r.db.WithContext(ctx).
		Order("id ASC").
		Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("listing trials: %w", err)
	}

	return trials, nil
}

func (r *registry) Steps(ctx context.Context, trialID uint) ([]Step, error) {
	var steps []Step
	if err := r.db.WithContext(ctx).
		Where("trial_id = ?", trialID).
		Order("id ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("listing steps for trial %d: %w", trialID, err)
	}

	return steps, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
