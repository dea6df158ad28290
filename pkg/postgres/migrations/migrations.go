package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/stakewatch/stakewatch/internal/config"
	_202508181200_initialTables "github.com/stakewatch/stakewatch/pkg/postgres/migrations/202508181200_initialTables"
	_202508221030_ownerAggregates "github.com/stakewatch/stakewatch/pkg/postgres/migrations/202508221030_ownerAggregates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migration is a single named schema change. Migrations run exactly once,
// in declaration order, and are recorded in the migrations table by name.
type Migration interface {
	Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error
	GetName() string
}

type Migrator struct {
	Db           *sql.DB
	GDb          *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
}

type AppliedMigration struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (AppliedMigration) TableName() string {
	return "migrations"
}

func NewMigrator(db *sql.DB, gDb *gorm.DB, l *zap.Logger, cfg *config.Config) *Migrator {
	return &Migrator{
		Db:           db,
		GDb:          gDb,
		Logger:       l,
		GlobalConfig: cfg,
	}
}

func (m *Migrator) initMigrationTable() error {
	query := `
		create table if not exists migrations (
			name varchar primary key,
			created_at timestamp(6) not null default current_timestamp
		);
	`
	return m.GDb.Exec(query).Error
}

func (m *Migrator) MigrateAll() error {
	if err := m.initMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations := []Migration{
		&_202508181200_initialTables.Migration{},
		&_202508221030_ownerAggregates.Migration{},
	}

	for _, migration := range migrations {
		if err := m.Migrate(migration); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) Migrate(migration Migration) error {
	name := migration.GetName()

	var applied *AppliedMigration
	res := m.GDb.Model(&AppliedMigration{}).Where("name = ?", name).First(&applied)
	if res.Error == nil {
		m.Logger.Sugar().Debugw("Migration already applied", zap.String("name", name))
		return nil
	}
	if res.Error != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to check migration '%s': %w", name, res.Error)
	}

	m.Logger.Sugar().Infow("Applying migration", zap.String("name", name))
	if err := migration.Up(m.Db, m.GDb, m.GlobalConfig); err != nil {
		return fmt.Errorf("failed to apply migration '%s': %w", name, err)
	}

	res = m.GDb.Model(&AppliedMigration{}).Create(&AppliedMigration{Name: name})
	if res.Error != nil {
		return fmt.Errorf("failed to record migration '%s': %w", name, res.Error)
	}
	return nil
}
