package tests

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stakewatch/stakewatch/internal/config"
	"github.com/stakewatch/stakewatch/pkg/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GetConfig returns a config populated with the defaults the sync engine
// expects in tests. No viper involvement so tests stay hermetic.
func GetConfig() *config.Config {
	return &config.Config{
		Debug: false,
		SyncConfig: config.SyncConfig{
			PageSize:          100,
			PageDelay:         0,
			Interval:          30 * time.Minute,
			RunTimeout:        10 * time.Minute,
			CacheTTL:          5 * time.Minute,
			CountersRetention: 30 * 24 * time.Hour,
			CountersKeepLast:  7,
		},
	}
}

// GetInMemorySqliteDatabaseConnection returns a gorm connection to a
// uniquely-named shared-cache in-memory sqlite database with the replica
// schema applied. Each call gets an isolated database.
func GetInMemorySqliteDatabaseConnection() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&storage.StakeOpened{},
		&storage.StakeClosed{},
		&storage.GlobalCounters{},
		&storage.SyncCursor{},
		&storage.OwnerAggregate{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}
