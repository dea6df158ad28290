package _202508221030_ownerAggregates

import (
	"database/sql"

	"github.com/stakewatch/stakewatch/internal/config"
	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error {
	query := `
		create table if not exists owner_aggregates (
			owner_address varchar not null,
			network varchar not null,
			total_stakes bigint not null default 0,
			active_stakes bigint not null default 0,
			ended_stakes bigint not null default 0,
			total_principal varchar not null default '0',
			total_shares varchar not null default '0',
			total_payouts varchar not null default '0',
			total_penalties varchar not null default '0',
			average_duration_days double precision not null default 0,
			first_stake_at bigint not null default 0,
			last_stake_at bigint not null default 0,
			updated_at timestamp(6),
			primary key (owner_address, network)
		);
	`
	if err := grm.Exec(query).Error; err != nil {
		return err
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202508221030_ownerAggregates"
}
