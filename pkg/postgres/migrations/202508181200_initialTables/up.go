package _202508181200_initialTables

import (
	"database/sql"

	"github.com/stakewatch/stakewatch/internal/config"
	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB, cfg *config.Config) error {
	queries := []string{
		`create table if not exists stake_opened_events (
			stake_id bigint not null,
			owner_address varchar not null,
			principal_amount varchar not null,
			share_amount varchar not null,
			derived_share_amount varchar not null,
			staked_days bigint not null,
			start_day bigint not null,
			end_day bigint not null,
			opened_at bigint not null,
			is_auto_renewed boolean not null default false,
			transaction_hash varchar not null,
			block_number bigint not null,
			network varchar not null,
			is_active boolean not null default false,
			days_served bigint not null default 0,
			days_left bigint not null default 0,
			created_at timestamp(6) not null default current_timestamp,
			updated_at timestamp(6),
			unique(stake_id, network)
		);`,
		`create index if not exists idx_stake_opened_owner on stake_opened_events (owner_address, network);`,
		`create index if not exists idx_stake_opened_active on stake_opened_events (network, is_active);`,
		`create table if not exists stake_closed_events (
			stake_id bigint not null,
			owner_address varchar not null,
			payout_amount varchar not null,
			principal_amount varchar not null,
			penalty_amount varchar not null,
			served_days bigint not null,
			closed_at bigint not null,
			transaction_hash varchar not null,
			block_number bigint not null,
			network varchar not null,
			created_at timestamp(6) not null default current_timestamp,
			unique(stake_id, network)
		);`,
		`create index if not exists idx_stake_closed_owner on stake_closed_events (owner_address, network);`,
		`create table if not exists global_counters (
			id bigserial primary key,
			day_index bigint not null,
			total_shares varchar not null,
			total_penalty varchar not null,
			total_locked varchar not null,
			latest_stake_id bigint not null,
			captured_at bigint not null,
			network varchar not null,
			created_at timestamp(6) not null default current_timestamp
		);`,
		`create index if not exists idx_global_counters_network on global_counters (network, day_index desc);`,
		`create table if not exists sync_cursors (
			network varchar primary key,
			last_synced_stake_id bigint not null default 0,
			last_synced_block_number bigint not null default 0,
			last_synced_at bigint not null default 0,
			total_opened_synced bigint not null default 0,
			total_closed_synced bigint not null default 0,
			sync_in_progress boolean not null default false,
			sync_started_at timestamp(6),
			sync_completed_at timestamp(6),
			last_error_message varchar not null default '',
			created_at timestamp(6) not null default current_timestamp,
			updated_at timestamp(6)
		);`,
	}
	for _, query := range queries {
		if err := grm.Exec(query).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202508181200_initialTables"
}
