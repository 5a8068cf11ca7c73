package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

// migrationLockKey serializes schema migration between storyline processes
// that start at the same time, such as serve next to an intake run.
const migrationLockKey int64 = 0x73746f72796c6e

// autoMigrate creates the schema, syncs the gorm models and applies the
// indexes gorm cannot express, all in one transaction under an advisory lock.
func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	return p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		if err := execScript(tx, "pre-auto-migrate", preAutoMigrateSQL); err != nil {
			return err
		}
		if err := tx.AutoMigrate(autoMigrateModels()...); err != nil {
			return fmt.Errorf("gorm auto-migrate models: %w", err)
		}
		return execScript(tx, "post-auto-migrate", postAutoMigrateSQL)
	})
}

func execScript(tx *gorm.DB, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	if err := tx.Exec(trimmed).Error; err != nil {
		return fmt.Errorf("execute %s SQL: %w", label, err)
	}
	return nil
}
