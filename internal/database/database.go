// Package database opens the sqlite store shared by every component.
package database

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tariel-x/callbridge/internal/models"
)

// Initialize opens dbPath and migrates the schema. The same file can be
// shared by several processes; sqlite's own locking serializes writers.
func Initialize(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.BlockedUser{},
		&models.PushSubscription{},
		&models.Call{},
		&models.CallCandidate{},
		&models.CallLog{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
