// Package store holds the controller's persistent data model. One relational
// table per queue plus the agent registry and tunnel session records; the
// database is the single source of truth shared by the HTTP service and the
// background sweeps.
package store

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the controller database and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Agent{}, &Command{}, &ProxyRequest{}, &TunnelSession{}); err != nil {
		return nil, err
	}
	return db, nil
}
