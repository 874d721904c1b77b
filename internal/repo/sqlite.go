package repo

import (
	"fetchd/config"
	"fetchd/model"
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var Db *gorm.DB

// autoMigrateAll migrates all database models.
func autoMigrateAll(db *gorm.DB) {
	db.AutoMigrate(&model.TransferTask{})
}

// InitSqlite opens the state database at the configured path.
func InitSqlite() {
	open(config.AppConfig.StateDBPath)
	log.Println("repo: sqlite ready at", config.AppConfig.StateDBPath)
}

// InitSqliteTest opens a private in-memory database for tests.
func InitSqliteTest() {
	open("file::memory:?cache=shared")
	log.Println("repo: in-memory sqlite ready")
}

func open(dsn string) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("repo: open sqlite fail ", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("repo: get sql db fail ", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	autoMigrateAll(db)
	Db = db
}
