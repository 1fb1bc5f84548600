package persistence

import (
	"fmt"

	"github.com/wfunc/roomsync/config"
)

// Open builds the store named by cfg.Driver.
func Open(cfg config.PersistenceConfig) (Store, error) {
	pg := cfg.Postgres
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
	case "gorm":
		return NewGormPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}
