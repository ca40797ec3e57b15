package store

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rigstatus/config"
	"rigstatus/restclient"
)

// busyTimeout is how long a connection waits on another process's lock.
// The listener and the monitor share one database file.
const busyTimeout = "_pragma=busy_timeout(5000)"

// OpenSQLite opens (creating if needed) the sqlite database at path.
func OpenSQLite(path string) (*SQLBackend, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSQLBackend(db)
}

// Open builds the Store described by cfg.
func Open(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	var backend Backend
	switch cfg.Backend {
	case config.BackendREST:
		ep, err := restclient.New(cfg.URL, cfg.AccessToken, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		backend = NewRESTBackend(ep)
	case config.BackendSQLite:
		b, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	opts = append([]Option{WithIndex(cfg.Index), WithTTL(cfg.TTL)}, opts...)
	return New(backend, opts...), nil
}

// sqliteDSN adds the busy timeout to path unless it already sets one.
func sqliteDSN(path string) string {
	if strings.Contains(path, "busy_timeout") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + busyTimeout
	}
	return path + "?" + busyTimeout
}
