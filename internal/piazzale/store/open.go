package store

import (
	"fmt"

	"github.com/avvvet/piazzale-services/internal/piazzale/config"
)

// Open builds the backend named by STORE_DRIVER. The returned store is not
// connected yet; a db.Supervisor owns that.
func Open(c config.Config) (Store, error) {
	switch c.StoreDriver {
	case "postgres":
		return NewPostgresStore(c.PostgresURL), nil
	case "mongo":
		return NewMongoStore(c.MongoURI), nil
	case "sqlite":
		return NewSQLiteStore(c.SQLitePath), nil
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
}
