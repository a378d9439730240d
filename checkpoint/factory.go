package checkpoint

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewStore creates a checkpoint store for the configured backend. The SQL
// and Redis backends require their respective handles to be provided by
// the caller.
func NewStore(backend Backend, db *gorm.DB, client *redis.Client, keyPrefix string, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendSQL:
		if db == nil {
			return nil, fmt.Errorf("sql checkpoint backend requires a database handle")
		}
		return NewGormStore(db, logger)
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis checkpoint backend requires a redis client")
		}
		return NewRedisStore(client, keyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", backend)
	}
}
