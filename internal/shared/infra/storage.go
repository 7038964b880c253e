package infra

import (
	"fmt"

	"sitegen/internal/config"
	"sitegen/internal/shared/storage"
	"sitegen/internal/shared/storage/dbutil"
	"sitegen/internal/shared/storage/mongostore"
	"sitegen/internal/shared/storage/sqlstore"
	"sitegen/pkg/logging"
)

// NewArtifactStore 根据驱动类型创建产物存储
//
// driver=none 时返回 (nil, nil)，产物不落库。
func NewArtifactStore(cfg *config.Config, logger *logging.Logger) (storage.ArtifactStore, error) {
	switch cfg.DatabaseDriver {
	case dbutil.DriverNone:
		logger.Info("artifact store disabled")
		return nil, nil
	case dbutil.DriverMongoDB:
		store, err := mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseDBName, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("artifact store ready", "driver", cfg.DatabaseDriver, "db", cfg.DatabaseDBName)
		return store, nil
	case dbutil.DriverSQLite, dbutil.DriverPostgres:
		store, err := sqlstore.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open %s artifact store: %w", cfg.DatabaseDriver, err)
		}
		logger.Info("artifact store ready", "driver", cfg.DatabaseDriver)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
}
