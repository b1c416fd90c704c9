package sessionstore

import (
	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
)

// Open constructs the backend selected by cfg.Sessions.Backend
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Sessions.Backend {
	case config.BackendDynamoDB:
		return NewDynamoStore(cfg.AWS.Region, cfg.AWS.SessionsTable, cfg.AWS.MessagesTable)
	case config.BackendSQLite, "":
		return NewSQLiteStore(cfg.Sessions.SQLitePath)
	default:
		return nil, logger.NewAppError(logger.ErrorTypeConfig, "unknown session backend: "+cfg.Sessions.Backend, nil)
	}
}
