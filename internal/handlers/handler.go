package handlers

import (
	"github.com/stratumdb/stratum/internal/commitlog"
	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/coordinator"
	"github.com/stratumdb/stratum/internal/logging"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/storage"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// Handler contains all HTTP handlers
type Handler struct {
	logger      *logging.Logger
	coordinator *coordinator.Coordinator
	store       *migration.StateStore
	replayer    *commitlog.Replayer
	memtable    *storage.MemTable
	commitlog   config.CommitLogConfig
}

// New creates a new handler instance
func New(logger *logging.Logger, coord *coordinator.Coordinator, store *migration.StateStore,
	replayer *commitlog.Replayer, memtable *storage.MemTable, commitlogCfg config.CommitLogConfig,
) *Handler {
	return &Handler{
		logger:      logger,
		coordinator: coord,
		store:       store,
		replayer:    replayer,
		memtable:    memtable,
		commitlog:   commitlogCfg,
	}
}
