package storage

import (
	"github.com/stratumdb/stratum/internal/commitlog"
	"github.com/stratumdb/stratum/internal/logging"
)

// ReplayHandler feeds replayed mutations into a MemTable. It records the
// position after the last delivered mutation so a later replay can resume
// where this one stopped.
type ReplayHandler struct {
	table   *MemTable
	logger  *logging.Logger
	onError commitlog.ErrorAction
	resume  commitlog.Position
	applied int
	dropped int
}

// NewReplayHandler creates a handler that applies mutations to table.
// onError is returned from HandleCorruption for every corrupt record.
func NewReplayHandler(table *MemTable, onError commitlog.ErrorAction, logger *logging.Logger) *ReplayHandler {
	if logger == nil {
		logger = logging.Global()
	}
	return &ReplayHandler{
		table:   table,
		logger:  logger,
		onError: onError,
		resume:  commitlog.PositionNone,
	}
}

func (h *ReplayHandler) HandleMutation(m *commitlog.Mutation, next commitlog.Position) error {
	if h.table.Apply(m.Keyspace, m.Table, m.Key, m.Columns, m.WriteTimestamp) {
		h.applied++
	} else {
		h.dropped++
	}
	h.resume = next
	return nil
}

func (h *ReplayHandler) HandleCorruption(cerr *commitlog.CorruptionError) commitlog.ErrorAction {
	h.logger.Warn("corrupt commit log record",
		"path", cerr.Path,
		"offset", cerr.Offset,
		"reason", cerr.Reason,
	)
	return h.onError
}

// Resume returns the position after the last applied mutation, or
// PositionNone when nothing was delivered yet.
func (h *ReplayHandler) Resume() commitlog.Position { return h.resume }

// Applied returns how many mutations changed table state.
func (h *ReplayHandler) Applied() int { return h.applied }

// Dropped returns how many mutations lost last-write-wins resolution.
func (h *ReplayHandler) Dropped() int { return h.dropped }
