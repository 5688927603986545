package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stratumdb/stratum/internal/commitlog"
	"github.com/stratumdb/stratum/internal/models"
	"github.com/stratumdb/stratum/internal/storage"
)

// Replay replays the commit log into the in-memory table store. The
// configured failure policy decides whether a corrupt record fails the
// request or is reported alongside the partial result.
func (h *Handler) Replay(c *fiber.Ctx) error {
	var req models.ReplayRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	from := commitlog.PositionNone
	if req.FromSegment != nil {
		from = commitlog.Position{SegmentID: *req.FromSegment, Offset: req.FromOffset}
	}

	maxMutations := commitlog.AllMutations
	if req.MaxMutations != nil {
		if *req.MaxMutations < 0 {
			return badRequest(c, "max_mutations must not be negative")
		}
		maxMutations = *req.MaxMutations
	}

	policy, err := commitlog.ParseFailurePolicy(h.commitlog.FailurePolicy)
	if err != nil {
		return badRequest(c, err.Error())
	}

	applier := storage.NewReplayHandler(h.memtable, commitlog.ActionAbort, h.logger)
	outcome, err := h.replayer.ReplayDir(applier, h.commitlog.Dir, from, maxMutations)
	if err != nil {
		h.logger.Error("Commit log replay failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "REPLAY_FAILED",
				Message: err.Error(),
				Path:    c.Path(),
			},
		})
	}

	resp := models.ReplayResponse{
		Delivered:     outcome.Delivered,
		Applied:       applier.Applied(),
		Dropped:       applier.Dropped(),
		ResumeSegment: applier.Resume().SegmentID,
		ResumeOffset:  applier.Resume().Offset,
	}

	if rerr := outcome.Resolve(policy, h.logger); rerr != nil {
		resp.Corruption = rerr.Error()
		return c.Status(fiber.StatusUnprocessableEntity).JSON(resp)
	}
	if outcome.Corruption != nil {
		// Policy ignored the corruption, still surface where it was.
		resp.Corruption = outcome.Corruption.Error()
	}

	return c.JSON(resp)
}
