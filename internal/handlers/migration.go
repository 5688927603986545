package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stratumdb/stratum/internal/coordinator"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/models"
	"github.com/stratumdb/stratum/internal/repair"
	"github.com/stratumdb/stratum/internal/ring"
)

// rangeFromTokens builds the requested token range. Both tokens omitted
// means the full ring; supplying only one is an error.
func rangeFromTokens(start, end *int64) (ring.Range, error) {
	if start == nil && end == nil {
		return ring.FullRange(), nil
	}
	if start == nil || end == nil {
		return ring.Range{}, errors.New("start_token and end_token must be supplied together")
	}
	return ring.NewRange(ring.Token(*start), ring.Token(*end))
}

// migrationError maps domain errors onto HTTP responses.
func (h *Handler) migrationError(c *fiber.Ctx, err error) error {
	var cfgErr *migration.ConfigurationError
	if errors.As(err, &cfgErr) {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "CONFIGURATION_ERROR",
				Message: cfgErr.Reason,
				Path:    c.Path(),
			},
		})
	}

	var failure *repair.Failure
	if errors.As(err, &failure) {
		h.logger.Error("Repair round failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "REPAIR_FAILED",
				Message: failure.Error(),
				Path:    c.Path(),
			},
		})
	}

	if errors.Is(err, coordinator.ErrInterrupted) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "INTERRUPTED",
				Message: err.Error(),
				Path:    c.Path(),
			},
		})
	}

	h.logger.Error("Migration operation failed", "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "INTERNAL_ERROR",
			Message: "Migration operation failed",
			Path:    c.Path(),
		},
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: message,
			Path:    c.Path(),
		},
	})
}

// BeginMigration records migration intent for the requested scope.
func (h *Handler) BeginMigration(c *fiber.Ctx) error {
	var req models.MigrationBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	target, err := migration.ParseProtocol(req.Target)
	if err != nil {
		return h.migrationError(c, err)
	}

	rng, err := rangeFromTokens(req.StartToken, req.EndToken)
	if err != nil {
		return badRequest(c, err.Error())
	}

	epoch, err := h.coordinator.Begin(c.Context(), coordinator.BeginRequest{
		Keyspaces: req.Keyspaces,
		Tables:    req.Tables,
		Range:     rng,
		Target:    target,
	})
	if err != nil {
		return h.migrationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(models.MigrationBeginResponse{
		Epoch:  uint64(epoch),
		Target: target.String(),
	})
}

// FinishMigration runs the repair rounds completing a migration.
func (h *Handler) FinishMigration(c *fiber.Ctx) error {
	var req models.MigrationFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	target, err := migration.ParseProtocol(req.Target)
	if err != nil {
		return h.migrationError(c, err)
	}

	rng, err := rangeFromTokens(req.StartToken, req.EndToken)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.coordinator.Finish(c.Context(), coordinator.FinishRequest{
		Keyspace: req.Keyspace,
		Tables:   req.Tables,
		Range:    rng,
		Target:   target,
	})
	if err != nil {
		return h.migrationError(c, err)
	}

	return c.JSON(models.MigrationFinishResponse{
		Converged:       result.Converged,
		Epoch:           uint64(result.Epoch),
		FirstRoundJobs:  result.FirstRoundJobs,
		SecondRoundJobs: result.SecondRoundJobs,
	})
}

// splitList splits a comma-separated query parameter, dropping empties.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ListMigrations renders the migrating ranges grouped by table. The
// format query parameter selects yaml (default), json, minified-yaml or
// minified-json.
func (h *Handler) ListMigrations(c *fiber.Ctx) error {
	format, err := migration.ParseFormat(c.Query("format"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	rendered, err := h.store.List(c.Context(),
		splitList(c.Query("keyspaces")),
		splitList(c.Query("tables")),
		format,
	)
	if err != nil {
		return h.migrationError(c, err)
	}

	switch format {
	case migration.FormatJSON, migration.FormatMinifiedJSON:
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	default:
		c.Set(fiber.HeaderContentType, "application/yaml")
	}
	return c.SendString(rendered)
}

// GetPhase reports the migration phase governing one token of a table.
func (h *Handler) GetPhase(c *fiber.Ctx) error {
	keyspace := c.Query("keyspace")
	table := c.Query("table")
	if keyspace == "" || table == "" {
		return badRequest(c, "keyspace and table query parameters are required")
	}

	token, err := strconv.ParseInt(c.Query("token"), 10, 64)
	if err != nil {
		return badRequest(c, "token must be a 64-bit integer")
	}

	ref := migration.TableRef{Keyspace: keyspace, Table: table}
	phase, protocol, err := h.store.PhaseAt(c.Context(), ref, ring.Token(token))
	if err != nil {
		return h.migrationError(c, err)
	}

	return c.JSON(models.PhaseResponse{
		Keyspace: keyspace,
		Table:    table,
		Token:    token,
		Phase:    phase.String(),
		Protocol: protocol.String(),
	})
}
