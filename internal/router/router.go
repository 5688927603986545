package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/stratumdb/stratum/internal/commitlog"
	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/coordinator"
	"github.com/stratumdb/stratum/internal/handlers"
	"github.com/stratumdb/stratum/internal/logging"
	"github.com/stratumdb/stratum/internal/middleware"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/storage"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, coord *coordinator.Coordinator,
	store *migration.StateStore, replayer *commitlog.Replayer, memtable *storage.MemTable,
	cfg config.Config,
) *handlers.Handler {
	h := handlers.New(logger, coord, store, replayer, memtable, cfg.CommitLog)

	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger))

	// Health check (no auth required)
	app.Get("/health", h.Health)

	// API key authentication middleware
	authMiddleware := middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled)

	// Migration routes (protected by API key)
	v1 := app.Group("/v1", authMiddleware)

	v1.Post("/migration/begin", h.BeginMigration)
	v1.Post("/migration/finish", h.FinishMigration)
	v1.Get("/migration", h.ListMigrations)
	v1.Get("/migration/phase", h.GetPhase)

	// Admin routes (protected by API key)
	admin := app.Group("/admin", authMiddleware)
	admin.Post("/replay", h.Replay)

	// 404 handler
	app.Use(h.NotFound)

	return h
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, coord *coordinator.Coordinator, store *migration.StateStore,
	replayer *commitlog.Replayer, memtable *storage.MemTable, cfg config.Config,
) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Stratum Admin",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, coord, store, replayer, memtable, cfg)

	return app
}
