package main

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makeasinger/moment/internal/handler"
	"github.com/makeasinger/moment/internal/middleware"
	"github.com/makeasinger/moment/internal/service"
	"github.com/makeasinger/moment/internal/worker"
	"github.com/makeasinger/moment/pkg/response"
)

func newHTTPApp(a *app) *fiber.App {
	cfg := a.cfg

	momentService := service.NewMomentService(a.store, a.storage, a.executor, worker.MomentGraph(), cfg.TempDir, a.logger)
	momentHandler := handler.NewMomentHandler(momentService)
	healthHandler := handler.NewHealthHandler(a.services())
	authHandler := handler.NewAuthHandler(cfg.JWT.Secret)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(a.redis, a.logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: response.FromError,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if cfg.Server.LogLevel == "debug" {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{Format: logFormat}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", healthHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})))

	// ForwardAuth verification endpoint for a gateway in front of the API
	app.Get("/auth/verify", authHandler.Verify)

	v1 := app.Group("/v1", authMiddleware.Authenticate())
	v1.Post("/create-moment", rateLimiter.MomentLimit(cfg.RateLimit.MomentsPerHour), momentHandler.Create)
	v1.Get("/status/:jobId", momentHandler.Status)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		a.hub.HandleConnection(c, c.Params("jobId"))
	}))

	return app
}
