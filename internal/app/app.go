package app

import (
	"pageshot/internal/handlers"
	"pageshot/internal/history"
	u "pageshot/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"
)

// SetupApp creates and configures a new Fiber app instance. The returned
// service owns the Chrome pool and must be closed on shutdown.
func SetupApp(cfg u.Config, redis *redis.Client, rec history.Recorder) (*fiber.App, *handlers.ScreenshotService) {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app, cfg)
	svc := RegisterRoutes(app, cfg, redis, rec)

	// Unknown routes answer with the JSON error body too.
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app, svc
}

// RegisterRoutes mounts all route handlers to the app.
func RegisterRoutes(app *fiber.App, cfg u.Config, redis *redis.Client, rec history.Recorder) *handlers.ScreenshotService {
	v1 := app.Group("/v1")

	// One service so every route shares the same Chrome pool.
	svc := handlers.NewScreenshotService(cfg, redis, rec)

	v1.Get("/screenshot", svc.HandleScreenshot)
	v1.Post("/captures", svc.HandleCapture)
	v1.Get("/captures", svc.HandleHistory)
	v1.Get("/chrome/stats", svc.HandleChromeStats)

	v1.Get("/monitor", monitor.New())
	return svc
}
