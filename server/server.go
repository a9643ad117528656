package server

import (
	"errors"
	"feedsync/db"
	"feedsync/feeds"
	"feedsync/scheduler"
	"feedsync/sources"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedsync_http_request_duration_seconds",
	Help:    "Latency of API requests",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

type ServerConfig struct {
	DB       *db.DB
	Engine   *feeds.Engine
	Registry *sources.Registry

	// Jobs runs batch syncs and pruning on request
	Jobs scheduler.Jobs

	// Scheduler dispatches single source syncs, Jobs is used when nil
	Scheduler *scheduler.Scheduler

	// Extractor loads full article content on first read
	Extractor *sources.ContentExtractor
}

// Returns a fiber.App instance serving the feedsync JSON API
func Server(config *ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		requestLatency.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Observe(latency.Seconds())
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  status,
			"latency": latency,
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	h := &handlers{config: config}
	api := app.Group("/api", h.requireUser)

	api.Get("/feed", h.feed)
	api.Get("/feed/pinned", h.pinned)
	api.Get("/folders", h.folders)

	api.Get("/sources", h.listSources)
	api.Post("/sources", h.createSource)
	api.Patch("/sources/:id", h.updateSource)
	api.Delete("/sources/:id", h.deleteSource)
	api.Post("/sources/:id/sync", h.syncSource)
	api.Get("/sources/:id/raw", h.rawSource)

	api.Post("/sync", h.syncAll)
	api.Post("/prune", h.prune)

	api.Post("/entries", h.addEntry)
	api.Get("/entries/:id/content", h.content)
	api.Get("/entries/:id/raw", h.rawEntry)
	api.Put("/entries/:id/viewed", h.markViewed)
	api.Put("/entries/:id/favorite", h.toggle((*db.DB).ToggleFavorite))
	api.Put("/entries/:id/pin", h.toggle((*db.DB).TogglePin))
	api.Put("/entries/:id/delivered", h.toggle((*db.DB).ToggleDelivered))

	return app
}

// errorHandler maps storage errors to status codes and answers with JSON
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, db.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, db.ErrSourceExists):
		code = fiber.StatusConflict
	case errors.Is(err, db.ErrNoContentURL):
		code = fiber.StatusUnprocessableEntity
	}

	if code == fiber.StatusInternalServerError {
		log.WithFields(log.Fields{
			"path":  c.Path(),
			"error": err,
		}).Error("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
