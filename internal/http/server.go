package http

import (
	"context"
	"log"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mjafarpour/orderflow/internal/config"
	"github.com/mjafarpour/orderflow/internal/dedupe"
	"github.com/mjafarpour/orderflow/internal/kafka"
	"github.com/mjafarpour/orderflow/internal/metrics"
	"github.com/mjafarpour/orderflow/internal/repository"
)

type Server struct{ e *echo.Echo }

// NewServer wires the ingestion gateway: POST /events publishes validated
// order events to the topic, GET /v1/reports/events reads processed
// outcomes back from ClickHouse.
func NewServer(cfg config.Config, producer *kafka.Producer, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	chEventsRepo := repository.NewCHEventsRepository(clickhouseDB)
	acceptCache := dedupe.NewAcceptCache(rds, cfg.Ingest.AcceptCacheTTL)

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	e.POST("/events", ingestHandler(producer, acceptCache))
	v1 := e.Group("/v1")
	v1.GET("/reports/events", listEventsHandler(chEventsRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
