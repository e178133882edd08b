package main

import (
	"flag"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Timmmy307/Aurora-rider/internal/config"
	"github.com/Timmmy307/Aurora-rider/internal/game"
	"github.com/Timmmy307/Aurora-rider/internal/logging"
	"github.com/Timmmy307/Aurora-rider/internal/metrics"
)

func main() {
	configFile := flag.String("config", "", "path to yaml config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	registry := game.NewRegistry()
	opts := game.DefaultOptions()
	opts.CountdownTicks = cfg.Game.CountdownTicks
	opts.TickInterval = cfg.Game.TickInterval
	opts.RevealDelay = cfg.Game.RevealDelay
	coord := game.NewCoordinator(registry, opts, logger, m)

	// Leak backstop: reap rooms that somehow stayed empty.
	go func() {
		ticker := time.NewTicker(cfg.Game.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := registry.SweepIdle(cfg.Game.RoomMaxIdle); n > 0 {
				m.RoomsActive.Set(float64(registry.Count()))
				logger.Info().Int("rooms", n).Msg("swept idle rooms")
			}
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Upgrade", "Connection"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := game.NewHandler(coord, logger)
	handler.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	logger.Info().Str("addr", cfg.Server.Addr).Msg("aurora rider server listening")
	if err := r.Run(cfg.Server.Addr); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
