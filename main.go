package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailpulse/config"
	"mailpulse/middleware"
	"mailpulse/routes"
	"mailpulse/utils"
	"mailpulse/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if config.AppConfig.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if err := config.ConnectDB(); err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quota := utils.NewQuotaTracker(config.DB)
	verifier := utils.NewVerifier(quota, config.AppConfig.HelloHost,
		config.AppConfig.ProbeFromEmail, log.WithField("component", "verifier"))
	transmitter := utils.NewSMTPTransmitter(config.AppConfig.HelloHost, config.AppConfig.HelloHost)

	var personalizer utils.Personalizer
	if config.AppConfig.Personalizer.APIKey != "" {
		personalizer = utils.NewHTTPPersonalizer(
			config.AppConfig.Personalizer.BaseURL,
			config.AppConfig.Personalizer.APIKey,
			config.AppConfig.Personalizer.Model,
		)
	}

	pool := worker.NewPool(config.AppConfig.MaxWorkers, 256)
	pool.Start(ctx)

	campaignWorker := worker.NewCampaignWorker(config.DB, transmitter, verifier, quota,
		personalizer, pool,
		time.Duration(config.AppConfig.SchedulerTickSec)*time.Second,
		config.AppConfig.TrackingBaseURL,
		log.WithField("component", "scheduler"))
	go campaignWorker.Start(ctx)

	followUpWorker := worker.NewFollowUpWorker(config.DB,
		time.Duration(config.AppConfig.FollowUpTickSec)*time.Second,
		log.WithField("component", "sequencer"))
	go followUpWorker.Start(ctx)

	warmupWorker := worker.NewWarmupWorker(config.DB, transmitter, quota,
		time.Duration(config.AppConfig.WarmupTickSec)*time.Second,
		log.WithField("component", "warmup"))
	go warmupWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB,
		time.Duration(config.AppConfig.ReplyScanSec)*time.Second,
		log.WithField("component", "replies"))
	go replyWorker.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName: "mailpulse",
	})
	app.Use(middleware.CORS())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "running"})
	})

	routes.SetupRoutes(app, routes.Deps{
		DB:       config.DB,
		Verifier: verifier,
		Quota:    quota,
		Pool:     pool,
		JobCtx:   ctx,
		Logger:   log,
	})

	// Shut down cleanly on SIGINT/SIGTERM: stop accepting requests, then
	// stop the workers and let in-flight sends settle.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		cancel()
		_ = app.Shutdown()
	}()

	log.Infof("server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.WithError(err).Fatal("server stopped")
	}

	pool.Stop()
}
