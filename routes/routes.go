package routes

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "mailpulse/controllers"
	"mailpulse/middleware"
	"mailpulse/utils"
	"mailpulse/worker"
)

// Deps carries the shared services the HTTP handlers need
type Deps struct {
	DB       *gorm.DB
	Verifier *utils.Verifier
	Quota    *utils.QuotaTracker
	Pool     *worker.Pool
	JobCtx   context.Context
	Logger   *logrus.Logger
}

// SetupRoutes wires the whole HTTP surface
func SetupRoutes(app *fiber.App, deps Deps) {
	authController := controller.NewAuthController(deps.DB, deps.Logger.WithField("component", "auth"))
	campaignController := controller.NewCampaignController(deps.DB, deps.Logger.WithField("component", "campaign"))
	senderController := controller.NewSenderController(deps.DB, deps.Quota, deps.Logger.WithField("component", "sender"))
	verificationController := controller.NewVerificationController(
		deps.DB, deps.Verifier, deps.Quota, deps.Pool, deps.JobCtx,
		deps.Logger.WithField("component", "verify"))
	warmupController := controller.NewWarmupController(deps.DB, deps.Logger.WithField("component", "warmup"))
	leadController := controller.NewLeadController(deps.DB, deps.Quota, deps.Logger.WithField("component", "lead"))
	trackingController := controller.NewTrackingController(deps.DB, deps.Logger.WithField("component", "tracking"))
	usageController := controller.NewUsageController(deps.DB, deps.Quota, deps.Logger.WithField("component", "usage"))

	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	// Public endpoints.
	auth := app.Group("/auth", requestLog)
	auth.Post("/register", authController.Register)
	auth.Post("/login", authController.Login)
	auth.Get("/me", middleware.Protected(), authController.Me)

	// Tracking endpoints are hit from recipients' mail clients and carry no
	// credentials.
	track := app.Group("/track")
	track.Get("/open/:messageID/:token", trackingController.TrackOpen)
	track.Get("/click/:messageID/:token", trackingController.TrackClick)

	// Authenticated API.
	api := app.Group("/api/v1", middleware.Protected(), requestLog)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Put("/:id", campaignController.UpdateCampaign)
	campaigns.Delete("/:id", campaignController.DeleteCampaign)
	campaigns.Post("/:id/start", campaignController.StartCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)

	senders := api.Group("/senders")
	senders.Post("/", senderController.CreateSender)
	senders.Get("/", senderController.GetSenders)
	senders.Get("/:id", senderController.GetSender)
	senders.Delete("/:id", senderController.DeleteSender)
	senders.Post("/:id/test", senderController.TestSender)
	senders.Post("/:id/warmup/start", warmupController.StartWarmup)
	senders.Post("/:id/warmup/stop", warmupController.StopWarmup)
	senders.Get("/:id/warmup", warmupController.GetWarmupStatus)
	senders.Get("/:id/warmup/stats", warmupController.GetWarmupStats)

	verify := api.Group("/verify", middleware.VerifyRateLimiter())
	verify.Post("/email", verificationController.VerifyEmail)
	verify.Post("/jobs", verificationController.CreateVerificationJob)
	verify.Get("/jobs", verificationController.GetVerificationJobs)
	verify.Get("/jobs/:id", verificationController.GetVerificationJob)

	lists := api.Group("/lead-lists")
	lists.Post("/", leadController.CreateLeadList)
	lists.Get("/", leadController.GetLeadLists)
	lists.Delete("/:id", leadController.DeleteLeadList)
	lists.Post("/:listID/leads", leadController.AddLeads)
	lists.Get("/:listID/leads", leadController.GetLeads)
	api.Post("/leads/:id/unsubscribe", leadController.UnsubscribeLead)

	api.Get("/usage", usageController.GetUsage)
}
