package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/media"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/notify"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/router"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/whatsapp"

	"github.com/gdbrns/go-whatsapp-session-bridge/internal"
)

type Server struct {
	Address string
	Port    string
}

func main() {
	ctx := context.Background()

	// Initialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Storage
	store, err := storage.Open()
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	mediaRoot := env.GetEnvStringOrDefault("MEDIA_ROOT", "./media")
	mediaStore := media.NewStore(mediaRoot, store.MediaIndex())

	// Notification sinks
	var sinks notify.Multi
	if amqpURL := env.GetEnvStringOrDefault("AMQP_URL", ""); amqpURL != "" {
		amqpNotifier, err := notify.NewAMQP(amqpURL)
		if err != nil {
			log.Print(nil).Fatal(err.Error())
		}
		defer amqpNotifier.Close()
		sinks = append(sinks, amqpNotifier)
	}
	webhookEngine := notify.NewWebhookEngine()
	if webhookEngine != nil {
		sinks = append(sinks, webhookEngine)
	}
	var notifier pkgSession.Notifier = sinks
	if len(sinks) == 0 {
		notifier = notify.Nop{}
	}

	// Transport and session core
	transport, err := whatsapp.NewTransport(ctx)
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	cfg := pkgSession.ConfigFromEnv()
	eventRouter := pkgSession.NewRouter(store, mediaStore, notifier, cfg.RouterWorkers)
	registry := pkgSession.NewRegistry(cfg, transport, store.Credentials(), eventRouter, notifier, store)
	dispatcher := pkgSession.NewDispatcher(registry, mediaStore, cfg)

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler:   router.HttpErrorHandler,
		BodyLimit:      router.BodyLimitBytes(),
		ReadBufferSize: 8192,
	})

	// Request ID + panic recovery
	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	// Router Compression
	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
	}))

	// Router CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE",
	}))

	// Router Security
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router RealIP
	app.Use(router.HttpRealIP())

	// Router Default Handler
	app.Get("/favicon.ico", router.ResponseNoContent)

	// Load Internal Routes
	internal.Routes(app, &internal.App{
		Registry:   registry,
		Dispatcher: dispatcher,
		Store:      store,
		MediaRoot:  mediaRoot,
	})

	// Running Startup Tasks
	internal.Startup(ctx, registry, store)

	// Running Routines Tasks
	internal.Routines(c, registry, store)

	var serverConfig Server
	serverConfig.Address = env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0")
	serverConfig.Port = env.GetEnvStringOrDefault("SERVER_PORT", "7001")

	// Start Server
	go func() {
		if err := app.Listen(serverConfig.Address + ":" + serverConfig.Port); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := app.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).Error(err.Error())
	}

	// Stop sessions, drain the event router, then release shared resources
	registry.Close()
	eventRouter.Wait()
	if webhookEngine != nil {
		webhookEngine.Shutdown()
	}
	c.Stop()
	if err := store.Close(); err != nil {
		log.Print(nil).Error(err.Error())
	}
}
