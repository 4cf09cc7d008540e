package internal

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/router"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"

	ctlIndex "github.com/gdbrns/go-whatsapp-session-bridge/internal/index"
	ctlMessage "github.com/gdbrns/go-whatsapp-session-bridge/internal/message"
	ctlSessions "github.com/gdbrns/go-whatsapp-session-bridge/internal/sessions"
)

// App carries the shared components the HTTP layer depends on.
type App struct {
	Registry   *pkgSession.Registry
	Dispatcher *pkgSession.Dispatcher
	Store      *storage.Postgres
	MediaRoot  string
}

func Routes(app *fiber.App, deps *App) {
	sessions := &ctlSessions.Controller{Registry: deps.Registry, Store: deps.Store}
	messages := &ctlMessage.Controller{Dispatcher: deps.Dispatcher, Store: deps.Store}

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Prometheus metrics
	app.Get(router.BaseURL+"/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Stored media served as static files
	app.Static(router.BaseURL+"/media", deps.MediaRoot)

	// Session creation (no auth, returns the bearer token)
	app.Post(router.BaseURL+"/sessions", sessions.Create)

	// Session operations (JWT Bearer token authentication)
	sessionAuth := auth.SessionAuth()
	app.Post(router.BaseURL+"/sessions/me/connect", sessionAuth, sessions.Connect)
	app.Get(router.BaseURL+"/sessions/me/status", sessionAuth, sessions.Status)
	app.Get(router.BaseURL+"/sessions/me/qr", sessionAuth, sessions.QR)
	app.Delete(router.BaseURL+"/sessions/me", sessionAuth, sessions.Logout)

	// Messaging
	app.Post(router.BaseURL+"/messages/text", sessionAuth, messages.SendText)
	app.Post(router.BaseURL+"/messages/image", sessionAuth, messages.SendImage)
	app.Post(router.BaseURL+"/messages/audio", sessionAuth, messages.SendAudio)

	// History
	app.Get(router.BaseURL+"/chats", sessionAuth, messages.Contacts)
	app.Get(router.BaseURL+"/chats/:target/messages", sessionAuth, messages.History)
}
