package sessions

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	qrCode "github.com/skip2/go-qrcode"

	typBridge "github.com/gdbrns/go-whatsapp-session-bridge/internal/types"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/router"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"
)

// Controller exposes session lifecycle operations over HTTP.
type Controller struct {
	Registry *pkgSession.Registry
	Store    *storage.Postgres
}

func sessionID(c *fiber.Ctx) string {
	if id, ok := c.Locals("session_id").(string); ok {
		return id
	}
	return ""
}

// Create registers a new session id and returns its bearer token. The
// connection itself is not opened until Connect is called.
func (ct *Controller) Create(c *fiber.Ctx) error {
	var req typBridge.RequestCreateSession
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			log.Print(c).Warn("Failed to parse body request")
			return router.ResponseBadRequest(c, "Failed parse body request")
		}
	}

	id := uuid.NewString()
	if err := ct.Store.CreateSession(c.UserContext(), id, req.GroupID); err != nil {
		log.Print(c).WithError(err).Error("Failed to persist session")
		return router.ResponseInternalError(c, "Failed to create session")
	}

	token, err := auth.GenerateSessionToken(id, req.GroupID)
	if err != nil {
		log.Print(c).WithError(err).Error("Failed to generate session token")
		return router.ResponseInternalError(c, "Failed to create session")
	}

	log.Session(id).Info("Session created")
	return router.ResponseCreatedWithData(c, "Success create session", fiber.Map{
		"session_id": id,
		"token":      token,
	})
}

// Connect starts (or resumes) the session's connection loop.
func (ct *Controller) Connect(c *fiber.Ctx) error {
	id := sessionID(c)

	s, err := ct.Registry.GetOrCreate(c.UserContext(), id)
	if err != nil {
		log.Session(id).WithError(err).Error("Failed to start session")
		return router.ResponseInternalError(c, "Failed to start session")
	}

	log.Session(id).Info("Session connecting")
	return router.ResponseSuccessWithData(c, "Success connect session", fiber.Map{
		"session_id": id,
		"state":      string(s.State()),
	})
}

// Status reports the live state of the session, or "disconnected" when no
// live instance exists.
func (ct *Controller) Status(c *fiber.Ctx) error {
	id := sessionID(c)

	state := pkgSession.StateDisconnected
	retries := 0
	if s, ok := ct.Registry.Get(id); ok {
		state = s.State()
		retries = s.RetryCount()
	}
	return router.ResponseSuccessWithData(c, "Success get session status", fiber.Map{
		"session_id":  id,
		"state":       string(state),
		"retry_count": retries,
	})
}

// QR returns the pending pairing code as a PNG data URI. 404 while no code
// is pending.
func (ct *Controller) QR(c *fiber.Ctx) error {
	id := sessionID(c)

	s, ok := ct.Registry.Get(id)
	if !ok {
		return router.ResponseNotFound(c, "QR code not found")
	}
	code, ok := s.QR()
	if !ok {
		return router.ResponseNotFound(c, "QR code not found")
	}

	qrPNG, err := qrCode.Encode(code, qrCode.Medium, 256)
	if err != nil {
		log.Session(id).WithError(err).Error("Failed to encode QR code")
		return router.ResponseInternalError(c, "Failed to encode QR code")
	}
	return router.ResponseSuccessWithData(c, "Success get QR code", fiber.Map{
		"qr_code": "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG),
	})
}

// Logout terminates the session, wipes its auth material and removes the
// live instance.
func (ct *Controller) Logout(c *fiber.Ctx) error {
	id := sessionID(c)

	if err := ct.Registry.Logout(c.UserContext(), id); err != nil {
		if errors.Is(err, pkgSession.ErrNotConnected) {
			return router.ResponseBadRequest(c, "Session is not connected")
		}
		log.Session(id).WithError(err).Error("Failed to logout session")
		return router.ResponseInternalError(c, "Failed to logout session")
	}

	log.Session(id).Info("Session logged out")
	return router.ResponseSuccess(c, "Success logout session")
}
