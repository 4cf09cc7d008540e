package message

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"

	typBridge "github.com/gdbrns/go-whatsapp-session-bridge/internal/types"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/router"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/validation"
)

// Controller exposes message operations over HTTP. Sending goes through the
// dispatcher so the session is brought up and rate limited first; history
// reads come straight from storage.
type Controller struct {
	Dispatcher *pkgSession.Dispatcher
	Store      *storage.Postgres
}

func sessionID(c *fiber.Ctx) string {
	if id, ok := c.Locals("session_id").(string); ok {
		return id
	}
	return ""
}

func (ct *Controller) sendError(c *fiber.Ctx, id string, op string, err error) error {
	if errors.Is(err, pkgSession.ErrNotConnected) {
		return router.ResponseBadRequest(c, "Session is not connected")
	}
	log.Session(id).WithError(err).Error("Failed to send " + op)
	return router.ResponseInternalError(c, "Failed to send "+op)
}

func (ct *Controller) SendText(c *fiber.Ctx) error {
	id := sessionID(c)

	var req typBridge.RequestSendText
	if err := c.BodyParser(&req); err != nil {
		log.Print(c).Warn("Failed to parse body request")
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	if err := validation.ValidateTarget(req.Target); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if req.Message == "" {
		return router.ResponseBadRequest(c, "message is required")
	}

	if err := ct.Dispatcher.SendText(c.UserContext(), id, req.Target, req.Message); err != nil {
		return ct.sendError(c, id, "text message", err)
	}
	return router.ResponseSuccess(c, "Success send text message")
}

func (ct *Controller) SendImage(c *fiber.Ctx) error {
	id := sessionID(c)

	target := c.FormValue("target")
	if err := validation.ValidateTarget(target); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	caption := c.FormValue("caption")

	data, mimeType, err := formFileBytes(c, "image")
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if err := ct.Dispatcher.SendImage(c.UserContext(), id, target, data, mimeType, caption); err != nil {
		return ct.sendError(c, id, "image message", err)
	}
	return router.ResponseSuccess(c, "Success send image message")
}

func (ct *Controller) SendAudio(c *fiber.Ctx) error {
	id := sessionID(c)

	target := c.FormValue("target")
	if err := validation.ValidateTarget(target); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	data, mimeType, err := formFileBytes(c, "audio")
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if mimeType == "" {
		mimeType = "audio/mp4"
	}

	if err := ct.Dispatcher.SendAudio(c.UserContext(), id, target, data, mimeType); err != nil {
		return ct.sendError(c, id, "audio message", err)
	}
	return router.ResponseSuccess(c, "Success send audio message")
}

// History returns stored messages for one conversation partner.
func (ct *Controller) History(c *fiber.Ctx) error {
	id := sessionID(c)
	target := c.Params("target")
	if target == "" {
		return router.ResponseBadRequest(c, "target is required")
	}

	msgs, err := ct.Store.QueryMessages(c.UserContext(), target)
	if err != nil {
		log.Session(id).WithError(err).Error("Failed to query message history")
		return router.ResponseInternalError(c, "Failed to query message history")
	}
	if msgs == nil {
		msgs = []pkgSession.InboundMessage{}
	}
	return router.ResponseSuccessWithData(c, "Success get message history", msgs)
}

// Contacts returns every conversation partner the session has seen.
func (ct *Controller) Contacts(c *fiber.Ctx) error {
	id := sessionID(c)

	contacts, err := ct.Store.QueryDistinctContacts(c.UserContext(), id)
	if err != nil {
		log.Session(id).WithError(err).Error("Failed to query contacts")
		return router.ResponseInternalError(c, "Failed to query contacts")
	}
	if contacts == nil {
		contacts = []pkgSession.Contact{}
	}
	return router.ResponseSuccessWithData(c, "Success get contacts", contacts)
}

func formFileBytes(c *fiber.Ctx, field string) ([]byte, string, error) {
	fileHeader, err := c.FormFile(field)
	if err != nil {
		return nil, "", errors.New(field + " file is required")
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", errors.New("failed to open " + field + " file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", errors.New("failed to read " + field + " file")
	}
	return data, fileHeader.Header.Get("Content-Type"), nil
}
