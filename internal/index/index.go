package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/router"
)

func Index(c *fiber.Ctx) error {
	return router.ResponseSuccess(c, "Go WhatsApp Session Bridge is running")
}
