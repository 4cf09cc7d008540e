package internal

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"
)

// Routines schedules the periodic session health check. The check keeps the
// persisted status in sync with the live state so operators see reality even
// after missed events.
func Routines(c *cron.Cron, registry *pkgSession.Registry, store *storage.Postgres) {
	log.Print(nil).Info("Running Routine Tasks")

	if !env.GetEnvBoolOrDefault("SESSION_ENABLE_HEALTH_CHECK_CRON", true) {
		log.Print(nil).Info("Health check cron disabled; relying on lifecycle events")
		c.Start()
		return
	}

	_, err := c.AddFunc("0 */5 * * * *", func() {
		ids := registry.ListActive()
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			s, ok := registry.Get(id)
			if !ok {
				continue
			}
			state := s.State()
			if state == pkgSession.StateOpen {
				log.Session(id).Info("Session healthy")
			} else {
				log.Session(id).WithField("state", string(state)).Warn("Session unhealthy")
			}
			if err := store.SaveStatus(context.Background(), id, state); err != nil {
				log.Session(id).WithError(err).Warn("Failed to persist session status")
			}
		}
	})
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to add health check cron job")
	}

	c.Start()
}
