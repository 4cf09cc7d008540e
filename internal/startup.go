package internal

import (
	"context"
	mathrand "math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	pkgSession "github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/storage"
)

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Startup restores every session that still holds auth material. Connections
// are opened with bounded concurrency and a small jitter so a process restart
// does not stampede the upstream service.
func Startup(ctx context.Context, registry *pkgSession.Registry, store *storage.Postgres) {
	log.Print(nil).Info("Running Startup Tasks")

	ids, err := store.ListSessions(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to load sessions from datastore")
		return
	}
	if len(ids) == 0 {
		log.Print(nil).Info("No sessions to restore")
		return
	}

	maxConcurrent := env.GetEnvIntOrDefault("SESSION_STARTUP_CONCURRENCY", 10)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	jitterMax := env.GetEnvDurationOrDefault("SESSION_STARTUP_JITTER_MAX", 5*time.Second)

	var grp errgroup.Group
	grp.SetLimit(maxConcurrent)

	restored := 0
	for _, id := range ids {
		id := id
		grp.Go(func() error {
			jitterSleep(jitterMax)
			log.Session(id).Info("Restoring session")
			if _, err := registry.GetOrCreate(ctx, id); err != nil {
				log.Session(id).WithError(err).Warn("Failed to restore session")
			}
			return nil
		})
		restored++
	}
	_ = grp.Wait()

	log.Print(nil).
		WithField("restored", restored).
		WithField("concurrency", maxConcurrent).
		Info("Startup restore pass complete")
}
