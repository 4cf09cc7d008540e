package session

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/metrics"
)

// Dispatcher is the outward-facing command surface. It resolves a session
// through the registry, creating it on demand, waits for readiness and
// forwards the send. Sends are rate limited per session and never retried.
type Dispatcher struct {
	registry *Registry
	media    MediaStore
	cfg      Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher builds a dispatcher. media may be nil to disable the
// best-effort outbound dedup pass.
func NewDispatcher(registry *Registry, media MediaStore, cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		media:    media,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SendText delivers a text message on behalf of sessionID.
func (d *Dispatcher) SendText(ctx context.Context, sessionID string, target string, text string) error {
	s, err := d.ready(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := d.limiter(sessionID).Wait(ctx); err != nil {
		return err
	}
	if err := s.SendText(ctx, NormalizeTarget(target), text); err != nil {
		return err
	}
	metrics.MessagesOutbound.WithLabelValues(string(KindText)).Inc()
	return nil
}

// SendImage delivers an image. The bytes pass through the media store first
// so an outbound re-send of known content reuses the deduplicated path; a
// store failure is logged but does not block the send.
func (d *Dispatcher) SendImage(ctx context.Context, sessionID string, target string, data []byte, mimeType string, caption string) error {
	s, err := d.ready(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := d.limiter(sessionID).Wait(ctx); err != nil {
		return err
	}
	d.dedupOutbound(ctx, sessionID, data, extensionFor(KindImage, mimeType))
	if err := s.SendImage(ctx, NormalizeTarget(target), data, mimeType, caption); err != nil {
		return err
	}
	metrics.MessagesOutbound.WithLabelValues(string(KindImage)).Inc()
	return nil
}

// SendAudio delivers an audio clip.
func (d *Dispatcher) SendAudio(ctx context.Context, sessionID string, target string, data []byte, mimeType string) error {
	s, err := d.ready(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := d.limiter(sessionID).Wait(ctx); err != nil {
		return err
	}
	d.dedupOutbound(ctx, sessionID, data, extensionFor(KindAudio, mimeType))
	if err := s.SendAudio(ctx, NormalizeTarget(target), data, mimeType); err != nil {
		return err
	}
	metrics.MessagesOutbound.WithLabelValues(string(KindAudio)).Inc()
	return nil
}

// ready resolves the session, creating it if absent, and waits for it to
// reach Open within the configured window.
func (d *Dispatcher) ready(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrNotConnected
	}
	s, err := d.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectWait)
	defer cancel()
	if err := s.WaitReady(waitCtx); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dispatcher) dedupOutbound(ctx context.Context, sessionID string, data []byte, ext string) {
	if d.media == nil {
		return
	}
	if _, err := d.media.Put(ctx, sessionID, data, ext); err != nil {
		log.Session(sessionID).WithError(err).Warn("Outbound media dedup failed")
	}
}

func (d *Dispatcher) limiter(sessionID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[sessionID]
	if !ok {
		perSecond := d.cfg.SendPerSecond
		if perSecond <= 0 {
			perSecond = 10
		}
		burst := d.cfg.SendBurst
		if burst <= 0 {
			burst = perSecond
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		d.limiters[sessionID] = lim
	}
	return lim
}
