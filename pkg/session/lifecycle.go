package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/metrics"
)

// lifecycle drives the connect/authenticate/reconnect state machine for one
// session. All state transitions happen on this goroutine, so no two
// transitions for the same session ever run concurrently.
type lifecycle struct {
	s         *Session
	cfg       Config
	transport Transport
	creds     CredentialStore
	router    *Router
	notifier  Notifier
	status    StatusStore
	registry  *Registry
}

func (l *lifecycle) run(ctx context.Context) {
	bo := backoff.NewConstantBackOff(l.cfg.ReconnectDelay)

	for {
		l.s.setState(StateConnecting)
		l.saveStatus(StateConnecting)

		handle, err := l.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.finish(nil)
				return
			}
			log.Session(l.s.id).WithError(err).Warn("Connect attempt failed")
			if !l.retry(ctx, bo) {
				return
			}
			continue
		}

		l.s.setHandle(handle)
		disc := l.consume(ctx, handle)
		l.s.setHandle(nil)
		_ = handle.Close()

		if ctx.Err() != nil {
			l.finish(nil)
			return
		}

		if disc != nil && disc.LoggedOut {
			log.Session(l.s.id).Info("Session logged out by transport, closing permanently")
			_ = l.creds.Delete(context.Background(), l.s.id)
			l.finish(nil)
			return
		}

		if disc != nil && disc.Reason != nil {
			log.Session(l.s.id).WithError(disc.Reason).Warn("Transport closed")
		}
		if !l.retry(ctx, bo) {
			return
		}
	}
}

// open loads auth material and dials the transport. A credential load failure
// is reported like any other connect failure and retried.
func (l *lifecycle) open(ctx context.Context) (Handle, error) {
	material, err := l.creds.Load(ctx, l.s.id)
	if err != nil {
		return nil, fmt.Errorf("load auth material: %w", err)
	}
	return l.transport.Open(ctx, l.s.id, material)
}

// consume services the handle's event stream until the connection dies or the
// context is cancelled. Returns the disconnect event, nil on cancellation.
func (l *lifecycle) consume(ctx context.Context, handle Handle) *DisconnectedEvent {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-handle.Events():
			if !ok {
				return &DisconnectedEvent{Reason: errors.New("transport event stream closed")}
			}
			switch e := ev.(type) {
			case *QREvent:
				l.s.setQR(e.Code)
				l.s.setState(StateAwaitingScan)
				l.broadcast(NotifyQRAvailable, map[string]interface{}{"code": e.Code})
			case *ConnectedEvent:
				if l.s.clearQR() {
					l.broadcast(NotifyQRCleared, nil)
				}
				l.s.setState(StateOpen)
				l.saveStatus(StateOpen)
				l.broadcast(NotifyConnected, nil)
				log.Session(l.s.id).Info("Session connected")
			case *CredsEvent:
				if err := l.creds.Save(ctx, l.s.id, e.Material); err != nil {
					log.Session(l.s.id).WithError(err).Error("Failed to persist auth material")
				}
			case *MessageEvent:
				l.router.Dispatch(l.s, e)
			case *DisconnectedEvent:
				return e
			}
		}
	}
}

// retry waits out the backoff delay and reports whether another connect
// attempt should run. The retry budget and pending delays are both bounded by
// the context: an explicit logout cancels a scheduled reconnect.
func (l *lifecycle) retry(ctx context.Context, bo backoff.BackOff) bool {
	if l.s.RetryCount() >= l.cfg.MaxRetries {
		log.Session(l.s.id).Warn("Reconnect limit exceeded, closing session")
		l.finish(ErrReconnectLimit)
		return false
	}
	attempt := l.s.incRetry()
	metrics.SessionReconnects.Inc()
	log.Session(l.s.id).Info(fmt.Sprintf("Reconnecting, attempt %d of %d", attempt, l.cfg.MaxRetries))

	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = l.cfg.ReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		l.finish(nil)
		return false
	case <-timer.C:
		return true
	}
}

// finish is the single terminal transition. It clears any pending QR code,
// moves the session to Closed, notifies listeners and detaches the instance
// from the registry so a later GetOrCreate starts fresh.
func (l *lifecycle) finish(terminalErr error) {
	if terminalErr != nil {
		l.s.setErr(terminalErr)
	}
	if l.s.clearQR() {
		l.broadcast(NotifyQRCleared, nil)
	}
	l.s.setState(StateClosed)
	l.saveStatus(StateClosed)
	l.broadcast(NotifyDisconnected, nil)
	l.registry.removeIfSame(l.s.id, l.s)
}

func (l *lifecycle) broadcast(t NotificationType, data map[string]interface{}) {
	if l.notifier == nil {
		return
	}
	l.notifier.Broadcast(Notification{
		Type:      t,
		SessionID: l.s.id,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (l *lifecycle) saveStatus(state State) {
	if l.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.status.SaveStatus(ctx, l.s.id, state); err != nil {
		log.Session(l.s.id).WithError(err).Warn("Failed to persist session status")
	}
}
