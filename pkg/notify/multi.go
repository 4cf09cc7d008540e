package notify

import (
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// Multi delivers each notification to every wrapped notifier in order.
type Multi []session.Notifier

func (m Multi) Broadcast(n session.Notification) {
	for _, notifier := range m {
		notifier.Broadcast(n)
	}
}

// Nop discards notifications. Used when no external sink is configured so
// the rest of the pipeline never has to nil-check its notifier.
type Nop struct{}

func (Nop) Broadcast(n session.Notification) {
	log.Session(n.SessionID).WithField("type", n.Type).Debug("no notifier configured, notification skipped")
}
