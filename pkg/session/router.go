package session

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/metrics"
)

// UnknownParticipant is the sentinel used when an event carries neither a
// sender nor a conversation identity.
const UnknownParticipant = "unknown"

// Router consumes message events from live sessions and turns them into
// persisted InboundMessage records. Events are processed by a bounded pool of
// workers; ordering across events of one session is not guaranteed.
type Router struct {
	store    MessageStore
	media    MediaStore
	notifier Notifier
	grp      *errgroup.Group
}

// NewRouter builds an event router with at most workers concurrent handlers.
func NewRouter(store MessageStore, media MediaStore, notifier Notifier, workers int) *Router {
	grp := new(errgroup.Group)
	if workers > 0 {
		grp.SetLimit(workers)
	}
	return &Router{
		store:    store,
		media:    media,
		notifier: notifier,
		grp:      grp,
	}
}

// Dispatch schedules one message event for processing. Blocks only while all
// workers are busy.
func (r *Router) Dispatch(s *Session, ev *MessageEvent) {
	r.grp.Go(func() error {
		r.handle(context.Background(), s, ev)
		return nil
	})
}

// Wait blocks until every dispatched event has been processed.
func (r *Router) Wait() {
	_ = r.grp.Wait()
}

func (r *Router) handle(ctx context.Context, s *Session, ev *MessageEvent) {
	msg, ok := r.normalize(s, ev)
	if !ok {
		// No recognizable payload; the event is ignored.
		return
	}

	if msg.Kind != KindText {
		data, err := s.Download(ctx, ev)
		if err != nil {
			log.Session(s.id).WithError(err).Error("Failed to download media, dropping message")
			return
		}
		path, err := r.media.Put(ctx, s.id, data, extensionFor(msg.Kind, ev.MimeType))
		if err != nil {
			log.Session(s.id).WithError(err).Error("Failed to store media, dropping message")
			return
		}
		msg.MediaPath = path
	}

	if err := r.store.InsertMessage(ctx, msg); err != nil {
		log.Session(s.id).WithError(err).Error("Failed to persist inbound message")
		return
	}
	metrics.MessagesInbound.WithLabelValues(string(msg.Kind)).Inc()

	if r.notifier != nil {
		r.notifier.Broadcast(Notification{
			Type:      NotifyMessage,
			SessionID: s.id,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"participant": msg.Participant,
				"direction":   string(msg.Direction),
				"kind":        string(msg.Kind),
				"group_id":    msg.GroupID,
			},
		})
	}
}

// normalize flattens an upstream event into an InboundMessage. Returns false
// when the event carries none of the supported payloads.
func (r *Router) normalize(s *Session, ev *MessageEvent) (InboundMessage, bool) {
	participant := UnknownParticipant
	if ev.Sender != "" {
		participant = StripServer(ev.Sender)
	} else if ev.Chat != "" {
		participant = StripServer(ev.Chat)
	}

	direction := DirectionReceived
	if ev.FromMe {
		direction = DirectionSent
	}

	groupID := ""
	if strings.Contains(ev.Chat, "@"+GroupServer) {
		groupID = ev.Chat
	}

	msg := InboundMessage{
		SessionID:   s.id,
		Participant: participant,
		Direction:   direction,
		GroupID:     groupID,
		Timestamp:   ev.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch {
	case ev.Media == MediaImage:
		// Text carries the caption, if any.
		msg.Kind = KindImage
		msg.Text = ev.Text
	case ev.Media == MediaAudio:
		msg.Kind = KindAudio
	case ev.Text != "":
		msg.Kind = KindText
		msg.Text = ev.Text
	default:
		return InboundMessage{}, false
	}
	return msg, true
}

func extensionFor(kind Kind, mimeType string) string {
	if kind == KindAudio {
		return ".ogg"
	}
	switch {
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
