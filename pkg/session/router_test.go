package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// downloadHandle only serves Download; the router never sends.
type downloadHandle struct {
	data []byte
	err  error
}

func (h *downloadHandle) Events() <-chan Event { return nil }
func (h *downloadHandle) SendText(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (h *downloadHandle) SendImage(context.Context, string, []byte, string, string) error {
	return errors.New("not implemented")
}
func (h *downloadHandle) SendAudio(context.Context, string, []byte, string) error {
	return errors.New("not implemented")
}
func (h *downloadHandle) Download(context.Context, *MessageEvent) ([]byte, error) {
	return h.data, h.err
}
func (h *downloadHandle) Logout(context.Context) error { return nil }
func (h *downloadHandle) Close() error                 { return nil }

type recordingStore struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (r *recordingStore) InsertMessage(_ context.Context, msg InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingStore) QueryMessages(context.Context, string) ([]InboundMessage, error) {
	return nil, nil
}

func (r *recordingStore) QueryDistinctContacts(context.Context, string) ([]Contact, error) {
	return nil, nil
}

func (r *recordingStore) messages() []InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InboundMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

type countingMedia struct {
	mu     sync.Mutex
	writes int
	seen   map[string]string
	err    error
}

func (m *countingMedia) Put(_ context.Context, owner string, data []byte, ext string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]string)
	}
	key := string(data) + "|" + owner
	if path, ok := m.seen[key]; ok {
		return path, nil
	}
	m.writes++
	path := "images/blob" + ext
	m.seen[key] = path
	return path, nil
}

type captureNotifier struct {
	mu  sync.Mutex
	all []Notification
}

func (c *captureNotifier) Broadcast(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, n)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.all)
}

func TestRouterPersistsTextMessage(t *testing.T) {
	store := &recordingStore{}
	notifier := &captureNotifier{}
	r := NewRouter(store, &countingMedia{}, notifier, 4)
	s := newSession("s1")

	r.Dispatch(s, &MessageEvent{
		ID:        "m1",
		Sender:    "628110001@s.whatsapp.net",
		Chat:      "628110001@s.whatsapp.net",
		Text:      "hello there",
		Timestamp: time.Unix(1700000000, 0),
	})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Participant != "628110001" {
		t.Errorf("participant = %q", msg.Participant)
	}
	if msg.Direction != DirectionReceived {
		t.Errorf("direction = %q", msg.Direction)
	}
	if msg.Kind != KindText || msg.Text != "hello there" {
		t.Errorf("kind/text = %q/%q", msg.Kind, msg.Text)
	}
	if msg.GroupID != "" {
		t.Errorf("direct chat must have no group id, got %q", msg.GroupID)
	}
	if notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", notifier.count())
	}
}

func TestRouterOwnMessageIsMarkedSent(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")

	r.Dispatch(s, &MessageEvent{
		Sender: "628110001@s.whatsapp.net",
		Chat:   "628220002@s.whatsapp.net",
		FromMe: true,
		Text:   "note to other",
	})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 1 || msgs[0].Direction != DirectionSent {
		t.Fatalf("expected one sent message, got %+v", msgs)
	}
}

func TestRouterParticipantFallback(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")

	r.Dispatch(s, &MessageEvent{Chat: "628220002@s.whatsapp.net", Text: "no sender"})
	r.Dispatch(s, &MessageEvent{Text: "no identity at all"})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	byText := make(map[string]string)
	for _, m := range msgs {
		byText[m.Text] = m.Participant
	}
	if byText["no sender"] != "628220002" {
		t.Errorf("chat fallback participant = %q", byText["no sender"])
	}
	if byText["no identity at all"] != UnknownParticipant {
		t.Errorf("sentinel participant = %q", byText["no identity at all"])
	}
}

func TestRouterGroupMessageKeepsGroupID(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")

	r.Dispatch(s, &MessageEvent{
		Sender: "628110001@s.whatsapp.net",
		Chat:   "12345-678@g.us",
		Text:   "group chatter",
	})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].GroupID != "12345-678@g.us" {
		t.Errorf("group id = %q", msgs[0].GroupID)
	}
	if msgs[0].Participant != "628110001" {
		t.Errorf("participant = %q", msgs[0].Participant)
	}
}

func TestRouterDeduplicatesRepeatedMedia(t *testing.T) {
	store := &recordingStore{}
	media := &countingMedia{}
	r := NewRouter(store, media, nil, 1)
	s := newSession("s1")
	s.setHandle(&downloadHandle{data: []byte("same picture")})

	direct := &MessageEvent{
		Sender:   "628110001@s.whatsapp.net",
		Chat:     "628110001@s.whatsapp.net",
		Media:    MediaImage,
		MimeType: "image/jpeg",
	}
	group := &MessageEvent{
		Sender:   "628110001@s.whatsapp.net",
		Chat:     "12345-678@g.us",
		Media:    MediaImage,
		MimeType: "image/jpeg",
	}
	r.Dispatch(s, direct)
	r.Dispatch(s, group)
	r.Wait()

	if media.writes != 1 {
		t.Fatalf("expected one media write, got %d", media.writes)
	}
	msgs := store.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(msgs))
	}
	if msgs[0].MediaPath == "" || msgs[0].MediaPath != msgs[1].MediaPath {
		t.Fatalf("both records must share the media path: %q vs %q", msgs[0].MediaPath, msgs[1].MediaPath)
	}
	groups := map[string]bool{msgs[0].GroupID: true, msgs[1].GroupID: true}
	if !groups[""] || !groups["12345-678@g.us"] {
		t.Fatalf("expected one direct and one group record, got %v", groups)
	}
}

func TestRouterImageCaptionStaysWithImage(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")
	s.setHandle(&downloadHandle{data: []byte("picture")})

	r.Dispatch(s, &MessageEvent{
		Sender:   "628110001@s.whatsapp.net",
		Chat:     "628110001@s.whatsapp.net",
		Media:    MediaImage,
		MimeType: "image/jpeg",
		Text:     "look at this",
	})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Kind != KindImage {
		t.Errorf("kind = %q, caption must not reclassify the message", msgs[0].Kind)
	}
	if msgs[0].Text != "look at this" {
		t.Errorf("caption = %q", msgs[0].Text)
	}
}

func TestRouterIgnoresUnrecognizedPayload(t *testing.T) {
	store := &recordingStore{}
	notifier := &captureNotifier{}
	r := NewRouter(store, &countingMedia{}, notifier, 1)
	s := newSession("s1")

	r.Dispatch(s, &MessageEvent{Sender: "628110001@s.whatsapp.net"})
	r.Wait()

	if len(store.messages()) != 0 {
		t.Fatal("unrecognized payload must not be stored")
	}
	if notifier.count() != 0 {
		t.Fatal("unrecognized payload must not be broadcast")
	}
}

func TestRouterDropsMessageOnDownloadFailure(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")
	s.setHandle(&downloadHandle{err: errors.New("media gone")})

	r.Dispatch(s, &MessageEvent{
		Sender:   "628110001@s.whatsapp.net",
		Chat:     "628110001@s.whatsapp.net",
		Media:    MediaImage,
		MimeType: "image/jpeg",
	})
	r.Wait()

	if len(store.messages()) != 0 {
		t.Fatal("message must be dropped when the download fails")
	}
}

func TestRouterDefaultsZeroTimestamp(t *testing.T) {
	store := &recordingStore{}
	r := NewRouter(store, &countingMedia{}, nil, 1)
	s := newSession("s1")

	before := time.Now()
	r.Dispatch(s, &MessageEvent{
		Sender: "628110001@s.whatsapp.net",
		Text:   "undated",
	})
	r.Wait()

	msgs := store.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Timestamp.Before(before) {
		t.Fatalf("zero timestamp must be replaced with receive time, got %s", msgs[0].Timestamp)
	}
}

func TestExtensionFor(t *testing.T) {
	if got := extensionFor(KindAudio, "audio/ogg; codecs=opus"); got != ".ogg" {
		t.Errorf("audio ext = %q", got)
	}
	if got := extensionFor(KindImage, "image/png"); got != ".png" {
		t.Errorf("png ext = %q", got)
	}
	if got := extensionFor(KindImage, "image/webp"); got != ".webp" {
		t.Errorf("webp ext = %q", got)
	}
	if got := extensionFor(KindImage, "image/jpeg"); got != ".jpg" {
		t.Errorf("jpeg ext = %q", got)
	}
}
