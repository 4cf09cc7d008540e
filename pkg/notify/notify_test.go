package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub()
	first, cancelFirst := hub.Subscribe(4)
	second, cancelSecond := hub.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	hub.Broadcast(session.Notification{Type: session.NotifyConnected, SessionID: "s1"})

	for name, ch := range map[string]<-chan session.Notification{"first": first, "second": second} {
		select {
		case n := <-ch:
			if n.SessionID != "s1" || n.Type != session.NotifyConnected {
				t.Fatalf("%s subscriber got %+v", name, n)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive notification", name)
		}
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}

	hub.Broadcast(session.Notification{Type: session.NotifyConnected, SessionID: "s1"})
}

func TestHubFullSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(session.Notification{Type: session.NotifyMessage, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
}

type recorder struct {
	got []session.Notification
}

func (r *recorder) Broadcast(n session.Notification) {
	r.got = append(r.got, n)
}

func TestMultiFansOutInOrder(t *testing.T) {
	a := &recorder{}
	b := &recorder{}
	m := Multi{a, b}

	m.Broadcast(session.Notification{Type: session.NotifyQRAvailable, SessionID: "s1"})

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected one delivery each, got %d and %d", len(a.got), len(b.got))
	}
}

func TestWebhookEngineSignsAndDelivers(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("WEBHOOK_TARGETS", srv.URL)
	t.Setenv("WEBHOOK_SECRET", "topsecret")
	t.Setenv("WEBHOOK_WORKERS", "1")
	t.Setenv("WEBHOOK_RETRY_LIMIT", "1")

	engine := NewWebhookEngine()
	if engine == nil {
		t.Fatal("expected engine with targets configured")
	}
	defer engine.Shutdown()

	engine.Broadcast(session.Notification{
		Type:      session.NotifyMessage,
		SessionID: "s1",
		Timestamp: time.Now(),
	})

	select {
	case req := <-received:
		body := <-bodies
		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if got := req.Header.Get("X-Webhook-Signature"); got != want {
			t.Fatalf("signature mismatch: got %q want %q", got, want)
		}
		if got := req.Header.Get("X-Webhook-Event"); got != string(session.NotifyMessage) {
			t.Fatalf("event header: got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookEngineShutdownDrainsQueue(t *testing.T) {
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("WEBHOOK_TARGETS", srv.URL)
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("WEBHOOK_WORKERS", "1")
	t.Setenv("WEBHOOK_RETRY_LIMIT", "1")

	engine := NewWebhookEngine()
	if engine == nil {
		t.Fatal("expected engine with targets configured")
	}

	const queued = 5
	for i := 0; i < queued; i++ {
		engine.Broadcast(session.Notification{
			Type:      session.NotifyMessage,
			SessionID: "s1",
			Timestamp: time.Now(),
		})
	}
	engine.Shutdown()

	if got := atomic.LoadInt32(&delivered); got != queued {
		t.Fatalf("expected %d deliveries before shutdown returned, got %d", queued, got)
	}
}

func TestWebhookEngineDisabledWithoutTargets(t *testing.T) {
	t.Setenv("WEBHOOK_TARGETS", "")
	if engine := NewWebhookEngine(); engine != nil {
		t.Fatal("expected nil engine without targets")
	}
}
