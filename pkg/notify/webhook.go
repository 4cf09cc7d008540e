package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// WebhookEngine POSTs notifications to a fixed set of target URLs through a
// bounded worker pool. Payloads are signed with HMAC-SHA256 when a secret is
// configured. A full queue drops the notification rather than blocking the
// session that raised it.
type WebhookEngine struct {
	targets    []string
	secret     string
	httpClient *http.Client
	queue      chan session.Notification
	retryLimit int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWebhookEngine reads WEBHOOK_TARGETS (comma separated URLs),
// WEBHOOK_SECRET, WEBHOOK_WORKERS and WEBHOOK_RETRY_LIMIT, and starts the
// workers. Returns nil when no targets are configured.
func NewWebhookEngine() *WebhookEngine {
	raw := env.GetEnvStringOrDefault("WEBHOOK_TARGETS", "")
	var targets []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	workers := env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 4)
	if workers <= 0 {
		workers = 4
	}
	retryLimit := env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3)
	if retryLimit <= 0 {
		retryLimit = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &WebhookEngine{
		targets:    targets,
		secret:     env.GetEnvStringOrDefault("WEBHOOK_SECRET", ""),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan session.Notification, 1000),
		retryLimit: retryLimit,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *WebhookEngine) Broadcast(n session.Notification) {
	select {
	case e.queue <- n:
	default:
		log.Session(n.SessionID).WithField("type", n.Type).Warn("webhook queue full, notification dropped")
	}
}

// Shutdown stops the workers after the queue drains. Queued and in-flight
// deliveries complete before the request context is released.
func (e *WebhookEngine) Shutdown() {
	close(e.queue)
	e.wg.Wait()
	e.cancel()
}

func (e *WebhookEngine) worker() {
	defer e.wg.Done()
	for n := range e.queue {
		payload, err := json.Marshal(n)
		if err != nil {
			log.Session(n.SessionID).WithError(err).Warn("webhook notification marshal failed")
			continue
		}
		for _, target := range e.targets {
			e.deliver(target, n, payload)
		}
	}
}

func (e *WebhookEngine) deliver(target string, n session.Notification, payload []byte) {
	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Event", string(n.Type))
		req.Header.Set("User-Agent", "WhatsApp-Session-Bridge/1.0")
		if e.secret != "" {
			sig := signPayload(payload, e.secret)
			req.Header.Set("X-Webhook-Signature", sig)
			req.Header.Set("X-Hub-Signature-256", sig)
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < e.retryLimit {
				time.Sleep(time.Duration(attempt*2) * time.Second)
			}
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		if attempt < e.retryLimit {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
	}
	log.Session(n.SessionID).WithError(lastErr).WithField("target", target).Warn("webhook delivery failed")
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
