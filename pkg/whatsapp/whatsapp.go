// Package whatsapp adapts the whatsmeow protocol library to the session
// transport contract. One Transport shares a single sqlstore container;
// every Open produces an independent client whose events are translated
// into the session package's event union.
package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/sunshineplan/imgconv"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// Transport opens whatsmeow connections backed by a shared device datastore.
type Transport struct {
	container *sqlstore.Container
	proxyURL  string
}

// NewTransport initializes the whatsmeow datastore from
// WHATSAPP_DATASTORE_TYPE and WHATSAPP_DATASTORE_URI and upgrades its schema.
func NewTransport(ctx context.Context) (*Transport, error) {
	driver := normalizeDatastoreDriver(env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "pgx"))
	dsn := normalizeDatastoreDSN(driver, env.MustGetEnvString("WHATSAPP_DATASTORE_URI"))

	log.Print(nil).Info("Initializing WhatsApp datastore with driver=" + driver)

	container, err := sqlstore.New(ctx, driver, dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize whatsapp datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp datastore schema: %w", err)
	}

	store.DeviceProps.Os = proto.String(runtime.GOOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	proxyURL, _ := env.GetEnvString("WHATSAPP_CLIENT_PROXY_URL")
	return &Transport{container: container, proxyURL: proxyURL}, nil
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

// Open builds a client for the session. Empty auth material starts a fresh
// pairing and the QR channel is forwarded as QR events; otherwise the stored
// device is resumed. Reconnect policy lives upstream, so auto reconnect stays
// off here.
func (t *Transport) Open(ctx context.Context, id string, material session.AuthMaterial) (session.Handle, error) {
	device, err := t.device(ctx, material)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, nil)
	if t.proxyURL != "" {
		client.SetProxyAddress(t.proxyURL)
	}
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	h := &handle{
		sessionID: id,
		client:    client,
		events:    make(chan session.Event, 64),
		done:      make(chan struct{}),
	}
	client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("open qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect for pairing: %w", err)
		}
		go h.forwardQR(qrChan)
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	return h, nil
}

func (t *Transport) device(ctx context.Context, material session.AuthMaterial) (*store.Device, error) {
	if len(material) == 0 {
		return t.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(string(material))
	if err != nil {
		return nil, fmt.Errorf("parse stored device id: %w", err)
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		// Stored material points at a device the datastore no longer has.
		return t.container.NewDevice(), nil
	}
	return device, nil
}

type handle struct {
	sessionID string
	client    *whatsmeow.Client
	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (h *handle) Events() <-chan session.Event {
	return h.events
}

// emit delivers one event unless the handle is closed. The events channel is
// never closed; closure is signaled with a DisconnectedEvent.
func (h *handle) emit(ev session.Event) {
	select {
	case <-h.done:
	case h.events <- ev:
	}
}

func (h *handle) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		if id := h.client.Store.ID; id != nil {
			h.emit(&session.CredsEvent{Material: session.AuthMaterial(id.String())})
		}
		h.emit(&session.ConnectedEvent{})
	case *events.LoggedOut:
		h.emit(&session.DisconnectedEvent{
			Reason:    fmt.Errorf("logged out by remote: %s", e.Reason),
			LoggedOut: true,
		})
	case *events.StreamReplaced:
		h.emit(&session.DisconnectedEvent{Reason: errors.New("stream replaced by another client")})
	case *events.Disconnected:
		h.emit(&session.DisconnectedEvent{Reason: errors.New("connection dropped")})
	case *events.ConnectFailure:
		h.emit(&session.DisconnectedEvent{Reason: fmt.Errorf("connect failure: %s", e.Reason)})
	case *events.TemporaryBan:
		log.Session(h.sessionID).Error(fmt.Sprintf("Client temporarily banned, reason=%s, expires=%s", e.Code, e.Expire))
	case *events.KeepAliveTimeout:
		log.Session(h.sessionID).Warn(fmt.Sprintf("Client keepalive timeout, errors=%d", e.ErrorCount))
	case *events.Message:
		if me, ok := flattenMessage(e); ok {
			h.emit(me)
		}
	}
}

func (h *handle) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(&session.QREvent{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(&session.DisconnectedEvent{Reason: errors.New("qr pairing timed out")})
			return
		case whatsmeow.QRChannelClientOutdated.Event:
			h.emit(&session.DisconnectedEvent{Reason: errors.New("client version is outdated for QR pairing")})
			return
		case whatsmeow.QRChannelScannedWithoutMultidevice.Event:
			h.emit(&session.DisconnectedEvent{Reason: errors.New("qr scanned without multi-device enabled")})
			return
		case "error":
			reason := item.Error
			if reason == nil {
				reason = errors.New("qr channel reported an unspecified error")
			}
			h.emit(&session.DisconnectedEvent{Reason: reason})
			return
		}
	}
}

// flattenMessage reduces a whatsmeow message event to the fields the router
// consumes. Unsupported payload types are dropped here.
func flattenMessage(e *events.Message) (*session.MessageEvent, bool) {
	msg := e.Message
	if msg == nil {
		return nil, false
	}

	me := &session.MessageEvent{
		ID:        e.Info.ID,
		Sender:    e.Info.Sender.String(),
		Chat:      e.Info.Chat.String(),
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
		Raw:       e,
	}
	switch {
	case msg.GetConversation() != "":
		me.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		me.Text = msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		me.Media = session.MediaImage
		me.MimeType = msg.ImageMessage.GetMimetype()
		me.Text = msg.ImageMessage.GetCaption()
	case msg.AudioMessage != nil:
		me.Media = session.MediaAudio
		me.MimeType = msg.AudioMessage.GetMimetype()
	default:
		return nil, false
	}
	return me, true
}

func (h *handle) SendText(ctx context.Context, target string, text string) error {
	remoteJID, err := types.ParseJID(target)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	msgExtra := whatsmeow.SendRequestExtra{ID: h.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(text),
	}
	_, err = h.client.SendMessage(ctx, remoteJID, msgContent, msgExtra)
	return err
}

func (h *handle) SendImage(ctx context.Context, target string, data []byte, mimeType string, caption string) error {
	remoteJID, err := types.ParseJID(target)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}

	if env.GetEnvBoolOrDefault("WHATSAPP_MEDIA_IMAGE_COMPRESSION", false) {
		decoded, err := imgconv.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode image for compression: %w", err)
		}
		resized := new(bytes.Buffer)
		err = imgconv.Write(resized,
			imgconv.Resize(decoded, &imgconv.ResizeOption{Width: 1024}),
			&imgconv.FormatOption{})
		if err != nil {
			return fmt.Errorf("encode compressed image: %w", err)
		}
		data = resized.Bytes()
	}

	thumbDecoded, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image for thumbnail: %w", err)
	}
	thumb := new(bytes.Buffer)
	err = imgconv.Write(thumb,
		imgconv.Resize(thumbDecoded, &imgconv.ResizeOption{Width: 72}),
		&imgconv.FormatOption{Format: imgconv.JPEG})
	if err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	uploaded, err := h.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	thumbUploaded, err := h.client.Upload(ctx, thumb.Bytes(), whatsmeow.MediaLinkThumbnail)
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	msgExtra := whatsmeow.SendRequestExtra{ID: h.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:                 proto.String(uploaded.URL),
			DirectPath:          proto.String(uploaded.DirectPath),
			Mimetype:            proto.String(mimeType),
			Caption:             proto.String(caption),
			FileLength:          proto.Uint64(uploaded.FileLength),
			FileSHA256:          uploaded.FileSHA256,
			FileEncSHA256:       uploaded.FileEncSHA256,
			MediaKey:            uploaded.MediaKey,
			JPEGThumbnail:       thumb.Bytes(),
			ThumbnailDirectPath: &thumbUploaded.DirectPath,
			ThumbnailSHA256:     thumbUploaded.FileSHA256,
			ThumbnailEncSHA256:  thumbUploaded.FileEncSHA256,
		},
	}
	_, err = h.client.SendMessage(ctx, remoteJID, msgContent, msgExtra)
	return err
}

func (h *handle) SendAudio(ctx context.Context, target string, data []byte, mimeType string) error {
	remoteJID, err := types.ParseJID(target)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	uploaded, err := h.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	msgExtra := whatsmeow.SendRequestExtra{ID: h.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(mimeType),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
			PTT:           proto.Bool(strings.Contains(mimeType, "ogg")),
		},
	}
	_, err = h.client.SendMessage(ctx, remoteJID, msgContent, msgExtra)
	return err
}

func (h *handle) Download(ctx context.Context, ev *session.MessageEvent) ([]byte, error) {
	raw, ok := ev.Raw.(*events.Message)
	if !ok || raw.Message == nil {
		return nil, errors.New("message event carries no downloadable payload")
	}
	switch {
	case raw.Message.ImageMessage != nil:
		return h.client.Download(ctx, raw.Message.ImageMessage)
	case raw.Message.AudioMessage != nil:
		return h.client.Download(ctx, raw.Message.AudioMessage)
	default:
		return nil, errors.New("message event carries no downloadable payload")
	}
}

func (h *handle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.client.Disconnect()
	})
	return nil
}
