package session

import (
	"context"
	"time"
)

// AuthMaterial is the opaque credential blob a transport needs to resume a
// previously paired session. An empty blob means the session has never been
// paired and the transport is expected to emit a QR code.
type AuthMaterial []byte

// Transport opens live connections to the messaging service. Implementations
// wrap the protocol library; the lifecycle manager only ever talks to this
// interface.
type Transport interface {
	Open(ctx context.Context, id string, material AuthMaterial) (Handle, error)
}

// Handle is one live connection. Events delivers the upstream event stream
// until the connection dies; Close releases the underlying resources and is
// safe to call more than once.
type Handle interface {
	Events() <-chan Event

	SendText(ctx context.Context, target string, text string) error
	SendImage(ctx context.Context, target string, data []byte, mimeType string, caption string) error
	SendAudio(ctx context.Context, target string, data []byte, mimeType string) error

	// Download fetches the raw media bytes for a message event previously
	// delivered by this handle's event stream.
	Download(ctx context.Context, ev *MessageEvent) ([]byte, error)

	Logout(ctx context.Context) error
	Close() error
}

// Event is one of *ConnectedEvent, *QREvent, *CredsEvent, *MessageEvent or
// *DisconnectedEvent.
type Event interface {
	sessionEvent()
}

// ConnectedEvent signals a successful authentication handshake.
type ConnectedEvent struct{}

// QREvent carries a pairing code that must be scanned before the handshake
// can complete. Emitted only when the session has no prior auth material.
type QREvent struct {
	Code string
}

// CredsEvent carries refreshed auth material that should be persisted.
type CredsEvent struct {
	Material AuthMaterial
}

// DisconnectedEvent terminates the handle's event stream. LoggedOut marks the
// closure as terminal; every other reason is retriable.
type DisconnectedEvent struct {
	Reason    error
	LoggedOut bool
}

// MediaKind classifies the media payload of a message event.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaImage
	MediaAudio
)

// MessageEvent is one upstream chat event, already flattened to the fields
// the router cares about. Raw holds the transport-private payload needed by
// Handle.Download.
type MessageEvent struct {
	ID        string
	Sender    string
	Chat      string
	FromMe    bool
	Text      string
	Media     MediaKind
	MimeType  string
	Timestamp time.Time
	Raw       interface{}
}

func (*ConnectedEvent) sessionEvent()    {}
func (*QREvent) sessionEvent()           {}
func (*CredsEvent) sessionEvent()        {}
func (*DisconnectedEvent) sessionEvent() {}
func (*MessageEvent) sessionEvent()      {}

// CredentialStore persists auth material keyed by session id. Load returns a
// nil blob when no material exists for the id.
type CredentialStore interface {
	Load(ctx context.Context, id string) (AuthMaterial, error)
	Save(ctx context.Context, id string, material AuthMaterial) error
	Delete(ctx context.Context, id string) error
}

// Direction of an inbound message relative to the session owner.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Kind of an inbound message payload.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// InboundMessage is the normalized representation of one chat event. Created
// exactly once per upstream event and immutable afterwards.
type InboundMessage struct {
	SessionID   string    `json:"session_id"`
	Participant string    `json:"participant"`
	Direction   Direction `json:"direction"`
	Kind        Kind      `json:"kind"`
	Text        string    `json:"text,omitempty"`
	MediaPath   string    `json:"media_path,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Contact is one distinct conversation. GroupID is empty for direct chats
// and carries the group JID otherwise, which doubles as the history target
// for the group conversation.
type Contact struct {
	Participant   string    `json:"participant"`
	GroupID       string    `json:"group_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// MessageStore is the persistence collaborator for inbound messages.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg InboundMessage) error
	QueryMessages(ctx context.Context, target string) ([]InboundMessage, error)
	QueryDistinctContacts(ctx context.Context, sessionID string) ([]Contact, error)
}

// MediaStore deduplicates raw media bytes and returns a storage path.
type MediaStore interface {
	Put(ctx context.Context, owner string, data []byte, ext string) (string, error)
}

// StatusStore records the externally visible state of a session. Optional;
// a nil StatusStore disables persistence of state changes.
type StatusStore interface {
	SaveStatus(ctx context.Context, id string, state State) error
}

// NotificationType identifies a broadcast event.
type NotificationType string

const (
	NotifyConnected    NotificationType = "connection.connected"
	NotifyDisconnected NotificationType = "connection.disconnected"
	NotifyQRAvailable  NotificationType = "qr.available"
	NotifyQRCleared    NotificationType = "qr.cleared"
	NotifyMessage      NotificationType = "message.received"
)

// Notification is one fire-and-forget broadcast to external listeners.
type Notification struct {
	Type      NotificationType       `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers notifications at-most-once to currently connected
// listeners. Broadcast must not block the caller for long.
type Notifier interface {
	Broadcast(n Notification)
}
