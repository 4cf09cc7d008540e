// Package storage persists bridge state in PostgreSQL: inbound message
// history, the media deduplication index, and session status records.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/media"
	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/session"
)

// Postgres wraps the bridge database handle.
type Postgres struct {
	db *sql.DB
}

// Open connects using BRIDGE_DATASTORE_URI and applies the schema.
func Open() (*Postgres, error) {
	dsn := env.MustGetEnvString("BRIDGE_DATASTORE_URI")
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	db.SetMaxOpenConns(env.GetEnvIntOrDefault("BRIDGE_DATASTORE_MAX_OPEN_CONNS", 25))
	db.SetMaxIdleConns(env.GetEnvIntOrDefault("BRIDGE_DATASTORE_MAX_IDLE_CONNS", 10))
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping datastore: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridge_sessions (
			session_id TEXT PRIMARY KEY,
			group_id TEXT,
			transport_jid TEXT,
			status TEXT NOT NULL DEFAULT 'disconnected',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bridge_messages (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant TEXT NOT NULL,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			text_content TEXT,
			media_path TEXT,
			group_id TEXT,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_messages_participant ON bridge_messages(participant)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_messages_session ON bridge_messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS bridge_media (
			content_hash TEXT NOT NULL,
			owner_session_id TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (content_hash, owner_session_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// CreateSession registers a session row. Re-creating an existing id only
// refreshes its group assignment.
func (p *Postgres) CreateSession(ctx context.Context, sessionID string, groupID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_sessions (session_id, group_id)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (session_id)
		DO UPDATE SET group_id = EXCLUDED.group_id, updated_at = CURRENT_TIMESTAMP`,
		sessionID, groupID)
	if err != nil {
		return fmt.Errorf("create session row: %w", err)
	}
	return nil
}

// SaveStatus records the session's lifecycle state.
func (p *Postgres) SaveStatus(ctx context.Context, sessionID string, status session.State) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_sessions (session_id, status)
		VALUES ($1, $2)
		ON CONFLICT (session_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = CURRENT_TIMESTAMP`,
		sessionID, string(status))
	if err != nil {
		return fmt.Errorf("save session status: %w", err)
	}
	return nil
}

// ListSessions returns ids of sessions holding auth material, in creation
// order. Used to restore connections at startup.
func (p *Postgres) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id FROM bridge_sessions
		WHERE transport_jid IS NOT NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMessage appends one inbound message record.
func (p *Postgres) InsertMessage(ctx context.Context, msg session.InboundMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_messages
			(session_id, participant, direction, kind, text_content, media_path, group_id, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`,
		msg.SessionID, msg.Participant, string(msg.Direction), string(msg.Kind),
		msg.Text, msg.MediaPath, msg.GroupID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// QueryMessages returns history for a chat target, oldest first. Bare phone
// numbers shorter than 14 characters match direct chats only, so group traffic
// from the same sender stays out of the result; longer targets and JIDs also
// match the group conversation column, which is how a group JID retrieves the
// group history.
func (p *Postgres) QueryMessages(ctx context.Context, target string) ([]session.InboundMessage, error) {
	query := `
		SELECT session_id, participant, direction, kind,
			COALESCE(text_content, ''), COALESCE(media_path, ''), COALESCE(group_id, ''), received_at
		FROM bridge_messages
		WHERE ` + historyFilter(target) + ` ORDER BY received_at, id`

	rows, err := p.db.QueryContext(ctx, query, target)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.InboundMessage
	for rows.Next() {
		var m session.InboundMessage
		var direction, kind string
		if err := rows.Scan(&m.SessionID, &m.Participant, &direction, &kind,
			&m.Text, &m.MediaPath, &m.GroupID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = session.Direction(direction)
		m.Kind = session.Kind(kind)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// historyFilter builds the match predicate for one chat target, bound as $1.
func historyFilter(target string) string {
	if len(target) < 14 && !strings.Contains(target, "@") {
		return `participant = $1 AND group_id IS NULL`
	}
	return `(participant = $1 OR group_id = $1)`
}

// QueryDistinctContacts returns every conversation seen by a session with the
// time of its latest message, newest first. A participant showing up both
// directly and inside a group yields one row per conversation.
func (p *Postgres) QueryDistinctContacts(ctx context.Context, sessionID string) ([]session.Contact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT participant, COALESCE(group_id, ''), MAX(received_at) AS last_seen
		FROM bridge_messages
		WHERE session_id = $1
		GROUP BY participant, group_id
		ORDER BY last_seen DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []session.Contact
	for rows.Next() {
		var c session.Contact
		if err := rows.Scan(&c.Participant, &c.GroupID, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// MediaIndex exposes the media dedup table.
func (p *Postgres) MediaIndex() media.Index {
	return &mediaIndex{db: p.db}
}

type mediaIndex struct {
	db *sql.DB
}

func (m *mediaIndex) Find(ctx context.Context, hash, owner string) (string, bool, error) {
	var path string
	err := m.db.QueryRowContext(ctx, `
		SELECT storage_path FROM bridge_media
		WHERE content_hash = $1 AND owner_session_id = $2`,
		hash, owner).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find media record: %w", err)
	}
	return path, true, nil
}

func (m *mediaIndex) Insert(ctx context.Context, rec media.Record) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO bridge_media (content_hash, owner_session_id, storage_path, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_hash, owner_session_id) DO NOTHING`,
		rec.ContentHash, rec.OwnerSessionID, rec.StoragePath, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert media record: %w", err)
	}
	return nil
}

// Credentials exposes transport auth material storage keyed by session id.
func (p *Postgres) Credentials() session.CredentialStore {
	return &credentialStore{db: p.db}
}

type credentialStore struct {
	db *sql.DB
}

func (c *credentialStore) Load(ctx context.Context, sessionID string) (session.AuthMaterial, error) {
	var jid sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT transport_jid FROM bridge_sessions WHERE session_id = $1`,
		sessionID).Scan(&jid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load auth material: %w", err)
	}
	if !jid.Valid || jid.String == "" {
		return nil, nil
	}
	return session.AuthMaterial(jid.String), nil
}

func (c *credentialStore) Save(ctx context.Context, sessionID string, material session.AuthMaterial) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO bridge_sessions (session_id, transport_jid)
		VALUES ($1, $2)
		ON CONFLICT (session_id)
		DO UPDATE SET transport_jid = EXCLUDED.transport_jid, updated_at = CURRENT_TIMESTAMP`,
		sessionID, string(material))
	if err != nil {
		return fmt.Errorf("save auth material: %w", err)
	}
	return nil
}

func (c *credentialStore) Delete(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE bridge_sessions
		SET transport_jid = NULL, status = 'closed', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $1`,
		sessionID)
	if err != nil {
		return fmt.Errorf("delete auth material: %w", err)
	}
	return nil
}
