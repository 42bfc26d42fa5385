// Package store is the persistence bridge (spec §4.8): an append-only log
// of every envelope a node sees, plus the four derived collections
// (broadcasts, messageMesh, keyMesh, decrypted) and the dedupe FIFO. It is
// grounded on keysaver-server/storage.go's sqlite-over-database/sql
// pattern, generalised from a single keys table to the mesh's four
// collections.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyberexe1/mujhack/internal/envelope"
	"github.com/cyberexe1/mujhack/internal/meshkind"
)

var logger = log.New(logWriter{}, "[store] ", log.LstdFlags)

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetOutput redirects the package logger, which discards output until set.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	logger = log.New(w, "[store] ", log.LstdFlags)
}

// DecryptedMessage is produced at an admin node only (spec §3).
type DecryptedMessage struct {
	MsgID       string               `json:"msgId"`
	Content     string               `json:"content"`
	Timestamp   time.Time            `json:"timestamp"`
	From        string               `json:"from"`
	Meta        map[string]string    `json:"meta,omitempty"`
	MessagePath []envelope.HopRecord `json:"messagePath"`
	KeyPath     []envelope.HopRecord `json:"keyPath"`
}

// Store is the owning handle for all persisted state (spec §3 Ownership:
// the log exclusively owns every envelope and decrypted message by value).
type Store struct {
	db         *sql.DB
	seqCounter atomic.Int64 // per-instance: two Stores must never share a sequence
}

// Open opens (creating if necessary) the sqlite-backed log at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", meshkind.ErrPersistenceFailure, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer simplicity, matches teacher's usage
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS message_mesh (
		msg_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		origin_from TEXT NOT NULL,
		target_to TEXT NOT NULL,
		ts INTEGER NOT NULL,
		ttl INTEGER NOT NULL,
		seq INTEGER,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS key_mesh (
		msg_id TEXT PRIMARY KEY,
		seq INTEGER,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS decrypted (
		msg_id TEXT PRIMARY KEY,
		seq INTEGER,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dedupe_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		msg_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS node_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		node_id TEXT NOT NULL,
		admin_public_key TEXT,
		admin_private_key_sealed BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_message_mesh_type ON message_mesh(type);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("%w: init schema: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// nextSeq returns a monotonically increasing sequence number scoped to
// this Store (spec §5: log writers are serialised — each *Store's counter
// is independent so concurrent nodes under test never share one).
func (s *Store) nextSeq() int64 {
	return s.seqCounter.Add(1)
}

// SaveMessage appends/overwrites a MessageEnvelope (last-writer-wins by
// msgId, spec §4.8). broadcasts is a derived view: any row with
// type=broadcast is implicitly a member, see Broadcasts().
func (s *Store) SaveMessage(env envelope.MessageEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", meshkind.ErrPersistenceFailure, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO message_mesh (msg_id, type, origin_from, target_to, ts, ttl, seq, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			type=excluded.type, origin_from=excluded.origin_from, target_to=excluded.target_to,
			ts=excluded.ts, ttl=excluded.ttl, seq=excluded.seq, body=excluded.body
	`, env.MsgID, env.Type, env.From, env.To, env.Timestamp.Unix(), env.TTL, s.nextSeq(), string(body))
	if err != nil {
		logger.Printf("save message %s failed: %v", env.MsgID, err)
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

// SaveKey appends/overwrites a KeyEnvelope.
func (s *Store) SaveKey(key envelope.KeyEnvelope) error {
	body, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", meshkind.ErrPersistenceFailure, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO key_mesh (msg_id, seq, body) VALUES (?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET seq=excluded.seq, body=excluded.body
	`, key.MsgID, s.nextSeq(), string(body))
	if err != nil {
		logger.Printf("save key %s failed: %v", key.MsgID, err)
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

// SaveDecrypted appends/overwrites a DecryptedMessage; a second save for
// the same msgId replaces the stored row. Spec invariant 7 (at most once
// per msgId per admin node) is enforced by the admin join, which checks
// HasDecrypted before emitting.
func (s *Store) SaveDecrypted(dm DecryptedMessage) error {
	body, err := json.Marshal(dm)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", meshkind.ErrPersistenceFailure, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO decrypted (msg_id, seq, body) VALUES (?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET seq=excluded.seq, body=excluded.body
	`, dm.MsgID, s.nextSeq(), string(body))
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

// dedupeLogCap bounds the persisted dedupe log to the same 1,000 entries
// as the in-memory dedupe store (spec §4.2).
const dedupeLogCap = 1000

// RecordDedupe appends a (msgId, kind) sighting to the dedupe log, used to
// rebuild the in-memory dedupe.Store on startup (spec §4.2). Entries older
// than the most recent dedupeLogCap are dropped, oldest first.
func (s *Store) RecordDedupe(msgID string, kind int) error {
	_, err := s.db.Exec(`INSERT INTO dedupe_log (msg_id, kind, ts) VALUES (?, ?, ?)`,
		msgID, kind, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	_, err = s.db.Exec(`DELETE FROM dedupe_log WHERE seq <= (SELECT MAX(seq) FROM dedupe_log) - ?`, dedupeLogCap)
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

// RecentDedupe returns the most recent `limit` (msgId, kind) sightings,
// oldest first, for dedupe-store rebuild on startup (spec §4.2).
func (s *Store) RecentDedupe(limit int) ([]struct {
	MsgID string
	Kind  int
}, error) {
	rows, err := s.db.Query(`SELECT msg_id, kind FROM dedupe_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []struct {
		MsgID string
		Kind  int
	}
	for rows.Next() {
		var m string
		var k int
		if err := rows.Scan(&m, &k); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		out = append(out, struct {
			MsgID string
			Kind  int
		}{m, k})
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Broadcasts returns every locally originated or received broadcast
// envelope (spec §4.8 collection "broadcasts").
func (s *Store) Broadcasts() ([]envelope.MessageEnvelope, error) {
	return s.queryMessages(`SELECT body FROM message_mesh WHERE type = ? ORDER BY seq ASC`, envelope.TypeBroadcast)
}

// MessageMesh returns every envelope of either type (spec §4.8 collection "messageMesh").
func (s *Store) MessageMesh() ([]envelope.MessageEnvelope, error) {
	return s.queryMessages(`SELECT body FROM message_mesh ORDER BY seq ASC`)
}

func (s *Store) queryMessages(query string, args ...any) ([]envelope.MessageEnvelope, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []envelope.MessageEnvelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		var env envelope.MessageEnvelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// KeyMesh returns every KeyEnvelope (spec §4.8 collection "keyMesh").
func (s *Store) KeyMesh() ([]envelope.KeyEnvelope, error) {
	rows, err := s.db.Query(`SELECT body FROM key_mesh ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []envelope.KeyEnvelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		var k envelope.KeyEnvelope
		if err := json.Unmarshal([]byte(body), &k); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Decrypted returns every DecryptedMessage (spec §4.8 collection "decrypted").
func (s *Store) Decrypted() ([]DecryptedMessage, error) {
	rows, err := s.db.Query(`SELECT body FROM decrypted ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	defer rows.Close()
	var out []DecryptedMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		var dm DecryptedMessage
		if err := json.Unmarshal([]byte(body), &dm); err != nil {
			return nil, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
		}
		out = append(out, dm)
	}
	return out, rows.Err()
}

// HasDecrypted reports whether a DecryptedMessage has already been emitted
// for msgID (spec invariant 7, admin join idempotence).
func (s *Store) HasDecrypted(msgID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM decrypted WHERE msg_id = ?`, msgID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return n > 0, nil
}

// ExportDoc is the JSON document produced by Export() for operator audit
// (spec §4.8).
type ExportDoc struct {
	Broadcasts  []envelope.MessageEnvelope `json:"broadcasts"`
	MessageMesh []envelope.MessageEnvelope `json:"messageMesh"`
	KeyMesh     []envelope.KeyEnvelope     `json:"keyMesh"`
	Decrypted   []DecryptedMessage         `json:"decrypted"`
}

// Export serialises the four derived collections into one JSON document.
func (s *Store) Export() (ExportDoc, error) {
	var doc ExportDoc
	var err error
	if doc.Broadcasts, err = s.Broadcasts(); err != nil {
		return doc, err
	}
	if doc.MessageMesh, err = s.MessageMesh(); err != nil {
		return doc, err
	}
	if doc.KeyMesh, err = s.KeyMesh(); err != nil {
		return doc, err
	}
	if doc.Decrypted, err = s.Decrypted(); err != nil {
		return doc, err
	}
	return doc, nil
}

// SaveNodeState persists nodeId and, if present, the admin key material.
// adminPrivSealed is nil for a non-admin node.
func (s *Store) SaveNodeState(nodeID, adminPubB64 string, adminPrivSealed []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO node_state (id, node_id, admin_public_key, admin_private_key_sealed)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id=excluded.node_id,
			admin_public_key=excluded.admin_public_key,
			admin_private_key_sealed=excluded.admin_private_key_sealed
	`, nodeID, nullableString(adminPubB64), adminPrivSealed)
	if err != nil {
		return fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LoadNodeState reads back the persisted node identity and admin key
// material. ok is false when no state has ever been saved.
func (s *Store) LoadNodeState() (nodeID, adminPubB64 string, adminPrivSealed []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT node_id, admin_public_key, admin_private_key_sealed FROM node_state WHERE id = 1`)
	var pub sql.NullString
	var sealed []byte
	err = row.Scan(&nodeID, &pub, &sealed)
	if err == sql.ErrNoRows {
		return "", "", nil, false, nil
	}
	if err != nil {
		return "", "", nil, false, fmt.Errorf("%w: %v", meshkind.ErrPersistenceFailure, err)
	}
	return nodeID, pub.String, sealed, true, nil
}
