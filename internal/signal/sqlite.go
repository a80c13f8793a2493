package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqlitePollInterval is how often watchers re-read their key. SQLite has no
// change notification, so subscriptions are polled.
const sqlitePollInterval = 200 * time.Millisecond

// SQLiteStore backs the signaling channel with an embedded SQLite database,
// for single-host deployments and environments without a network store.
// Subscriptions are polling-based; candidate order is preserved by a
// monotonic rowid sequence.
type SQLiteStore struct {
	db   *sql.DB
	poll time.Duration
}

// OpenSQLiteStore opens or creates the database at path, creating parent
// directories as needed.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id          TEXT PRIMARY KEY,
			created_by  TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			offer_type  TEXT,
			offer_sdp   TEXT,
			answer_type TEXT,
			answer_sdp  TEXT,
			answered_by TEXT DEFAULT '',
			answered_at TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candidates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL,
			room_id    TEXT NOT NULL,
			collection TEXT NOT NULL,
			payload    TEXT NOT NULL,
			FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candidates table: %w", err)
	}

	return &SQLiteStore{db: db, poll: sqlitePollInterval}, nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, creatorID string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, created_by, created_at) VALUES (?, ?, ?)`,
		id, creatorID, nowUTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*RoomDoc, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT created_by, created_at, offer_type, offer_sdp,
		       answer_type, answer_sdp, answered_by, answered_at
		FROM rooms WHERE id = ?`, roomID)

	var (
		doc                    = RoomDoc{ID: roomID}
		createdAt              string
		offerType, offerSDP    sql.NullString
		answerType, answerSDP  sql.NullString
		answeredBy, answeredAt sql.NullString
	)
	err := row.Scan(&doc.CreatedBy, &createdAt, &offerType, &offerSDP,
		&answerType, &answerSDP, &answeredBy, &answeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}

	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if offerSDP.Valid && offerSDP.String != "" {
		doc.Offer = &SessionDescription{Type: offerType.String, SDP: offerSDP.String}
	}
	if answerSDP.Valid && answerSDP.String != "" {
		doc.Answer = &SessionDescription{Type: answerType.String, SDP: answerSDP.String}
	}
	doc.AnsweredBy = answeredBy.String
	if answeredAt.Valid && answeredAt.String != "" {
		doc.AnsweredAt, _ = time.Parse(time.RFC3339Nano, answeredAt.String)
	}
	return &doc, nil
}

func (s *SQLiteStore) UpdateRoom(ctx context.Context, roomID string, upd RoomUpdate) error {
	if upd.Offer != nil {
		res, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET offer_type = ?, offer_sdp = ? WHERE id = ?`,
			upd.Offer.Type, upd.Offer.SDP, roomID)
		if err != nil {
			return fmt.Errorf("update offer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRoomNotFound
		}
	}
	if upd.Answer != nil {
		res, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET answer_type = ?, answer_sdp = ? WHERE id = ?`,
			upd.Answer.Type, upd.Answer.SDP, roomID)
		if err != nil {
			return fmt.Errorf("update answer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRoomNotFound
		}
	}
	if upd.AnsweredBy != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET answered_by = ? WHERE id = ?`, upd.AnsweredBy, roomID); err != nil {
			return fmt.Errorf("update answered_by: %w", err)
		}
	}
	if !upd.AnsweredAt.IsZero() {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET answered_at = ? WHERE id = ?`,
			upd.AnsweredAt.Format(time.RFC3339Nano), roomID); err != nil {
			return fmt.Errorf("update answered_at: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) WatchRoom(ctx context.Context, roomID string, fn func(*RoomDoc)) (func(), error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		var last []byte
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			doc, err := s.GetRoom(watchCtx, roomID)
			if err == nil {
				// Deliver on first read and whenever the document changed.
				cur, _ := json.Marshal(doc)
				if last == nil || string(cur) != string(last) {
					last = cur
					fn(doc)
				}
			} else if !errors.Is(err, ErrRoomNotFound) && watchCtx.Err() == nil {
				log.Printf("STORE [%s]: room poll: %v", roomID, err)
			}
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel, nil
}

func (s *SQLiteStore) AppendCandidate(ctx context.Context, roomID, collection string, c ICECandidateInit) error {
	// The FK constraint would reject the insert anyway, but its raw error
	// hides the missing-room condition from errors.Is.
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, room_id, collection, payload) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), roomID, collection, string(payload))
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WatchCandidates(ctx context.Context, roomID, collection string, fn func(CandidateRecord)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		var lastSeq int64
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			rows, err := s.db.QueryContext(watchCtx, `
				SELECT seq, id, payload FROM candidates
				WHERE room_id = ? AND collection = ? AND seq > ?
				ORDER BY seq ASC`, roomID, collection, lastSeq)
			if err == nil {
				for rows.Next() {
					var (
						seq     int64
						id      string
						payload string
					)
					if err := rows.Scan(&seq, &id, &payload); err != nil {
						break
					}
					var cand ICECandidateInit
					if err := json.Unmarshal([]byte(payload), &cand); err != nil {
						log.Printf("STORE [%s]: decode candidate: %v", roomID, err)
						lastSeq = seq
						continue
					}
					lastSeq = seq
					fn(CandidateRecord{ID: id, Candidate: cand})
				}
				rows.Close()
			} else if watchCtx.Err() == nil {
				log.Printf("STORE [%s]: candidate poll: %v", roomID, err)
			}
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel, nil
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
