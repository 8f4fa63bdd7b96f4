// Package remote is the authoritative store for inspection records: a
// Postgres row per record with JSONB collections, plus a Redis change feed
// that fans every successful write out to subscribed sessions.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fieldbook/api/internal/record"
)

var ErrNotFound = errors.New("record not found")

// Publisher receives every record state that reaches the store. Implemented
// by Feed; nil disables fan-out.
type Publisher interface {
	Publish(ctx context.Context, rec record.Record) error
}

type Store struct {
	db   *sql.DB
	feed Publisher
}

func NewStore(db *sql.DB, feed Publisher) *Store {
	return &Store{db: db, feed: feed}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `id, status, notes, category_notes, findings, voice_memos, activity, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (record.Record, error) {
	var rec record.Record
	var notes, categoryNotes, findings, voiceMemos, activity []byte
	err := row.Scan(&rec.ID, &rec.Status, &notes, &categoryNotes, &findings, &voiceMemos, &activity, &rec.UpdatedAt)
	if err != nil {
		return record.Record{}, err
	}
	for _, col := range []struct {
		raw    []byte
		target any
	}{
		{notes, &rec.Notes},
		{categoryNotes, &rec.CategoryNotes},
		{findings, &rec.Findings},
		{voiceMemos, &rec.VoiceMemos},
		{activity, &rec.Activity},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.target); err != nil {
			return record.Record{}, fmt.Errorf("decode record column: %w", err)
		}
	}
	return rec, nil
}

func (s *Store) Fetch(ctx context.Context, id string) (record.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("fetch record: %w", err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	if rec.Status == "" {
		rec.Status = record.LifecycleNew
	}
	notes, err := marshalOr(rec.Notes, `[]`)
	if err != nil {
		return record.Record{}, err
	}
	categoryNotes, err := marshalOr(rec.CategoryNotes, `{}`)
	if err != nil {
		return record.Record{}, err
	}
	findings, err := marshalOr(rec.Findings, `{}`)
	if err != nil {
		return record.Record{}, err
	}
	voiceMemos, err := marshalOr(rec.VoiceMemos, `{}`)
	if err != nil {
		return record.Record{}, err
	}
	activity, err := marshalOr(rec.Activity, `[]`)
	if err != nil {
		return record.Record{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO records (id, status, notes, category_notes, findings, voice_memos, activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+recordColumns, rec.ID, rec.Status, notes, categoryNotes, findings, voiceMemos, activity)
	created, err := scanRecord(row)
	if err != nil {
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}
	s.publish(ctx, created)
	return created, nil
}

// Patch carries the fields of a partial update. Nil fields are left
// untouched server-side.
type Patch struct {
	Notes         *[]record.Note
	CategoryNotes *map[string][]record.Note
	Findings      *map[string][]record.StructuredFinding
	VoiceMemos    *map[string][]record.VoiceMemo
	Activity      *[]record.ActivityLogEntry
}

// Update applies a partial update: only the supplied columns change,
// updated_at is bumped, and the fresh record goes out on the change feed.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (record.Record, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	add := func(column string, value any) error {
		body, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", column, err)
		}
		args = append(args, body)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
		return nil
	}
	if patch.Notes != nil {
		if err := add("notes", *patch.Notes); err != nil {
			return record.Record{}, err
		}
	}
	if patch.CategoryNotes != nil {
		if err := add("category_notes", *patch.CategoryNotes); err != nil {
			return record.Record{}, err
		}
	}
	if patch.Findings != nil {
		if err := add("findings", *patch.Findings); err != nil {
			return record.Record{}, err
		}
	}
	if patch.VoiceMemos != nil {
		if err := add("voice_memos", *patch.VoiceMemos); err != nil {
			return record.Record{}, err
		}
	}
	if patch.Activity != nil {
		if err := add("activity", *patch.Activity); err != nil {
			return record.Record{}, err
		}
	}

	query := `UPDATE records SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	updated, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("update record: %w", err)
	}
	s.publish(ctx, updated)
	return updated, nil
}

var ErrLifecycleRegression = errors.New("record lifecycle cannot move backwards")

// SetStatus advances the record lifecycle. Transitions are monotonic.
func (s *Store) SetStatus(ctx context.Context, id string, next record.Lifecycle) (record.Record, error) {
	if !next.Valid() {
		return record.Record{}, fmt.Errorf("invalid lifecycle status %q", next)
	}
	current, err := s.Fetch(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if !current.Status.CanAdvanceTo(next) {
		return record.Record{}, ErrLifecycleRegression
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE records SET status=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+recordColumns, id, next)
	updated, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("set record status: %w", err)
	}
	s.publish(ctx, updated)
	return updated, nil
}

func (s *Store) List(ctx context.Context) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) publish(ctx context.Context, rec record.Record) {
	if s.feed == nil {
		return
	}
	// Fan-out is best effort: a subscriber that misses a push reconverges
	// on its next fetch.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.feed.Publish(publishCtx, rec); err != nil {
		log.Printf("WARNING: publish record %s update: %v", rec.ID, err)
	}
}

func marshalOr(value any, fallback string) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode record column: %w", err)
	}
	if string(body) == "null" {
		return []byte(fallback), nil
	}
	return body, nil
}
