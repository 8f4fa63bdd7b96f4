// Package session runs the synchronization engine for one mounted record.
//
// A session owns the edit buffer on a single goroutine and everything else
// talks to it by message passing: mutation commands, the debounce timer,
// and pushed remote snapshots all arrive through channels, so mutations
// apply in arrival order and no two commits are ever in flight at once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"fieldbook/api/internal/draft"
	"fieldbook/api/internal/merge"
	"fieldbook/api/internal/record"
	"fieldbook/api/internal/remote"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrRecordComplete = errors.New("record is complete and read-only")
	ErrItemNotFound   = errors.New("item not found")
)

const commitTimeout = 30 * time.Second

// RemoteStore is the authoritative store surface the session needs.
type RemoteStore interface {
	Fetch(ctx context.Context, id string) (record.Record, error)
	Update(ctx context.Context, id string, patch remote.Patch) (record.Record, error)
}

// Subscriber delivers pushed record states for one record id.
type Subscriber interface {
	Subscribe(ctx context.Context, recordID string, fn func(record.Record)) (func(), error)
}

// BlobStore resolves staged attachments into durable URLs.
type BlobStore interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

// DraftStore persists the edit buffer between reloads.
type DraftStore interface {
	Get(ctx context.Context, recordID string) (string, error)
	Set(ctx context.Context, recordID, body string) error
}

type Deps struct {
	Remote RemoteStore
	Drafts DraftStore
	Blobs  BlobStore  // optional; staged attachments fail the commit when nil
	Feed   Subscriber // optional; nil disables push absorption
}

type Options struct {
	// Debounce is how long after the last mutation a commit fires.
	Debounce time.Duration
	// Cooldown is the window after a local mutation during which inbound
	// pushes are dropped to avoid visible churn.
	Cooldown time.Duration
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// State is a read-only view of the session for callers.
type State struct {
	RecordID    string
	Status      record.Lifecycle
	Buffer      record.Collections
	Degraded    bool
	Dirty       bool
	ErrorCount  int
	CommitError string
}

type command struct {
	fn    func() error
	reply chan error
}

// draftPayload is the serialized draft: the buffer with statuses retained,
// plus the last known lifecycle so degraded mode can restore it.
type draftPayload struct {
	Status record.Lifecycle   `json:"status"`
	record.Collections
}

type Session struct {
	recordID string
	remote   RemoteStore
	drafts   DraftStore
	blobs    BlobStore

	debounce time.Duration
	cooldown time.Duration
	now      func() time.Time

	cmds   chan command
	pushes chan record.Record
	done   chan struct{}

	// Everything below is owned by the loop goroutine (or by Open before
	// the loop starts).
	buffer          record.Collections
	snapshot        record.Collections
	lifecycle       record.Lifecycle
	lastInteraction time.Time
	saveTimer       *time.Timer
	unsubscribe     func()
	degraded        bool
	dirty           bool
	lastCommitErr   error
	stopped         bool
}

// Open mounts one record: fetches the remote snapshot, overlays the local
// draft by the pending-item shadowing rule, subscribes to the change feed,
// and starts the engine loop.
func Open(ctx context.Context, recordID string, deps Deps, opts Options) (*Session, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 1500 * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 2000 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		recordID: recordID,
		remote:   deps.Remote,
		drafts:   deps.Drafts,
		blobs:    deps.Blobs,
		debounce: opts.Debounce,
		cooldown: opts.Cooldown,
		now:      opts.Now,
		cmds:     make(chan command),
		pushes:   make(chan record.Record, 16),
		done:     make(chan struct{}),
	}

	stored, haveDraft := s.loadDraft(ctx)

	remoteRec, fetchErr := deps.Remote.Fetch(ctx, recordID)
	switch {
	case fetchErr == nil:
		s.lifecycle = remoteRec.Status
		s.snapshot = remoteRec.Collections
		if haveDraft {
			// Same shadowing rule as the outbound merge: draft items with
			// a pending status override or extend the snapshot.
			s.buffer = merge.OutboundCollections(s.snapshot, stored.Collections)
		} else {
			s.buffer = s.snapshot.Clone()
		}
	case haveDraft:
		// Degraded offline mode: the draft is the buffer, verbatim. The
		// remembered snapshot is seeded with the draft's clean form so a
		// later commit still carries every previously committed item
		// instead of replacing the remote collections with pending items
		// only.
		log.Printf("WARNING: record %s unreachable, editing local draft only: %v", recordID, fetchErr)
		s.degraded = true
		s.lifecycle = stored.Status
		s.buffer = stored.Collections
		s.snapshot = merge.CleanCollections(stored.Collections.Clone())
	default:
		return nil, fmt.Errorf("fetch record %s: %w", recordID, fetchErr)
	}

	if countStatus(s.buffer, record.StatusSaving) > 0 {
		// Edits interrupted mid-debounce by a reload; pick the commit back up.
		s.dirty = true
		s.scheduleSave()
	}

	if deps.Feed != nil {
		unsubscribe, err := deps.Feed.Subscribe(ctx, recordID, s.forwardPush)
		if err != nil {
			// Editing continues without pushes; the next fetch reconverges.
			log.Printf("WARNING: record %s change feed unavailable: %v", recordID, err)
		} else {
			s.unsubscribe = unsubscribe
		}
	}

	go s.loop()
	return s, nil
}

func (s *Session) loadDraft(ctx context.Context) (draftPayload, bool) {
	body, err := s.drafts.Get(ctx, s.recordID)
	if errors.Is(err, draft.ErrNotFound) {
		return draftPayload{}, false
	}
	if err != nil {
		log.Printf("WARNING: read draft for record %s: %v", s.recordID, err)
		return draftPayload{}, false
	}
	var stored draftPayload
	if err := json.Unmarshal([]byte(body), &stored); err != nil {
		// A corrupt draft never blocks initialization.
		log.Printf("WARNING: discarding unreadable draft for record %s: %v", s.recordID, err)
		return draftPayload{}, false
	}
	return stored, true
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		var timerC <-chan time.Time
		if s.saveTimer != nil {
			timerC = s.saveTimer.C
		}
		select {
		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn()
			if s.stopped {
				return
			}
		case rec := <-s.pushes:
			s.absorbPush(rec)
		case <-timerC:
			s.saveTimer = nil
			ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
			if err := s.commit(ctx); err != nil {
				log.Printf("WARNING: debounced commit for record %s failed: %v", s.recordID, err)
			}
			cancel()
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) forwardPush(rec record.Record) {
	select {
	case s.pushes <- rec:
	case <-s.done:
	}
}

// absorbPush feeds one pushed record state through the cooldown gate and
// the inbound merge.
func (s *Session) absorbPush(rec record.Record) {
	// The remembered snapshot always advances so the next outbound merge
	// starts from the freshest server state.
	s.snapshot = rec.Collections
	s.lifecycle = rec.Status

	if s.now().Sub(s.lastInteraction) < s.cooldown {
		// Near-simultaneous self-echo; per-item shadowing already protects
		// correctness, this only suppresses visible flicker.
		return
	}

	merged, changed := merge.InboundCollections(rec.Collections, s.buffer)
	if !changed {
		return
	}
	s.buffer = merged
	s.persistDraft()
}

// State returns a copy of the current engine state.
func (s *Session) State(ctx context.Context) (State, error) {
	var state State
	err := s.do(ctx, func() error {
		state = State{
			RecordID:   s.recordID,
			Status:     s.lifecycle,
			Buffer:     s.buffer.Clone(),
			Degraded:   s.degraded,
			Dirty:      s.dirty,
			ErrorCount: countStatus(s.buffer, record.StatusError),
		}
		if s.lastCommitErr != nil {
			state.CommitError = s.lastCommitErr.Error()
		}
		return nil
	})
	return state, err
}

// SaveNow clears any pending debounce timer and commits immediately.
func (s *Session) SaveNow(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.stopSaveTimer()
		return s.commit(ctx)
	})
}

// Close tears the session down. In-flight async work from this session can
// no longer touch the buffer once Close returns.
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, func() error {
		s.stopSaveTimer()
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.persistDraft()
		s.stopped = true
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed when the engine loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) scheduleSave() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.NewTimer(s.debounce)
}

func (s *Session) stopSaveTimer() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

// touch records a local mutation: interaction clock, draft persistence,
// debounce re-arm.
func (s *Session) touch() {
	s.lastInteraction = s.now()
	s.dirty = true
	s.persistDraft()
	s.scheduleSave()
}

func (s *Session) persistDraft() {
	payload := draftPayload{Status: s.lifecycle, Collections: s.buffer}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("WARNING: encode draft for record %s: %v", s.recordID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.drafts.Set(ctx, s.recordID, string(body)); err != nil {
		log.Printf("WARNING: persist draft for record %s: %v", s.recordID, err)
	}
}
