package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"fieldbook/api/internal/record"
	"fieldbook/api/internal/remote"
	"fieldbook/api/internal/session"
	"fieldbook/api/internal/util"
)

// recordStore is the slice of the authoritative store the service needs.
type recordStore interface {
	Fetch(ctx context.Context, id string) (record.Record, error)
	Create(ctx context.Context, rec record.Record) (record.Record, error)
	Update(ctx context.Context, id string, patch remote.Patch) (record.Record, error)
	SetStatus(ctx context.Context, id string, next record.Lifecycle) (record.Record, error)
	List(ctx context.Context) ([]record.Record, error)
	Ping(ctx context.Context) error
}

// Service owns the record catalog and one live editing session per mounted
// record. Sessions are opened lazily by the first mutation and torn down on
// explicit close or shutdown.
type Service struct {
	store    recordStore
	drafts   session.DraftStore
	blobs    session.BlobStore
	feed     session.Subscriber
	sessOpts session.Options

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func NewService(store recordStore, drafts session.DraftStore, blobs session.BlobStore, feed session.Subscriber, opts session.Options) *Service {
	return &Service{
		store:    store,
		drafts:   drafts,
		blobs:    blobs,
		feed:     feed,
		sessOpts: opts,
		sessions: map[string]*session.Session{},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListRecords(ctx context.Context) ([]record.Record, error) {
	return s.store.List(ctx)
}

func (s *Service) GetRecord(ctx context.Context, id string) (record.Record, error) {
	rec, err := s.store.Fetch(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return record.Record{}, notFound("Record not found")
	}
	return rec, err
}

type CreateRecordInput struct {
	ID     string `json:"id"`
	Author string `json:"author"`
}

func (s *Service) CreateRecord(ctx context.Context, input CreateRecordInput) (record.Record, error) {
	rec := record.Record{
		ID:     input.ID,
		Status: record.LifecycleNew,
	}
	if rec.ID == "" {
		rec.ID = util.NewID("rec")
	}
	rec.Activity = []record.ActivityLogEntry{{
		ID:     util.NewID("act"),
		Action: "record.created",
		Author: input.Author,
	}}
	return s.store.Create(ctx, rec)
}

// SetLifecycle advances the record's lifecycle. The transition is validated
// against the authoritative state, not the session buffer, so a stale client
// cannot move a record backwards.
func (s *Service) SetLifecycle(ctx context.Context, id string, next record.Lifecycle) (record.Record, error) {
	if !next.Valid() {
		return record.Record{}, validationError(fmt.Sprintf("unknown lifecycle status %q", next))
	}
	rec, err := s.store.SetStatus(ctx, id, next)
	if errors.Is(err, remote.ErrNotFound) {
		return record.Record{}, notFound("Record not found")
	}
	if errors.Is(err, remote.ErrLifecycleRegression) {
		return record.Record{}, conflict("LIFECYCLE_REGRESSION", "Record status can only move forward")
	}
	return rec, err
}

// OpenSession mounts a record for editing and returns the initial engine
// state. Opening an already-open record is a no-op returning current state.
func (s *Service) OpenSession(ctx context.Context, recordID string) (session.State, error) {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return session.State{}, err
	}
	return sess.State(ctx)
}

func (s *Service) SessionState(ctx context.Context, recordID string) (session.State, error) {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return session.State{}, err
	}
	return sess.State(ctx)
}

// CloseSession flushes the draft and tears the session down. Closing a
// record with no open session is a no-op.
func (s *Service) CloseSession(ctx context.Context, recordID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[recordID]
	delete(s.sessions, recordID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close(ctx)
}

// Shutdown closes every open session so all drafts land before exit.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessions = map[string]*session.Session{}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.Close(ctx)
	}
}

func (s *Service) ensureSession(ctx context.Context, recordID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[recordID]; ok {
		return sess, nil
	}
	sess, err := session.Open(ctx, recordID, session.Deps{
		Remote: s.store,
		Drafts: s.drafts,
		Blobs:  s.blobs,
		Feed:   s.feed,
	}, s.sessOpts)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, notFound("Record not found")
		}
		return nil, err
	}
	s.sessions[recordID] = sess
	return sess, nil
}

type AttachmentInput struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type NoteInput struct {
	ID        string           `json:"id"`
	Category  string           `json:"category"`
	Text      string           `json:"text"`
	Author    string           `json:"author"`
	Highlight string           `json:"highlight"`
	Image     *AttachmentInput `json:"image"`
}

// PutNote creates or edits a note through the record's session. A missing id
// means a new note; a staged image rides along and resolves at commit time.
func (s *Service) PutNote(ctx context.Context, recordID string, input NoteInput) (record.Note, error) {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return record.Note{}, err
	}
	created := input.ID == ""
	n := record.Note{
		ID:        input.ID,
		Text:      input.Text,
		Author:    input.Author,
		Highlight: input.Highlight,
	}
	if created {
		n.ID = util.NewID("note")
	}
	if input.Image != nil {
		n.LocalFile = &record.LocalFile{
			Name:        input.Image.Name,
			ContentType: input.Image.ContentType,
			Data:        input.Image.Data,
		}
	}
	if err := sess.PutNote(ctx, input.Category, n); err != nil {
		return record.Note{}, err
	}
	if created {
		s.logActivity(ctx, sess, "note.added", input.Author, n.ID)
	}
	n.Status = record.StatusSaving
	return n, nil
}

func (s *Service) DeleteNote(ctx context.Context, recordID, category, noteID, actor string) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if err := mapCommitError(sess.DeleteNote(ctx, category, noteID)); err != nil {
		return err
	}
	s.logActivity(ctx, sess, "note.deleted", actor, noteID)
	return nil
}

type FindingInput struct {
	FindingID string `json:"findingId"`
	Category  string `json:"category"`
	Value     string `json:"value"`
	Author    string `json:"author"`
}

// AddFinding stages a catalog finding with no value yet. Adding a findingId
// the category already holds is a no-op.
func (s *Service) AddFinding(ctx context.Context, recordID string, input FindingInput) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if input.FindingID == "" {
		return validationError("findingId is required")
	}
	if err := sess.AddFinding(ctx, input.Category, input.FindingID); err != nil {
		return err
	}
	s.logActivity(ctx, sess, "finding.added", input.Author, input.FindingID)
	return nil
}

func (s *Service) SetFinding(ctx context.Context, recordID string, input FindingInput) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if input.FindingID == "" {
		return validationError("findingId is required")
	}
	return sess.SetFinding(ctx, input.Category, record.StructuredFinding{
		FindingID: input.FindingID,
		Value:     input.Value,
	})
}

func (s *Service) RemoveFinding(ctx context.Context, recordID, category, findingID, actor string) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if err := mapCommitError(sess.RemoveFinding(ctx, category, findingID)); err != nil {
		return err
	}
	s.logActivity(ctx, sess, "finding.removed", actor, findingID)
	return nil
}

type VoiceMemoInput struct {
	ID          string           `json:"id"`
	Category    string           `json:"category"`
	Label       string           `json:"label"`
	DurationSec int              `json:"durationSec"`
	Author      string           `json:"author"`
	Audio       *AttachmentInput `json:"audio"`
}

func (s *Service) PutVoiceMemo(ctx context.Context, recordID string, input VoiceMemoInput) (record.VoiceMemo, error) {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return record.VoiceMemo{}, err
	}
	created := input.ID == ""
	m := record.VoiceMemo{
		ID:          input.ID,
		Label:       input.Label,
		DurationSec: input.DurationSec,
		Author:      input.Author,
	}
	if created {
		m.ID = util.NewID("memo")
	}
	if input.Audio != nil {
		m.LocalFile = &record.LocalFile{
			Name:        input.Audio.Name,
			ContentType: input.Audio.ContentType,
			Data:        input.Audio.Data,
		}
	}
	if err := sess.PutVoiceMemo(ctx, input.Category, m); err != nil {
		return record.VoiceMemo{}, err
	}
	if created {
		s.logActivity(ctx, sess, "memo.added", input.Author, m.ID)
	}
	m.Status = record.StatusSaving
	return m, nil
}

func (s *Service) DeleteVoiceMemo(ctx context.Context, recordID, category, memoID, actor string) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if err := mapCommitError(sess.DeleteVoiceMemo(ctx, category, memoID)); err != nil {
		return err
	}
	s.logActivity(ctx, sess, "memo.deleted", actor, memoID)
	return nil
}

type ActivityInput struct {
	Action    string `json:"action"`
	Details   string `json:"details"`
	Author    string `json:"author"`
	RelatedID string `json:"relatedId"`
}

func (s *Service) AppendActivity(ctx context.Context, recordID string, input ActivityInput) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if input.Action == "" {
		return validationError("action is required")
	}
	return sess.AppendActivity(ctx, record.ActivityLogEntry{
		ID:        util.NewID("act"),
		Action:    input.Action,
		Details:   input.Details,
		Author:    input.Author,
		RelatedID: input.RelatedID,
	})
}

// RetryFailed resubmits errored items. An empty key retries everything;
// otherwise only the named item.
func (s *Service) RetryFailed(ctx context.Context, recordID, key string) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	if key == "" {
		return mapCommitError(sess.RetryAll(ctx))
	}
	return mapCommitError(sess.Retry(ctx, key))
}

func (s *Service) SaveNow(ctx context.Context, recordID string) error {
	sess, err := s.ensureSession(ctx, recordID)
	if err != nil {
		return err
	}
	return mapCommitError(sess.SaveNow(ctx))
}

// mapCommitError turns a failed explicit commit into an upstream failure
// response. Session-state errors pass through untouched.
func mapCommitError(err error) error {
	if err == nil ||
		errors.Is(err, session.ErrRecordComplete) ||
		errors.Is(err, session.ErrClosed) ||
		errors.Is(err, session.ErrItemNotFound) {
		return err
	}
	return domainError(http.StatusBadGateway, "SAVE_FAILED", "Saving to the record store failed", err.Error())
}

// logActivity records a mutation in the activity feed. Feed entries are
// best-effort; a frozen or closing session just drops them.
func (s *Service) logActivity(ctx context.Context, sess *session.Session, action, author, relatedID string) {
	_ = sess.AppendActivity(ctx, record.ActivityLogEntry{
		ID:        util.NewID("act"),
		Action:    action,
		Author:    author,
		RelatedID: relatedID,
	})
}
