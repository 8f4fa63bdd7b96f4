package session

import (
	"context"
	"errors"
	"fmt"

	"fieldbook/api/internal/merge"
	"fieldbook/api/internal/record"
	"fieldbook/api/internal/remote"
)

// commit runs exactly once per debounce fire or explicit save: resolve
// staged attachments, build the outbound payload from the remembered
// snapshot plus pending local items, send it, then fan the outcome out to
// the item statuses.
func (s *Session) commit(ctx context.Context) error {
	if err := s.resolveAttachments(ctx); err != nil {
		s.failPending()
		s.lastCommitErr = fmt.Errorf("resolve attachments for record %s: %w", s.recordID, err)
		s.persistDraft()
		return s.lastCommitErr
	}

	payload := merge.OutboundCollections(s.snapshot, s.buffer)
	clean := merge.CleanCollections(payload)
	patch := remote.Patch{
		Notes:         &clean.Notes,
		CategoryNotes: &clean.CategoryNotes,
		Findings:      &clean.Findings,
		VoiceMemos:    &clean.VoiceMemos,
		Activity:      &clean.Activity,
	}

	updated, err := s.remote.Update(ctx, s.recordID, patch)
	if err != nil {
		s.failPending()
		s.lastCommitErr = fmt.Errorf("commit record %s: %w", s.recordID, err)
		s.persistDraft()
		return s.lastCommitErr
	}

	s.snapshot = updated.Collections
	s.lifecycle = updated.Status
	s.confirmPending()
	s.degraded = false
	s.dirty = false
	s.lastCommitErr = nil
	s.persistDraft()
	return nil
}

// resolveAttachments uploads every staged local file and swaps the durable
// URL in. Any failure aborts the whole commit.
func (s *Session) resolveAttachments(ctx context.Context) error {
	resolveNote := func(n *record.Note) error {
		if n.LocalFile == nil {
			return nil
		}
		if s.blobs == nil {
			return errors.New("attachment staged but blob storage not configured")
		}
		url, err := s.blobs.Upload(ctx, n.LocalFile.Name, n.LocalFile.ContentType, n.LocalFile.Data)
		if err != nil {
			return fmt.Errorf("upload %s: %w", n.LocalFile.Name, err)
		}
		n.ImageURL = url
		n.LocalFile = nil
		return nil
	}
	for i := range s.buffer.Notes {
		if err := resolveNote(&s.buffer.Notes[i]); err != nil {
			return err
		}
	}
	for category := range s.buffer.CategoryNotes {
		notes := s.buffer.CategoryNotes[category]
		for i := range notes {
			if err := resolveNote(&notes[i]); err != nil {
				return err
			}
		}
	}
	for category := range s.buffer.VoiceMemos {
		memos := s.buffer.VoiceMemos[category]
		for i := range memos {
			memo := &memos[i]
			if memo.LocalFile == nil {
				continue
			}
			if s.blobs == nil {
				return errors.New("attachment staged but blob storage not configured")
			}
			url, err := s.blobs.Upload(ctx, memo.LocalFile.Name, memo.LocalFile.ContentType, memo.LocalFile.Data)
			if err != nil {
				return fmt.Errorf("upload %s: %w", memo.LocalFile.Name, err)
			}
			memo.AudioURL = url
			memo.LocalFile = nil
		}
	}
	return nil
}

// confirmPending marks every item that rode the payload as saved.
func (s *Session) confirmPending() {
	eachStatus(&s.buffer, func(st record.ItemStatus) record.ItemStatus {
		if st.Pending() {
			return record.StatusSaved
		}
		return st
	})
}

// failPending marks every saving item as errored; items already errored
// stay errored until retried.
func (s *Session) failPending() {
	eachStatus(&s.buffer, func(st record.ItemStatus) record.ItemStatus {
		if st == record.StatusSaving {
			return record.StatusError
		}
		return st
	})
}

// eachStatus applies f to every item status in the buffer and returns how
// many statuses changed.
func eachStatus(c *record.Collections, f func(record.ItemStatus) record.ItemStatus) int {
	return eachStatusKeyed(c, func(_ string, st record.ItemStatus) record.ItemStatus {
		return f(st)
	})
}

func eachStatusKeyed(c *record.Collections, f func(key string, st record.ItemStatus) record.ItemStatus) int {
	changed := 0
	apply := func(key string, st *record.ItemStatus) {
		if next := f(key, *st); next != *st {
			*st = next
			changed++
		}
	}
	for i := range c.Notes {
		apply(c.Notes[i].ID, &c.Notes[i].Status)
	}
	for _, notes := range c.CategoryNotes {
		for i := range notes {
			apply(notes[i].ID, &notes[i].Status)
		}
	}
	for _, findings := range c.Findings {
		for i := range findings {
			apply(findings[i].FindingID, &findings[i].Status)
		}
	}
	for _, memos := range c.VoiceMemos {
		for i := range memos {
			apply(memos[i].ID, &memos[i].Status)
		}
	}
	return changed
}

func countStatus(c record.Collections, status record.ItemStatus) int {
	count := 0
	eachStatus(&c, func(st record.ItemStatus) record.ItemStatus {
		if st == status {
			count++
		}
		return st
	})
	return count
}
