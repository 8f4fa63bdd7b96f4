package session

import (
	"context"
	"errors"
	"log"
	"time"

	"fieldbook/api/internal/merge"
	"fieldbook/api/internal/record"
)

// PutNote creates or edits a note. An empty category targets the general
// notes; anything else targets that category's list. The note enters the
// buffer as saving and rides the next commit.
func (s *Session) PutNote(ctx context.Context, category string, n record.Note) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		if n.ID == "" {
			return errors.New("note id required")
		}
		n.Status = record.StatusSaving
		if category == "" {
			s.buffer.Notes = upsertItem(s.buffer.Notes, n)
		} else {
			if s.buffer.CategoryNotes == nil {
				s.buffer.CategoryNotes = map[string][]record.Note{}
			}
			s.buffer.CategoryNotes[category] = upsertItem(s.buffer.CategoryNotes[category], n)
		}
		s.touch()
		return nil
	})
}

// DeleteNote removes a note optimistically: it leaves the buffer at once
// and the deletion commits immediately, without a staged pending-delete
// state. There is no rollback path if the commit fails.
func (s *Session) DeleteNote(ctx context.Context, category, id string) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		var removed record.Note
		var ok bool
		if category == "" {
			s.buffer.Notes, removed, ok = removeItem(s.buffer.Notes, id)
			if ok {
				s.snapshot.Notes, _, _ = removeItem(s.snapshot.Notes, id)
			}
		} else {
			removed, ok = removeFromMap(s.buffer.CategoryNotes, category, id)
			if ok {
				removeFromMap(s.snapshot.CategoryNotes, category, id)
			}
		}
		if !ok {
			return ErrItemNotFound
		}
		s.deleteBlob(removed.ImageURL)
		return s.commitDeletion(ctx)
	})
}

// AddFinding stages a catalog finding if, and only if, the category does
// not already hold that findingId: adding a duplicate is a no-op and never
// touches the existing entry's value.
func (s *Session) AddFinding(ctx context.Context, category, findingID string) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		for _, existing := range s.buffer.Findings[category] {
			if existing.FindingID == findingID {
				return nil
			}
		}
		if s.buffer.Findings == nil {
			s.buffer.Findings = map[string][]record.StructuredFinding{}
		}
		s.buffer.Findings[category] = append(s.buffer.Findings[category], record.StructuredFinding{
			FindingID: findingID,
			Status:    record.StatusSaving,
		})
		s.touch()
		return nil
	})
}

// SetFinding sets the value for a catalog finding, creating it if needed.
func (s *Session) SetFinding(ctx context.Context, category string, f record.StructuredFinding) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		if f.FindingID == "" {
			return errors.New("finding id required")
		}
		f.Status = record.StatusSaving
		if s.buffer.Findings == nil {
			s.buffer.Findings = map[string][]record.StructuredFinding{}
		}
		s.buffer.Findings[category] = upsertItem(s.buffer.Findings[category], f)
		s.touch()
		return nil
	})
}

// RemoveFinding deletes a finding optimistically, like DeleteNote.
func (s *Session) RemoveFinding(ctx context.Context, category, findingID string) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		if _, ok := removeFromMap(s.buffer.Findings, category, findingID); !ok {
			return ErrItemNotFound
		}
		removeFromMap(s.snapshot.Findings, category, findingID)
		return s.commitDeletion(ctx)
	})
}

// PutVoiceMemo creates or edits a voice memo in a category.
func (s *Session) PutVoiceMemo(ctx context.Context, category string, m record.VoiceMemo) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		if m.ID == "" {
			return errors.New("voice memo id required")
		}
		m.Status = record.StatusSaving
		if s.buffer.VoiceMemos == nil {
			s.buffer.VoiceMemos = map[string][]record.VoiceMemo{}
		}
		s.buffer.VoiceMemos[category] = upsertItem(s.buffer.VoiceMemos[category], m)
		s.touch()
		return nil
	})
}

// DeleteVoiceMemo deletes a memo optimistically, like DeleteNote.
func (s *Session) DeleteVoiceMemo(ctx context.Context, category, id string) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		removed, ok := removeFromMap(s.buffer.VoiceMemos, category, id)
		if !ok {
			return ErrItemNotFound
		}
		removeFromMap(s.snapshot.VoiceMemos, category, id)
		s.deleteBlob(removed.AudioURL)
		return s.commitDeletion(ctx)
	})
}

// AppendActivity prepends an entry to the activity log. The log is
// append-only; entries carry no status and ride the next commit.
func (s *Session) AppendActivity(ctx context.Context, entry record.ActivityLogEntry) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		if entry.ID == "" {
			return errors.New("activity entry id required")
		}
		if entry.At.IsZero() {
			entry.At = s.now()
		}
		s.buffer.Activity = append([]record.ActivityLogEntry{entry}, s.buffer.Activity...)
		s.touch()
		return nil
	})
}

// RetryAll resets every errored item to saving and commits immediately.
func (s *Session) RetryAll(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		flipped := eachStatus(&s.buffer, func(st record.ItemStatus) record.ItemStatus {
			if st == record.StatusError {
				return record.StatusSaving
			}
			return st
		})
		if flipped == 0 {
			return nil
		}
		s.stopSaveTimer()
		return s.commit(ctx)
	})
}

// Retry resets one errored item (by identity key) to saving and commits.
func (s *Session) Retry(ctx context.Context, key string) error {
	return s.do(ctx, func() error {
		if err := s.mutable(); err != nil {
			return err
		}
		found := false
		eachStatusKeyed(&s.buffer, func(itemKey string, st record.ItemStatus) record.ItemStatus {
			if itemKey == key && st == record.StatusError {
				found = true
				return record.StatusSaving
			}
			return st
		})
		if !found {
			return ErrItemNotFound
		}
		s.stopSaveTimer()
		return s.commit(ctx)
	})
}

func (s *Session) mutable() error {
	if s.lifecycle.Frozen() {
		return ErrRecordComplete
	}
	return nil
}

// commitDeletion stamps the interaction clock and commits right away,
// clearing any pending debounce so no duplicate commit races this one.
func (s *Session) commitDeletion(ctx context.Context) error {
	s.lastInteraction = s.now()
	s.dirty = true
	s.stopSaveTimer()
	return s.commit(ctx)
}

func (s *Session) deleteBlob(url string) {
	if url == "" || s.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, url); err != nil {
		log.Printf("WARNING: delete attachment %s: %v", url, err)
	}
}

func upsertItem[T merge.Item[T]](items []T, item T) []T {
	for i := range items {
		if items[i].Key() == item.Key() {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func removeItem[T merge.Item[T]](items []T, key string) ([]T, T, bool) {
	for i := range items {
		if items[i].Key() == key {
			removed := items[i]
			return append(items[:i:i], items[i+1:]...), removed, true
		}
	}
	var zero T
	return items, zero, false
}

func removeFromMap[T merge.Item[T]](m map[string][]T, category, key string) (T, bool) {
	var zero T
	items, ok := m[category]
	if !ok {
		return zero, false
	}
	trimmed, removed, ok := removeItem(items, key)
	if !ok {
		return zero, false
	}
	if len(trimmed) == 0 {
		delete(m, category)
	} else {
		m[category] = trimmed
	}
	return removed, true
}
