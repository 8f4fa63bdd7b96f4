package record

import "time"

// Record is one inspection record: lifecycle metadata plus the five owned
// sub-collections that technicians edit.
type Record struct {
	ID        string    `json:"id"`
	Status    Lifecycle `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	Collections
}

// Collections groups the editable sub-collections of a record. It is the
// shape of the edit buffer, the draft cache payload, and the commit payload.
type Collections struct {
	Notes         []Note                         `json:"notes"`
	CategoryNotes map[string][]Note              `json:"categoryNotes"`
	Findings      map[string][]StructuredFinding `json:"findings"`
	VoiceMemos    map[string][]VoiceMemo         `json:"voiceMemos"`
	Activity      []ActivityLogEntry             `json:"activity"`
}

// LocalFile is a staged attachment that has not reached the blob store yet.
// It exists only inside the edit buffer and the draft cache.
type LocalFile struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type Note struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	Author    string     `json:"author,omitempty"`
	Highlight string     `json:"highlight,omitempty"`
	LocalFile *LocalFile `json:"localFile,omitempty"`
	Status    ItemStatus `json:"status,omitempty"`
}

func (n Note) Key() string            { return n.ID }
func (n Note) ItemStatus() ItemStatus { return n.Status }

// Clean returns the committed form: transient fields zeroed.
func (n Note) Clean() Note {
	n.Status = ""
	n.LocalFile = nil
	return n
}

// StructuredFinding records the value chosen for one catalog entry. At most
// one live instance per FindingID exists within a category.
type StructuredFinding struct {
	FindingID string     `json:"findingId"`
	Value     string     `json:"value"`
	Status    ItemStatus `json:"status,omitempty"`
}

func (f StructuredFinding) Key() string            { return f.FindingID }
func (f StructuredFinding) ItemStatus() ItemStatus { return f.Status }

func (f StructuredFinding) Clean() StructuredFinding {
	f.Status = ""
	return f
}

type VoiceMemo struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	AudioURL    string     `json:"audioUrl,omitempty"`
	DurationSec int        `json:"durationSec,omitempty"`
	Author      string     `json:"author,omitempty"`
	LocalFile   *LocalFile `json:"localFile,omitempty"`
	Status      ItemStatus `json:"status,omitempty"`
}

func (m VoiceMemo) Key() string            { return m.ID }
func (m VoiceMemo) ItemStatus() ItemStatus { return m.Status }

func (m VoiceMemo) Clean() VoiceMemo {
	m.Status = ""
	m.LocalFile = nil
	return m
}

// ActivityLogEntry is append-only: entries are only ever prepended, never
// edited or reordered, and are globally unique by ID.
type ActivityLogEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	At        time.Time `json:"at"`
	Author    string    `json:"author,omitempty"`
	RelatedID string    `json:"relatedId,omitempty"`
}
