package record

// Clone returns a deep copy of the collections. The sync engine owns its
// buffer on a single goroutine; copies cross that boundary instead of
// references.
func (c Collections) Clone() Collections {
	return Collections{
		Notes:         cloneNotes(c.Notes),
		CategoryNotes: cloneNoteMap(c.CategoryNotes),
		Findings:      cloneFindingMap(c.Findings),
		VoiceMemos:    cloneMemoMap(c.VoiceMemos),
		Activity:      append([]ActivityLogEntry(nil), c.Activity...),
	}
}

func (f *LocalFile) clone() *LocalFile {
	if f == nil {
		return nil
	}
	dup := *f
	dup.Data = append([]byte(nil), f.Data...)
	return &dup
}

func cloneNotes(notes []Note) []Note {
	if notes == nil {
		return nil
	}
	out := make([]Note, len(notes))
	for i, n := range notes {
		n.LocalFile = n.LocalFile.clone()
		out[i] = n
	}
	return out
}

func cloneNoteMap(m map[string][]Note) map[string][]Note {
	if m == nil {
		return nil
	}
	out := make(map[string][]Note, len(m))
	for category, notes := range m {
		out[category] = cloneNotes(notes)
	}
	return out
}

func cloneFindingMap(m map[string][]StructuredFinding) map[string][]StructuredFinding {
	if m == nil {
		return nil
	}
	out := make(map[string][]StructuredFinding, len(m))
	for category, findings := range m {
		out[category] = append([]StructuredFinding(nil), findings...)
	}
	return out
}

func cloneMemoMap(m map[string][]VoiceMemo) map[string][]VoiceMemo {
	if m == nil {
		return nil
	}
	out := make(map[string][]VoiceMemo, len(m))
	for category, memos := range m {
		dup := make([]VoiceMemo, len(memos))
		for i, memo := range memos {
			memo.LocalFile = memo.LocalFile.clone()
			dup[i] = memo
		}
		out[category] = dup
	}
	return out
}
