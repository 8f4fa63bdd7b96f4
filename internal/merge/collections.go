package merge

import "fieldbook/api/internal/record"

// OutboundCollections builds the commit view of every collection at once.
func OutboundCollections(snapshot, local record.Collections) record.Collections {
	activity, _ := Activity(snapshot.Activity, local.Activity)
	return record.Collections{
		Notes:         Outbound(snapshot.Notes, local.Notes),
		CategoryNotes: OutboundMap(snapshot.CategoryNotes, local.CategoryNotes),
		Findings:      OutboundMap(snapshot.Findings, local.Findings),
		VoiceMemos:    OutboundMap(snapshot.VoiceMemos, local.VoiceMemos),
		Activity:      activity,
	}
}

// InboundCollections absorbs a pushed snapshot into the buffer. When no
// collection changes, the original buffer comes back untouched so callers
// can compare by identity and skip redundant persistence.
func InboundCollections(push, local record.Collections) (record.Collections, bool) {
	notes, notesChanged := Inbound(push.Notes, local.Notes)
	categoryNotes, categoryChanged := InboundMap(push.CategoryNotes, local.CategoryNotes)
	findings, findingsChanged := InboundMap(push.Findings, local.Findings)
	voiceMemos, memosChanged := InboundMap(push.VoiceMemos, local.VoiceMemos)
	activity, activityChanged := Activity(push.Activity, local.Activity)

	if !notesChanged && !categoryChanged && !findingsChanged && !memosChanged && !activityChanged {
		return local, false
	}
	return record.Collections{
		Notes:         notes,
		CategoryNotes: categoryNotes,
		Findings:      findings,
		VoiceMemos:    voiceMemos,
		Activity:      activity,
	}, true
}

// CleanCollections strips every transient field, producing the wire form
// sent to the remote store.
func CleanCollections(c record.Collections) record.Collections {
	return record.Collections{
		Notes:         Clean(c.Notes),
		CategoryNotes: cleanMap(c.CategoryNotes),
		Findings:      cleanMap(c.Findings),
		VoiceMemos:    cleanMap(c.VoiceMemos),
		Activity:      c.Activity,
	}
}

func cleanMap[T Item[T]](m map[string][]T) map[string][]T {
	if m == nil {
		return nil
	}
	result := make(map[string][]T, len(m))
	for category, items := range m {
		result[category] = Clean(items)
	}
	return result
}
