// Package merge holds the pure reconciliation logic that combines an
// authoritative remote snapshot with locally-held pending state. It is the
// only place that decides which side of a race wins, and it performs no I/O
// so every rule is unit-testable in isolation.
//
// The rule, per collection and keyed by each item's identity key: an item
// whose status is saving or error is local authority and shadows whatever
// the snapshot holds for that key; everything else is taken from the
// snapshot. Conflicts between two sessions resolve at whole-item
// granularity, last successful commit wins.
package merge

import (
	"reflect"

	"fieldbook/api/internal/record"
)

// Item is implemented by every mutable sub-entity of a record.
type Item[T any] interface {
	Key() string
	ItemStatus() record.ItemStatus
	Clean() T
}

// Outbound builds the commit view of one collection: start from the remote
// snapshot, upsert every pending local item by key. Clean local items are
// dropped in favor of the snapshot, which already holds their committed
// form. Statuses are retained on the result so the committer knows which
// items rode along; strip with Clean before sending.
func Outbound[T Item[T]](snapshot, local []T) []T {
	result := make([]T, len(snapshot))
	copy(result, snapshot)
	index := make(map[string]int, len(result))
	for i, item := range result {
		index[item.Key()] = i
	}
	for _, item := range local {
		if !item.ItemStatus().Pending() {
			continue
		}
		if i, ok := index[item.Key()]; ok {
			result[i] = item
		} else {
			index[item.Key()] = len(result)
			result = append(result, item)
		}
	}
	return result
}

// Inbound absorbs a pushed snapshot into the current buffer: start from the
// push, force every pending local item back in by key. The second return
// reports whether the result differs from the buffer; when it does not, the
// caller keeps the existing slice and avoids redundant downstream
// recomputation. Pending items come back verbatim, so a difference can only
// mean real pushed content or a saved item collapsing to its confirmed
// clean form.
func Inbound[T Item[T]](push, local []T) ([]T, bool) {
	result := Outbound(push, local)
	if equalStrict(result, local) {
		return local, false
	}
	return result, true
}

// Equal compares two collections ignoring transient fields. Nil and empty
// are the same collection.
func Equal[T Item[T]](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i].Clean(), b[i].Clean()) {
			return false
		}
	}
	return true
}

// equalStrict compares item by item including transient fields, tolerating
// nil vs empty.
func equalStrict[T Item[T]](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Clean strips transient fields from every item, producing the wire form.
func Clean[T Item[T]](items []T) []T {
	if items == nil {
		return nil
	}
	result := make([]T, len(items))
	for i, item := range items {
		result[i] = item.Clean()
	}
	return result
}

// OutboundMap applies Outbound per category across the union of category
// keys. Categories that merge to nothing are omitted.
func OutboundMap[T Item[T]](snapshot, local map[string][]T) map[string][]T {
	result := make(map[string][]T, len(snapshot))
	for category, items := range snapshot {
		if merged := Outbound(items, local[category]); len(merged) > 0 {
			result[category] = merged
		}
	}
	for category, items := range local {
		if _, seen := snapshot[category]; seen {
			continue
		}
		if merged := Outbound(nil, items); len(merged) > 0 {
			result[category] = merged
		}
	}
	return result
}

// InboundMap applies Inbound per category; the flag reports whether any
// category changed relative to local.
func InboundMap[T Item[T]](push, local map[string][]T) (map[string][]T, bool) {
	result := OutboundMap(push, local)
	if equalMap(result, local) {
		return local, false
	}
	return result, true
}

func equalMap[T Item[T]](a, b map[string][]T) bool {
	for category, items := range a {
		if !equalStrict(items, b[category]) {
			return false
		}
	}
	for category, items := range b {
		if len(items) == 0 {
			continue
		}
		if _, ok := a[category]; !ok {
			return false
		}
	}
	return true
}

// Activity merges the append-only activity log. The authoritative side's
// order is preserved verbatim; local entries the authoritative side has not
// seen yet are prepended in their local order (they are newer). Entries are
// globally unique by ID and never reordered once merged.
func Activity(authoritative, local []record.ActivityLogEntry) ([]record.ActivityLogEntry, bool) {
	seen := make(map[string]struct{}, len(authoritative))
	for _, entry := range authoritative {
		seen[entry.ID] = struct{}{}
	}
	var unseen []record.ActivityLogEntry
	for _, entry := range local {
		if _, ok := seen[entry.ID]; !ok {
			unseen = append(unseen, entry)
		}
	}
	result := make([]record.ActivityLogEntry, 0, len(unseen)+len(authoritative))
	result = append(result, unseen...)
	result = append(result, authoritative...)
	if equalActivity(result, local) {
		return local, false
	}
	return result, true
}

func equalActivity(a, b []record.ActivityLogEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
