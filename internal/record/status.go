package record

// ItemStatus is the transient commit-lifecycle tag carried by every mutable
// sub-item. The empty string means clean: the item matches the remote store.
// It is stripped before anything is sent to or compared against the remote.
type ItemStatus string

const (
	StatusSaving ItemStatus = "saving"
	StatusSaved  ItemStatus = "saved"
	StatusError  ItemStatus = "error"
)

// Pending reports whether the item represents local authority: it carries an
// edit the remote store has not confirmed, and must survive any merge.
func (s ItemStatus) Pending() bool {
	return s == StatusSaving || s == StatusError
}

// Lifecycle is the record-level status. Transitions are monotonic
// (new -> in_progress -> complete) and complete freezes all mutation.
type Lifecycle string

const (
	LifecycleNew        Lifecycle = "new"
	LifecycleInProgress Lifecycle = "in_progress"
	LifecycleComplete   Lifecycle = "complete"
)

var lifecycleRank = map[Lifecycle]int{
	LifecycleNew:        0,
	LifecycleInProgress: 1,
	LifecycleComplete:   2,
}

func (l Lifecycle) Valid() bool {
	_, ok := lifecycleRank[l]
	return ok
}

// CanAdvanceTo reports whether the transition l -> next is allowed.
// Staying on the same status is allowed; moving backwards is not.
func (l Lifecycle) CanAdvanceTo(next Lifecycle) bool {
	from, ok := lifecycleRank[l]
	if !ok {
		return false
	}
	to, ok := lifecycleRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// Frozen reports whether the record accepts no further mutation.
func (l Lifecycle) Frozen() bool {
	return l == LifecycleComplete
}
