package common

// Journal records undo closures so a ledger can roll back to a snapshot.
// Snapshots nest; entries are dropped once the outermost open snapshot is
// released. A Journal is not safe for concurrent use; callers guard it with
// the lock protecting the ledger it journals.
type Journal struct {
	entries []func()
	open    []int
}

// Append records undo for the mutation about to be applied. Mutations made
// while no snapshot is open are not journaled.
func (j *Journal) Append(undo func()) {
	if len(j.open) == 0 || undo == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot opens a snapshot and returns its identifier.
func (j *Journal) Snapshot() int {
	id := len(j.entries)
	j.open = append(j.open, id)
	return id
}

// Revert undoes every mutation recorded since snapshot id, newest first, and
// closes that snapshot together with any opened after it.
func (j *Journal) Revert(id int) {
	if id < 0 || id > len(j.entries) {
		return
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:id]
	j.close(id)
}

// Release closes snapshot id keeping its mutations.
func (j *Journal) Release(id int) {
	j.close(id)
}

func (j *Journal) close(id int) {
	for len(j.open) > 0 && j.open[len(j.open)-1] > id {
		j.open = j.open[:len(j.open)-1]
	}
	if n := len(j.open); n > 0 && j.open[n-1] == id {
		j.open = j.open[:n-1]
	}
	if len(j.open) == 0 {
		j.entries = nil
	}
}

// Depth reports the number of open snapshots.
func (j *Journal) Depth() int { return len(j.open) }
