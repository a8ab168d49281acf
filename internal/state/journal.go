package state

// Journal is an ordered log of undo operations. Reverting to a snapshot
// replays the undos recorded after it in reverse order.
type Journal struct {
	entries []func()
}

// Append records an undo operation.
func (j *Journal) Append(undo func()) {
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier for the current journal position.
func (j *Journal) Snapshot() int {
	return len(j.entries)
}

// RevertToSnapshot undoes every change recorded after the snapshot id.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 || id > len(j.entries) {
		return
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:id]
}

// Reset drops all recorded undos, making the current state permanent.
func (j *Journal) Reset() {
	j.entries = j.entries[:0]
}

// Len returns the number of recorded undos.
func (j *Journal) Len() int {
	return len(j.entries)
}
