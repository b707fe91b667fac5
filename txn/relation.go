package txn

// Relation is how a version written by a lineage relates to a reading transaction.
//
// Let L be the lowest common ancestor of writer and reader, A the member of the writer's
// lineage directly below L (the writer's root when there is no common ancestor) and B the
// member of the reader's chain directly below L (the reader's root likewise). The writes of
// W..A reach the reader once A commits, and the reader's snapshot at that level is B's begin.
type Relation struct {
	Visible bool
	// RolledBack: some member of W..A rolled back, the version is garbage.
	RolledBack bool
	// Pending: some member of W..A is still active.
	Pending bool
	// Related: the writer is the reader, an ancestor or a descendant.
	Related bool
}

// Relate decides visibility of writer's versions to reader under level.
func Relate(reader *Txn, level IsolationLevel, writer Lineage) Relation {
	w := writer.Writer()
	if reader.InChain(w.ID) {
		return Relation{Visible: w.State != RolledBack, RolledBack: w.State == RolledBack, Related: true}
	}

	// below is the prefix W..A, readerIdx the position of L in the reader's chain.
	below, readerIdx := writer, -1
	for i, r := range writer {
		if j := reader.chainIndex(r.ID); j >= 0 {
			below, readerIdx = writer[:i], j
			break
		}
	}

	var rel Relation
	for _, r := range below {
		switch r.State {
		case RolledBack:
			rel.RolledBack = true
		case Active:
			rel.Pending = true
		}
	}
	if rel.RolledBack {
		return rel
	}
	if readerIdx == 0 {
		rel.Related = true
	}
	if rel.Pending {
		rel.Visible = level == ReadUncommitted
		return rel
	}
	if rel.Related || level != SnapshotIsolation {
		rel.Visible = true
		return rel
	}

	a := below[len(below)-1]
	b := reader.Root()
	if readerIdx > 0 {
		b = reader.Chain[readerIdx-1]
	}
	rel.Visible = a.CommitTS != 0 && a.CommitTS <= b
	return rel
}

// RelateResolved decides visibility of a version whose writer's tree committed at commitTS.
// Such a tree has no active members, so it is unrelated to any active reader.
func RelateResolved(reader *Txn, level IsolationLevel, writer Timestamp, commitTS Timestamp) Relation {
	if reader.InChain(writer) {
		return Relation{Visible: true, Related: true}
	}
	return Relation{Visible: level != SnapshotIsolation || commitTS <= reader.Snapshot()}
}

// Conflicts reports a write-write conflict: the writer is unrelated to the reader, not
// rolled back, and its write is not part of the reader's snapshot.
func (r Relation) Conflicts() bool {
	return !r.Related && !r.RolledBack && !r.Visible
}
