package kvmem

import (
	"arx/pkg/kv"
)

type tableKey struct {
	table string
	key   string
}

type write struct {
	value   []byte
	deleted bool
}

// Tx is an optimistic transaction: reads are tracked against the snapshot
// version taken at creation, writes are buffered, and Commit fails with
// CommitConflict if any read key moved underneath it.
type Tx struct {
	store         *Store
	readVersion   kv.Version
	commitVersion kv.Version
	commitTerm    kv.Term
	endVersion    kv.Version
	reads         map[tableKey]struct{}
	writes        map[tableKey]write
	reqID         kv.RequestID
	committed     bool
}

func (tx *Tx) GetView(table string) kv.View {
	return &view{tx: tx, table: table}
}

func (tx *Tx) Commit() (kv.CommitResult, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.readVersion < s.compactedTo {
		// Not a conflict in the optimistic sense: the snapshot is gone.
		// Surface through reads; a commit racing here is still safe to
		// conflict out.
		return kv.CommitConflict, nil
	}
	for rk := range tx.reads {
		if s.latestVersionLocked(rk.table, rk.key) > tx.readVersion {
			return kv.CommitConflict, nil
		}
	}
	if len(tx.writes) == 0 {
		tx.committed = true
		tx.endVersion = tx.readVersion
		return kv.CommitOK, nil
	}
	next := s.version + 1
	for wk, w := range tx.writes {
		t := s.tableLocked(wk.table)
		t.revs[wk.key] = append(t.revs[wk.key], revision{
			version: next,
			value:   w.value,
			deleted: w.deleted,
		})
	}
	s.version = next
	if s.AutoGlobalCommit {
		s.globalCommit = next
	}
	tx.committed = true
	tx.commitVersion = next
	tx.commitTerm = s.term
	tx.endVersion = next
	return kv.CommitOK, nil
}

func (tx *Tx) CommitVersion() kv.Version { return tx.commitVersion }

func (tx *Tx) CommitTerm() kv.Term { return tx.commitTerm }

func (tx *Tx) ReadVersion() kv.Version { return tx.readVersion }

func (tx *Tx) Version() kv.Version { return tx.endVersion }

// Reset discards buffered reads and writes and re-snapshots, keeping the
// request id so a retried transaction stays tied to its request.
func (tx *Tx) Reset() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.reads = map[tableKey]struct{}{}
	tx.writes = map[tableKey]write{}
	tx.readVersion = s.version
	tx.commitVersion = 0
	tx.commitTerm = 0
	tx.endVersion = kv.NoVersion
	tx.committed = false
}

func (tx *Tx) SetReqID(id kv.RequestID) { tx.reqID = id }

func (tx *Tx) ReqID() kv.RequestID { return tx.reqID }

type view struct {
	tx    *Tx
	table string
}

func (v *view) Get(key string) ([]byte, bool, error) {
	tx := v.tx
	tk := tableKey{table: v.table, key: key}
	if w, ok := tx.writes[tk]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.readVersion < s.compactedTo {
		return nil, false, kv.ErrCompacted
	}
	tx.reads[tk] = struct{}{}
	val, ok := s.readLocked(v.table, key, tx.readVersion)
	return val, ok, nil
}

func (v *view) GetGloballyCommitted(key string) ([]byte, bool, error) {
	s := v.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.readLocked(v.table, key, s.globalCommit)
	return val, ok, nil
}

func (v *view) Put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	v.tx.writes[tableKey{table: v.table, key: key}] = write{value: cp}
}

func (v *view) Remove(key string) {
	v.tx.writes[tableKey{table: v.table, key: key}] = write{deleted: true}
}
