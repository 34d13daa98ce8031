package statemachine

import (
	"strconv"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// txStatus is the ledger's read-side classification of a transactionId,
// rebuilt from the persisted logs and kept current on every apply. It is
// never consulted for correctness — only to answer in-doubt/idempotence
// queries in O(log n) instead of scanning the JSON logs.
type txStatus struct {
	Prepared bool
	Record   TransactionRecord
	Committed bool
}

// ledger indexes PrepareRecord/CommitRecord by transactionId using an
// immutable radix tree (hashicorp/go-immutable-radix, carried from the
// teacher's go.mod). Each mutation swaps in a new tree root, so concurrent
// readers never observe a half-updated index.
type ledger struct {
	tree *iradix.Tree
}

func newLedger() *ledger {
	return &ledger{tree: iradix.New()}
}

func txKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func (l *ledger) recordPrepare(rec TransactionRecord) {
	txn := l.tree.Txn()
	txn.Insert(txKey(rec.TransactionID), txStatus{Prepared: true, Record: rec})
	l.tree = txn.Commit()
}

func (l *ledger) recordCommit(rec TransactionRecord) {
	st := txStatus{Prepared: true, Record: rec}
	if existing, ok := l.tree.Get(txKey(rec.TransactionID)); ok {
		st = existing.(txStatus)
	}
	st.Committed = true
	st.Record = rec
	txn := l.tree.Txn()
	txn.Insert(txKey(rec.TransactionID), st)
	l.tree = txn.Commit()
}

// lookup returns the current status for a transactionId, if any prepare or
// commit has been recorded for it.
func (l *ledger) lookup(id int64) (txStatus, bool) {
	v, ok := l.tree.Get(txKey(id))
	if !ok {
		return txStatus{}, false
	}
	return v.(txStatus), true
}

// inDoubt reports whether id has a prepare but no matching commit yet
// (spec.md §4.3 in-doubt definition).
func (l *ledger) inDoubt(id int64) bool {
	st, ok := l.lookup(id)
	return ok && st.Prepared && !st.Committed
}

func (l *ledger) len() int {
	return l.tree.Len()
}
