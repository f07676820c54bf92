package reconcile

import (
	"errors"
	"strings"
	"sync"

	"lingodesk/pkg/ingest"
	"lingodesk/pkg/logger"
	"lingodesk/pkg/metrics"
	"lingodesk/pkg/models"
)

var (
	// ErrUnknownRecord is returned when a mutation targets a record id
	// that is not in the set.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrMutationPending is returned when a mutation is begun against a
	// record that already carries an unresolved mutation. The mutation
	// queue serializes per record, so this is a backstop.
	ErrMutationPending = errors.New("mutation already pending")
	// ErrUnknownMutation is returned when a confirm/rollback does not
	// match a retained snapshot. A pending mutation resolves exactly once.
	ErrUnknownMutation = errors.New("no matching pending mutation")
)

// localIDPrefix marks record ids minted locally (synthesized thread
// records and optimistic startThread inserts) that may be re-keyed to a
// backend id on confirmation.
const localIDPrefix = "local-"

// IsLocalID reports whether id was minted locally rather than assigned by
// the backend.
func IsLocalID(id string) bool { return strings.HasPrefix(id, localIDPrefix) }

// SynthThreadRecordID is the deterministic record id for a thread record
// synthesized from a reply that matched no existing record. Determinism
// keeps replayed events idempotent.
func SynthThreadRecordID(threadID string) string { return localIDPrefix + "thr-" + threadID }

// pendingSnap retains everything needed to resolve one optimistic
// mutation: the pre-mutation deep copy (nil for optimistic inserts) and
// whether the speculative step removed the record from the set.
type pendingSnap struct {
	seq     uint64
	kind    models.MutationKind
	rec     *models.ConversationRecord
	deleted bool
}

// Engine owns the full ConversationRecord set. It is the single writer:
// every inbound event, seed row and mutation outcome funnels through its
// lock, so each merge is atomic and no reader ever observes intermediate
// state. All accessors hand out clones.
type Engine struct {
	mu       sync.Mutex
	records  map[string]*models.ConversationRecord
	byThread map[string]string
	// snapshots holds one retained pre-mutation state per pending mutation.
	snapshots map[string]*pendingSnap
	// superseded records mutations resolved by an authoritative event
	// (e.g. server delete while an archive was in flight) so the late REST
	// outcome is discarded instead of clearing the mutation a second time.
	superseded map[string]uint64

	dedupeWindow int64
	closed       bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDedupeWindow sets the participant-proximity window (ns) used to
// suppress duplicate inserts of freshly arrived submissions.
func WithDedupeWindow(ns int64) Option {
	return func(e *Engine) {
		if ns > 0 {
			e.dedupeWindow = ns
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		records:      map[string]*models.ConversationRecord{},
		byThread:     map[string]string{},
		snapshots:    map[string]*pendingSnap{},
		superseded:   map[string]uint64{},
		dedupeWindow: 5_000_000_000, // 5s
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close marks the engine torn down. Further events and mutation outcomes
// are discarded; readers see the final state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Len returns the current record count.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Get returns a clone of one record.
func (e *Engine) Get(id string) (*models.ConversationRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Snapshot returns clones of every record. Ordering is unspecified;
// ordering is a view concern.
func (e *Engine) Snapshot() []models.ConversationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ConversationRecord, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, *r.Clone())
	}
	return out
}

// BeginMutation snapshots the target record, applies the speculative
// post-state via speculate and tags the record pending. The snapshot is
// retained until Confirm*/Rollback resolves the mutation.
func (e *Engine) BeginMutation(recordID string, kind models.MutationKind, seq uint64, speculate func(*models.ConversationRecord)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	rec, ok := e.records[recordID]
	if !ok {
		return ErrUnknownRecord
	}
	if rec.Pending != nil {
		return ErrMutationPending
	}
	e.snapshots[recordID] = &pendingSnap{seq: seq, kind: kind, rec: rec.Clone()}
	if speculate != nil {
		speculate(rec)
	}
	rec.Pending = &models.PendingMutation{Kind: kind, Seq: seq}
	// speculation may have adopted a thread id (startThread-like flows)
	if rec.ThreadID != "" {
		e.byThread[rec.ThreadID] = rec.ID
	}
	return nil
}

// BeginDelete speculatively removes the record. The snapshot retains it
// for exact restore on rollback.
func (e *Engine) BeginDelete(recordID string, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	rec, ok := e.records[recordID]
	if !ok {
		return ErrUnknownRecord
	}
	if rec.Pending != nil {
		return ErrMutationPending
	}
	e.snapshots[recordID] = &pendingSnap{seq: seq, kind: models.MutationDelete, rec: rec.Clone(), deleted: true}
	e.removeLocked(rec)
	return nil
}

// BeginInsert adds an optimistic locally-minted record (startThread). The
// nil snapshot means rollback removes it again.
func (e *Engine) BeginInsert(rec *models.ConversationRecord, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if _, exists := e.records[rec.ID]; exists {
		return ErrMutationPending
	}
	cp := rec.Clone()
	cp.Pending = &models.PendingMutation{Kind: models.MutationStartThread, Seq: seq}
	e.records[cp.ID] = cp
	if cp.ThreadID != "" {
		e.byThread[cp.ThreadID] = cp.ID
	}
	e.snapshots[cp.ID] = &pendingSnap{seq: seq, kind: models.MutationStartThread, rec: nil}
	return nil
}

// resolveLocked pops the retained snapshot for (recordID, seq). The second
// return is false when there is nothing to resolve: either the mutation
// was already superseded by an authoritative event or it never existed.
func (e *Engine) resolveLocked(recordID string, seq uint64) (*pendingSnap, bool, error) {
	if s, ok := e.superseded[recordID]; ok && s == seq {
		delete(e.superseded, recordID)
		return nil, false, nil
	}
	snap, ok := e.snapshots[recordID]
	if !ok || snap.seq != seq {
		return nil, false, ErrUnknownMutation
	}
	delete(e.snapshots, recordID)
	return snap, true, nil
}

// Confirm resolves a mutation whose REST response carried no authoritative
// record body (archive). It clears the pending tag and drops the snapshot.
func (e *Engine) Confirm(recordID string, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_, live, err := e.resolveLocked(recordID, seq)
	if err != nil || !live {
		return err
	}
	if rec, ok := e.records[recordID]; ok {
		rec.Pending = nil
	}
	return nil
}

// ConfirmRecord resolves a mutation whose REST response returned an
// authoritative record body (convert, startThread). The body is absorbed
// through the record-id merge rule; a backend-assigned id replaces a local
// provisional one, and a freshly minted thread id fuses any thread record
// synthesized from events that raced ahead of the response.
func (e *Engine) ConfirmRecord(recordID string, seq uint64, p ingest.SubmissionPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_, live, err := e.resolveLocked(recordID, seq)
	if err != nil || !live {
		return err
	}
	rec, ok := e.records[recordID]
	if !ok {
		return nil
	}
	rec.Pending = nil
	if p.ID != "" && p.ID != rec.ID {
		e.rekeyLocked(rec, p.ID)
	}
	e.mergeSubmissionLocked(rec, &p, true)
	return nil
}

// ConfirmReply resolves a reply mutation: the provisional message is
// replaced by the authoritative one from the REST response.
func (e *Engine) ConfirmReply(recordID string, seq uint64, localMsgID string, p ingest.MessagePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_, live, err := e.resolveLocked(recordID, seq)
	if err != nil || !live {
		return err
	}
	rec, ok := e.records[recordID]
	if !ok {
		return nil
	}
	rec.Pending = nil
	if localMsgID != "" {
		for i := range rec.Messages {
			if rec.Messages[i].ID == localMsgID {
				rec.Messages = append(rec.Messages[:i], rec.Messages[i+1:]...)
				break
			}
		}
	}
	if p.ID != "" {
		e.appendMessageLocked(rec, &p)
	}
	return nil
}

// ConfirmDelete finalizes a speculative delete.
func (e *Engine) ConfirmDelete(recordID string, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_, _, err := e.resolveLocked(recordID, seq)
	return err
}

// Rollback restores the exact pre-mutation snapshot and clears the pending
// tag. For optimistic inserts the record is removed again.
func (e *Engine) Rollback(recordID string, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	snap, live, err := e.resolveLocked(recordID, seq)
	if err != nil || !live {
		return err
	}
	cur := e.records[recordID]
	if snap.rec == nil {
		// optimistic insert: remove
		if cur != nil {
			e.removeLocked(cur)
		}
		return nil
	}
	if cur != nil {
		e.removeLocked(cur)
	}
	restored := snap.rec.Clone()
	e.records[restored.ID] = restored
	if restored.ThreadID != "" {
		e.byThread[restored.ThreadID] = restored.ID
	}
	return nil
}

// rekeyLocked moves a record to a new primary key, keeping the thread
// index consistent. Caller holds the lock.
func (e *Engine) rekeyLocked(rec *models.ConversationRecord, newID string) {
	if newID == "" || newID == rec.ID {
		return
	}
	if other, exists := e.records[newID]; exists && other != rec {
		// the authoritative id already arrived via an event; fold our
		// local copy into it rather than violate id uniqueness
		e.fuseLocked(other, rec)
		return
	}
	delete(e.records, rec.ID)
	rec.ID = newID
	e.records[newID] = rec
	if rec.ThreadID != "" {
		e.byThread[rec.ThreadID] = newID
	}
}

// removeLocked deletes a record and its thread index entry.
func (e *Engine) removeLocked(rec *models.ConversationRecord) {
	delete(e.records, rec.ID)
	if rec.ThreadID != "" && e.byThread[rec.ThreadID] == rec.ID {
		delete(e.byThread, rec.ThreadID)
	}
}

// fuseLocked folds loser into keeper: messages are unioned (dedupe by id,
// TS order), the newer timestamps win, and the loser leaves the set. The
// keeper is always the record matched by backend id — the record-id rule
// takes precedence over the looser thread-only match.
func (e *Engine) fuseLocked(keeper, loser *models.ConversationRecord) {
	if keeper == loser {
		return
	}
	for i := range loser.Messages {
		m := loser.Messages[i]
		if !keeper.HasMessage(m.ID) {
			insertMessage(keeper, m)
		}
	}
	if keeper.ThreadID == "" && loser.ThreadID != "" {
		keeper.ThreadID = loser.ThreadID
	}
	if loser.UpdatedTS > keeper.UpdatedTS {
		keeper.UpdatedTS = loser.UpdatedTS
	}
	if len(keeper.Messages) > 0 || keeper.ThreadID != "" {
		keeper.Kind = models.KindClientThread
	}
	if keeper.Participant.Email == "" {
		keeper.Participant = loser.Participant
	}
	e.removeLocked(loser)
	if keeper.ThreadID != "" {
		e.byThread[keeper.ThreadID] = keeper.ID
	}
	logger.Debug("records_fused", "keeper", keeper.ID, "thread", keeper.ThreadID)
	metrics.Merges.WithLabelValues("fuse").Inc()
}
