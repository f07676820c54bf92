// Package journal is an optional on-disk log of normalized inbound event
// envelopes, used for replay debugging of reconciliation issues. It never
// holds authoritative record state — the record set lives in memory only —
// and it is disabled unless a path is configured.
package journal

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"lingodesk/pkg/ingest"
)

// Entry is one journaled envelope.
type Entry struct {
	Type       string          `json:"type"`
	RecordID   string          `json:"record,omitempty"`
	ThreadID   string          `json:"thread,omitempty"`
	ReceivedTS int64           `json:"received_ts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Journal struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// key layout: evt:<received_ts>-<seq>, zero padded so byte order is
// receipt order.
func (j *Journal) key(ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("evt:%020d-%010d", ts, seq))
}

// Append records one envelope. Nil-safe: a nil Journal is a disabled one.
func (j *Journal) Append(ev *ingest.Event) error {
	if j == nil {
		return nil
	}
	seq := atomic.AddUint64(&j.seq, 1)
	e := Entry{
		Type:       string(ev.Type),
		RecordID:   ev.RecordID,
		ThreadID:   ev.ThreadID,
		ReceivedTS: ev.ReceivedAt,
		Payload:    append([]byte(nil), ev.Payload...),
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.db.Set(j.key(ev.ReceivedAt, seq), b, pebble.NoSync)
}

// Replay returns up to limit entries in receipt order. limit <= 0 means
// all.
func (j *Journal) Replay(limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	it, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt:"),
		UpperBound: []byte("evt;"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Entry
	for ok := it.First(); ok; ok = it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}

// Close flushes and closes the store.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
