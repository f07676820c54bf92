package journal

import (
	"testing"

	"lingodesk/pkg/ingest"
)

func TestAppendAndReplayKeepsReceiptOrder(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	evs := []*ingest.Event{
		{Type: ingest.TypeSubmissionCreated, RecordID: "c1", ReceivedAt: 100, Payload: []byte(`{"id":"c1"}`)},
		{Type: ingest.TypeMessageCreated, ThreadID: "t1", ReceivedAt: 100, Payload: []byte(`{"id":"m1","thread":"t1"}`)},
		{Type: ingest.TypeRecordDeleted, RecordID: "c1", ReceivedAt: 200, Payload: []byte(`{"id":"c1"}`)},
	}
	for _, ev := range evs {
		if err := j.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := j.Replay(0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// same receipt ts: sequence breaks the tie, preserving append order
	if got[0].RecordID != "c1" || got[1].ThreadID != "t1" || got[2].Type != string(ingest.TypeRecordDeleted) {
		t.Fatalf("order wrong: %+v", got)
	}
	if string(got[0].Payload) != `{"id":"c1"}` {
		t.Fatalf("payload lost: %s", got[0].Payload)
	}
}

func TestReplayLimit(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	for i := 0; i < 5; i++ {
		if err := j.Append(&ingest.Event{Type: ingest.TypeRecordDeleted, RecordID: "c", ReceivedAt: int64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := j.Replay(2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit ignored: %d", len(got))
	}
}

func TestNilJournalIsDisabled(t *testing.T) {
	var j *Journal
	if err := j.Append(&ingest.Event{Type: ingest.TypeRecordDeleted, RecordID: "c1"}); err != nil {
		t.Fatalf("nil append: %v", err)
	}
	if got, err := j.Replay(0); err != nil || got != nil {
		t.Fatalf("nil replay: %v %v", got, err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
