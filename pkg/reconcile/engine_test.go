package reconcile

import (
	"encoding/json"
	"testing"

	"lingodesk/pkg/ingest"
	"lingodesk/pkg/models"
)

func subEvent(t *testing.T, p ingest.SubmissionPayload) *ingest.Event {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := ingest.Normalize(string(ingest.TypeSubmissionCreated), b)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return ev
}

func msgEvent(t *testing.T, name string, p ingest.MessagePayload) *ingest.Event {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := ingest.Normalize(name, b)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return ev
}

func TestSubmissionInsertAndReplayIdempotent(t *testing.T) {
	e := New()
	ev := subEvent(t, ingest.SubmissionPayload{ID: "c1", Name: "Ana", Email: "ana@x.com", CreatedTS: 100, UpdatedTS: 100})
	if err := e.Apply(ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.Apply(ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if e.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", e.Len())
	}
	rec, ok := e.Get("c1")
	if !ok {
		t.Fatalf("record c1 missing")
	}
	if rec.Kind != models.KindPublicContact || rec.Status != models.StatusNew {
		t.Fatalf("unexpected defaults: kind=%s status=%s", rec.Kind, rec.Status)
	}
	if rec.Source != models.SourcePublic {
		t.Fatalf("legacy row should normalize to public source, got %s", rec.Source)
	}
}

func TestRecordIDMergeFreshness(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Subject: "original", Company: "Acme", UpdatedTS: 200}))

	// stale payload must not overwrite, but may fill gaps
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Subject: "stale", Email: "late@x.com", UpdatedTS: 100}))
	rec, _ := e.Get("c1")
	if rec.Subject != "original" {
		t.Fatalf("stale payload overwrote subject: %s", rec.Subject)
	}
	if rec.UpdatedTS != 200 {
		t.Fatalf("updated ts moved backwards: %d", rec.UpdatedTS)
	}

	// newer payload wins
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Subject: "newer", UpdatedTS: 300}))
	rec, _ = e.Get("c1")
	if rec.Subject != "newer" || rec.UpdatedTS != 300 {
		t.Fatalf("newer payload lost: subject=%s ts=%d", rec.Subject, rec.UpdatedTS)
	}

	// no clock at all: authoritative, wins unconditionally
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Subject: "clockless"}))
	rec, _ = e.Get("c1")
	if rec.Subject != "clockless" {
		t.Fatalf("clockless payload should win, got %s", rec.Subject)
	}
}

func TestMessageSynthesizesThreadRecord(t *testing.T) {
	e := New()
	_ = e.Apply(msgEvent(t, string(ingest.TypeReplyCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "hi", TS: 50}))
	rec, ok := e.Get(SynthThreadRecordID("t1"))
	if !ok {
		t.Fatalf("synthesized record missing")
	}
	if rec.Kind != models.KindClientThread || rec.ThreadID != "t1" {
		t.Fatalf("unexpected synthesized record: %+v", rec)
	}
	if len(rec.Messages) != 1 || rec.Messages[0].ID != "m1" {
		t.Fatalf("message not attached: %+v", rec.Messages)
	}

	// replay of the same message is a no-op
	_ = e.Apply(msgEvent(t, string(ingest.TypeReplyCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "hi", TS: 50}))
	rec, _ = e.Get(SynthThreadRecordID("t1"))
	if len(rec.Messages) != 1 {
		t.Fatalf("duplicate message appended")
	}
}

func TestThreadMatchRekeysSynthesizedRecord(t *testing.T) {
	e := New()
	_ = e.Apply(msgEvent(t, string(ingest.TypeMessageCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "hello", TS: 10}))
	// backend row for the same thread arrives later under its real id
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c9", ThreadID: "t1", Name: "Bo", UpdatedTS: 20}))

	if e.Len() != 1 {
		t.Fatalf("expected rekeyed single record, got %d", e.Len())
	}
	rec, ok := e.Get("c9")
	if !ok {
		t.Fatalf("record not rekeyed to backend id")
	}
	if rec.ThreadID != "t1" || len(rec.Messages) != 1 {
		t.Fatalf("rekey lost state: %+v", rec)
	}
	if _, ok := e.Get(SynthThreadRecordID("t1")); ok {
		t.Fatalf("synthesized record still present after rekey")
	}
}

func TestMessageOrderingByTS(t *testing.T) {
	e := New()
	for _, m := range []ingest.MessagePayload{
		{ID: "m3", Thread: "t1", TS: 30},
		{ID: "m1", Thread: "t1", TS: 10},
		{ID: "m2", Thread: "t1", TS: 20},
	} {
		_ = e.Apply(msgEvent(t, string(ingest.TypeMessageCreated), m))
	}
	rec, _ := e.Get(SynthThreadRecordID("t1"))
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if rec.Messages[i].ID != id {
			t.Fatalf("order wrong at %d: got %s want %s", i, rec.Messages[i].ID, id)
		}
	}
	if rec.UpdatedTS != 30 {
		t.Fatalf("updated ts should track newest message, got %d", rec.UpdatedTS)
	}
}

func TestStaleSubmissionFillsMissingFields(t *testing.T) {
	e := New()
	// a reply races ahead: the synthesized record carries only what the
	// message knew (ts 25 becomes both created and updated)
	_ = e.Apply(msgEvent(t, string(ingest.TypeReplyCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "hi", TS: 25}))

	// the submission row arrives afterwards with an older clock; it must
	// still contribute everything the record is missing
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{
		ID: "c1", ThreadID: "t1", Name: "Ana", Email: "ana@x.com",
		Status: models.StatusConverted, CreatedTS: 10, UpdatedTS: 20,
	}))

	rec, ok := e.Get("c1")
	if !ok {
		t.Fatalf("record not rekeyed to backend id")
	}
	if rec.Status != models.StatusConverted {
		t.Fatalf("stale payload did not fill empty status: %q", rec.Status)
	}
	if rec.Participant.Name != "Ana" || rec.Participant.Email != "ana@x.com" {
		t.Fatalf("stale payload did not fill empty participant: %+v", rec.Participant)
	}
	if rec.CreatedTS != 10 {
		t.Fatalf("payload creation time should replace the synthesized one: %d", rec.CreatedTS)
	}
	if rec.UpdatedTS != 25 {
		t.Fatalf("stale payload moved the update clock: %d", rec.UpdatedTS)
	}

	// but a stale payload never overwrites a populated field
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Name: "Wrong", UpdatedTS: 5}))
	rec, _ = e.Get("c1")
	if rec.Participant.Name != "Ana" {
		t.Fatalf("stale payload overwrote populated field: %s", rec.Participant.Name)
	}
}

func TestBackendIDConflictKeepsEstablishedRecord(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", ThreadID: "t1", Name: "Ana", UpdatedTS: 10}))
	if err := e.BeginMutation("c1", models.MutationArchive, 5, func(r *models.ConversationRecord) {
		r.Status = models.StatusArchived
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// a different backend id claims the same thread while the archive is in
	// flight; ids take precedence over the thread match, so c1 must not be
	// rekeyed or fused away
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c2", ThreadID: "t1", Name: "Bo", UpdatedTS: 20}))

	rec, ok := e.Get("c1")
	if !ok {
		t.Fatalf("established record was displaced by a thread claim")
	}
	if rec.Pending == nil {
		t.Fatalf("pending mutation lost")
	}
	if _, ok := e.Get("c2"); !ok {
		t.Fatalf("conflicting record not inserted under its own id")
	}

	// the in-flight outcome still resolves against c1
	if err := e.Confirm("c1", 5); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, _ = e.Get("c1")
	if rec.Pending != nil {
		t.Fatalf("pending tag stuck after confirm")
	}
	if err := e.BeginMutation("c1", models.MutationConvert, 6, nil); err != nil {
		t.Fatalf("record blocked for future mutations: %v", err)
	}

	// the first claimant keeps the thread routing
	_ = e.Apply(msgEvent(t, string(ingest.TypeMessageCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", TS: 30}))
	rec, _ = e.Get("c1")
	if len(rec.Messages) != 1 {
		t.Fatalf("thread message not routed to first claimant: %+v", rec.Messages)
	}
}

func TestParticipantDedupeSuppressesDoubleInsert(t *testing.T) {
	e := New(WithDedupeWindow(1_000_000_000))
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Email: "dup@x.com", CreatedTS: 1_000_000_000}))
	// same participant, different transport id, inside window
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c2", Email: "dup@x.com", CreatedTS: 1_500_000_000}))
	if e.Len() != 1 {
		t.Fatalf("duplicate submission not suppressed: %d records", e.Len())
	}
	// outside the window: a genuinely new submission from the same person
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c3", Email: "dup@x.com", CreatedTS: 9_000_000_000}))
	if e.Len() != 2 {
		t.Fatalf("distinct later submission was fused: %d records", e.Len())
	}
}

func TestParticipantDedupeNeverFusesThreads(t *testing.T) {
	e := New(WithDedupeWindow(10_000_000_000))
	// established thread record for the same email
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", ThreadID: "t1", Email: "p@x.com", CreatedTS: 100}))
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c2", Email: "p@x.com", CreatedTS: 150}))
	if e.Len() != 2 {
		t.Fatalf("thread record was fused by participant match: %d records", e.Len())
	}
}

func TestStatusUpdate(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", UpdatedTS: 100}))

	b, _ := json.Marshal(ingest.StatusPayload{ID: "c1", Status: models.StatusArchived, UpdatedTS: 200})
	ev, err := ingest.Normalize(string(ingest.TypeStatusUpdated), b)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	_ = e.Apply(ev)
	rec, _ := e.Get("c1")
	if rec.Status != models.StatusArchived {
		t.Fatalf("status not applied: %s", rec.Status)
	}

	// stale status is ignored
	b, _ = json.Marshal(ingest.StatusPayload{ID: "c1", Status: models.StatusNew, UpdatedTS: 150})
	ev, _ = ingest.Normalize(string(ingest.TypeStatusUpdated), b)
	_ = e.Apply(ev)
	rec, _ = e.Get("c1")
	if rec.Status != models.StatusArchived {
		t.Fatalf("stale status overwrote: %s", rec.Status)
	}

	// unknown id is a no-op
	b, _ = json.Marshal(ingest.StatusPayload{ID: "nope", Status: models.StatusNew})
	ev, _ = ingest.Normalize(string(ingest.TypeStatusUpdated), b)
	if err := e.Apply(ev); err != nil {
		t.Fatalf("unknown status target should not error: %v", err)
	}
}

func TestDeleteEvent(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1"}))

	b, _ := json.Marshal(ingest.DeletePayload{ID: "c1"})
	ev, _ := ingest.Normalize(string(ingest.TypeRecordDeleted), b)
	_ = e.Apply(ev)
	if _, ok := e.Get("c1"); ok {
		t.Fatalf("record survived delete event")
	}
	// replay is a no-op
	if err := e.Apply(ev); err != nil {
		t.Fatalf("delete replay errored: %v", err)
	}
}

func TestPermutationConvergence(t *testing.T) {
	build := func() []*ingest.Event {
		return []*ingest.Event{
			subEvent(t, ingest.SubmissionPayload{ID: "c1", Name: "Ana", Email: "ana@x.com", CreatedTS: 10, UpdatedTS: 10}),
			subEvent(t, ingest.SubmissionPayload{ID: "c1", ThreadID: "t1", Status: models.StatusConverted, UpdatedTS: 20}),
			msgEvent(t, string(ingest.TypeMessageCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "a", TS: 15}),
			msgEvent(t, string(ingest.TypeReplyCreated), ingest.MessagePayload{ID: "m2", Thread: "t1", Body: "b", TS: 25}),
		}
	}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	var want *models.ConversationRecord
	for n, ord := range orders {
		e := New()
		evs := build()
		for _, i := range ord {
			if err := e.Apply(evs[i]); err != nil {
				t.Fatalf("order %d apply: %v", n, err)
			}
		}
		if e.Len() != 1 {
			t.Fatalf("order %d: expected convergence to 1 record, got %d", n, e.Len())
		}
		rec, ok := e.Get("c1")
		if !ok {
			t.Fatalf("order %d: record not keyed by backend id", n)
		}
		if len(rec.Messages) != 2 || rec.Messages[0].ID != "m1" || rec.Messages[1].ID != "m2" {
			t.Fatalf("order %d: messages diverged: %+v", n, rec.Messages)
		}
		if want == nil {
			want = rec
			continue
		}
		if rec.ThreadID != want.ThreadID || rec.Status != want.Status || rec.Kind != want.Kind {
			t.Fatalf("order %d diverged: got %+v want %+v", n, rec, want)
		}
		if rec.Participant != want.Participant || rec.CreatedTS != want.CreatedTS || rec.UpdatedTS != want.UpdatedTS {
			t.Fatalf("order %d diverged on fields: got %+v want %+v", n, rec, want)
		}
	}
}

func TestRollbackRestoresExactSnapshot(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Subject: "s", UpdatedTS: 100}))

	if err := e.BeginMutation("c1", models.MutationArchive, 1, func(r *models.ConversationRecord) {
		r.Status = models.StatusArchived
		r.UpdatedTS = 999
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, _ := e.Get("c1")
	if rec.Status != models.StatusArchived || rec.Pending == nil {
		t.Fatalf("speculation not visible: %+v", rec)
	}

	if err := e.Rollback("c1", 1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	rec, _ = e.Get("c1")
	if rec.Status != models.StatusNew || rec.UpdatedTS != 100 || rec.Pending != nil {
		t.Fatalf("rollback not exact: %+v", rec)
	}

	// a pending mutation resolves exactly once
	if err := e.Rollback("c1", 1); err != ErrUnknownMutation {
		t.Fatalf("expected ErrUnknownMutation, got %v", err)
	}
}

func TestBeginMutationGuards(t *testing.T) {
	e := New()
	if err := e.BeginMutation("missing", models.MutationArchive, 1, nil); err != ErrUnknownRecord {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1"}))
	if err := e.BeginMutation("c1", models.MutationArchive, 1, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.BeginMutation("c1", models.MutationConvert, 2, nil); err != ErrMutationPending {
		t.Fatalf("expected ErrMutationPending, got %v", err)
	}
}

func TestDeleteEventSupersedesPendingMutation(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1"}))
	if err := e.BeginMutation("c1", models.MutationArchive, 7, func(r *models.ConversationRecord) {
		r.Status = models.StatusArchived
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// authoritative server delete lands while the REST call is in flight
	b, _ := json.Marshal(ingest.DeletePayload{ID: "c1"})
	ev, _ := ingest.Normalize(string(ingest.TypeRecordDeleted), b)
	_ = e.Apply(ev)
	if _, ok := e.Get("c1"); ok {
		t.Fatalf("delete event did not remove pending record")
	}

	// the late REST outcome must be discarded, not resurrect the record
	if err := e.Confirm("c1", 7); err != nil {
		t.Fatalf("superseded confirm should be a silent no-op: %v", err)
	}
	if _, ok := e.Get("c1"); ok {
		t.Fatalf("superseded confirm resurrected the record")
	}
	// and only once
	if err := e.Confirm("c1", 7); err != ErrUnknownMutation {
		t.Fatalf("expected ErrUnknownMutation on double resolve, got %v", err)
	}
}

func TestConfirmRecordFusesRacedThreadRecord(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", Name: "Ana", Email: "ana@x.com", CreatedTS: 10, UpdatedTS: 10}))

	// convert goes optimistic
	if err := e.BeginMutation("c1", models.MutationConvert, 1, func(r *models.ConversationRecord) {
		r.Status = models.StatusConverted
		r.Kind = models.KindClientThread
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// a reply on the freshly minted thread races ahead of the REST response
	_ = e.Apply(msgEvent(t, string(ingest.TypeReplyCreated), ingest.MessagePayload{ID: "m1", Thread: "t1", Body: "welcome", TS: 20}))
	if e.Len() != 2 {
		t.Fatalf("expected synthesized record alongside c1, got %d", e.Len())
	}

	// REST response arrives with the authoritative thread id
	if err := e.ConfirmRecord("c1", 1, ingest.SubmissionPayload{ID: "c1", ThreadID: "t1", Status: models.StatusConverted, UpdatedTS: 30}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if e.Len() != 1 {
		t.Fatalf("fusion did not collapse records: %d", e.Len())
	}
	rec, ok := e.Get("c1")
	if !ok {
		t.Fatalf("keeper must be the id-matched record")
	}
	if rec.ThreadID != "t1" || rec.Kind != models.KindClientThread {
		t.Fatalf("fused record wrong: %+v", rec)
	}
	if len(rec.Messages) != 1 || rec.Messages[0].ID != "m1" {
		t.Fatalf("raced message lost in fusion: %+v", rec.Messages)
	}
	if rec.Pending != nil {
		t.Fatalf("pending tag survived confirmation")
	}
}

func TestConfirmReplySwapsProvisionalMessage(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1", ThreadID: "t1"}))

	if err := e.BeginMutation("c1", models.MutationReply, 1, func(r *models.ConversationRecord) {
		r.Messages = append(r.Messages, models.Message{ID: "local-x", Thread: "t1", Body: "draft", TS: 40})
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.ConfirmReply("c1", 1, "local-x", ingest.MessagePayload{ID: "m9", Thread: "t1", Body: "draft", TS: 41}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, _ := e.Get("c1")
	if len(rec.Messages) != 1 || rec.Messages[0].ID != "m9" {
		t.Fatalf("provisional message not swapped: %+v", rec.Messages)
	}
}

func TestBeginInsertAndRollbackRemoves(t *testing.T) {
	e := New()
	rec := &models.ConversationRecord{ID: "local-abc", Kind: models.KindClientThread, Source: models.SourceClient}
	if err := e.BeginInsert(rec, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := e.Get("local-abc"); !ok {
		t.Fatalf("optimistic insert not visible")
	}
	if err := e.Rollback("local-abc", 1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := e.Get("local-abc"); ok {
		t.Fatalf("rolled-back insert still present")
	}
}

func TestSeedIsIdempotentWithEvents(t *testing.T) {
	e := New()
	rows := []ingest.SubmissionPayload{
		{ID: "c1", Email: "a@x.com", CreatedTS: 10, UpdatedTS: 10},
		{ID: "c2", ThreadID: "t2", CreatedTS: 20, UpdatedTS: 20},
	}
	msgs := []ingest.MessagePayload{{ID: "m1", Thread: "t2", TS: 25}}
	e.SeedSubmissions(rows)
	e.SeedMessages(msgs)
	// events replaying the same rows change nothing
	_ = e.Apply(subEvent(t, rows[0]))
	_ = e.Apply(msgEvent(t, string(ingest.TypeMessageCreated), msgs[0]))
	e.SeedSubmissions(rows)
	e.SeedMessages(msgs)

	if e.Len() != 2 {
		t.Fatalf("seed/event replay diverged: %d records", e.Len())
	}
	rec, _ := e.Get("c2")
	if len(rec.Messages) != 1 {
		t.Fatalf("message duplicated across seed and event: %+v", rec.Messages)
	}
}

func TestClosedEngineDiscardsEverything(t *testing.T) {
	e := New()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c1"}))
	e.Close()
	_ = e.Apply(subEvent(t, ingest.SubmissionPayload{ID: "c2"}))
	if e.Len() != 1 {
		t.Fatalf("closed engine accepted an event")
	}
	if err := e.BeginMutation("c1", models.MutationArchive, 1, nil); err != nil {
		t.Fatalf("closed begin should be a silent no-op: %v", err)
	}
	rec, _ := e.Get("c1")
	if rec.Pending != nil {
		t.Fatalf("closed engine mutated state")
	}
}
