package reconcile

import (
	"encoding/json"
	"fmt"

	"lingodesk/pkg/ingest"
	"lingodesk/pkg/logger"
	"lingodesk/pkg/metrics"
	"lingodesk/pkg/models"
)

// Apply merges one normalized event into the record set. It is the only
// entry point for authoritative realtime state. Events for unknown record
// ids that cannot be matched or synthesized are silently no-ops; malformed
// payloads that slipped past ingestion are dropped with a log line. Apply
// never returns an error that the caller should surface to a user.
func (e *Engine) Apply(ev *ingest.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	switch ev.Type {
	case ingest.TypeSubmissionCreated:
		var p ingest.SubmissionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warn("apply_bad_submission", "err", err)
			metrics.EventsDropped.WithLabelValues("decode").Inc()
			return nil
		}
		e.applySubmissionLocked(&p)
	case ingest.TypeMessageCreated, ingest.TypeReplyCreated:
		var p ingest.MessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warn("apply_bad_message", "err", err)
			metrics.EventsDropped.WithLabelValues("decode").Inc()
			return nil
		}
		e.applyMessageLocked(&p)
	case ingest.TypeStatusUpdated:
		var p ingest.StatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warn("apply_bad_status", "err", err)
			metrics.EventsDropped.WithLabelValues("decode").Inc()
			return nil
		}
		e.applyStatusLocked(&p)
	case ingest.TypeRecordDeleted:
		var p ingest.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warn("apply_bad_delete", "err", err)
			metrics.EventsDropped.WithLabelValues("decode").Inc()
			return nil
		}
		e.applyDeleteLocked(&p)
	default:
		metrics.EventsDropped.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %s", ingest.ErrUnknownEvent, ev.Type)
	}
	return nil
}

// SeedSubmissions merges REST-fetched contact rows. Seeding reuses the
// event merge rules, so a refetch over already-seen rows is idempotent.
func (e *Engine) SeedSubmissions(rows []ingest.SubmissionPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for i := range rows {
		e.applySubmissionLocked(&rows[i])
	}
}

// SeedMessages merges REST-fetched thread messages.
func (e *Engine) SeedMessages(rows []ingest.MessagePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for i := range rows {
		e.applyMessageLocked(&rows[i])
	}
}

// applySubmissionLocked implements the three merge rules for record-shaped
// payloads: match by id, match by thread id, then insert — with a narrow
// participant-proximity check that suppresses duplicate inserts of a
// brand-new submission delivered twice under different transports.
func (e *Engine) applySubmissionLocked(p *ingest.SubmissionPayload) {
	if rec, ok := e.records[p.ID]; ok {
		e.mergeSubmissionLocked(rec, p, false)
		metrics.Merges.WithLabelValues("record_id").Inc()
		return
	}
	if p.ThreadID != "" {
		if rid, ok := e.byThread[p.ThreadID]; ok {
			rec := e.records[rid]
			if IsLocalID(rec.ID) {
				// authoritative backend id replaces a synthesized/local key
				e.rekeyLocked(rec, p.ID)
				if cur, ok := e.records[p.ID]; ok {
					e.mergeSubmissionLocked(cur, p, false)
				}
				metrics.Merges.WithLabelValues("thread_id").Inc()
				return
			}
			// two backend ids claiming one thread: record ids take
			// precedence over the thread match, so both records stay and
			// the first claimant keeps the thread index
			logger.Warn("thread_claim_conflict", "thread", p.ThreadID, "have", rec.ID, "incoming", p.ID)
			e.records[p.ID] = newRecord(p)
			metrics.Merges.WithLabelValues("insert").Inc()
			return
		}
	}
	if rec := e.matchParticipantLocked(p); rec != nil {
		if IsLocalID(rec.ID) {
			e.rekeyLocked(rec, p.ID)
		}
		if cur, ok := e.records[rec.ID]; ok {
			e.mergeSubmissionLocked(cur, p, false)
		}
		metrics.Merges.WithLabelValues("participant").Inc()
		return
	}
	e.records[p.ID] = newRecord(p)
	if p.ThreadID != "" {
		e.byThread[p.ThreadID] = p.ID
	}
	metrics.Merges.WithLabelValues("insert").Inc()
}

// matchParticipantLocked finds a thread-less public contact with the same
// email or user id created within the dedupe window. This only ever
// suppresses a duplicate insert; it never fuses two established records —
// two people sharing an email across time stay separate.
func (e *Engine) matchParticipantLocked(p *ingest.SubmissionPayload) *models.ConversationRecord {
	if p.Email == "" && p.UserID == "" {
		return nil
	}
	for _, rec := range e.records {
		if rec.Kind != models.KindPublicContact || rec.ThreadID != "" {
			continue
		}
		if p.Email != "" && rec.Participant.Email != p.Email {
			continue
		}
		if p.Email == "" && rec.Participant.UserID != p.UserID {
			continue
		}
		d := rec.CreatedTS - p.CreatedTS
		if d < 0 {
			d = -d
		}
		if d <= e.dedupeWindow {
			return rec
		}
	}
	return nil
}

// mergeSubmissionLocked merges payload fields into rec in place. The
// freshness rule: a payload carrying a newer updated_ts wins; a payload
// with no updated_ts is authoritative and wins unconditionally; a stale
// payload only contributes fields the record is missing, so arrival order
// cannot change the converged record.
func (e *Engine) mergeSubmissionLocked(rec *models.ConversationRecord, p *ingest.SubmissionPayload, unconditional bool) {
	fresh := unconditional || p.UpdatedTS == 0 || p.UpdatedTS >= rec.UpdatedTS
	if fresh {
		if p.Name != "" {
			rec.Participant.Name = p.Name
		}
		if p.Email != "" {
			rec.Participant.Email = p.Email
		}
		if p.UserID != "" {
			rec.Participant.UserID = p.UserID
		}
		if p.Subject != "" {
			rec.Subject = p.Subject
		}
		if p.Company != "" {
			rec.Company = p.Company
		}
		if p.Body != "" {
			rec.Body = p.Body
		}
		if p.Status != "" {
			rec.Status = p.Status
		}
		if p.Source != "" {
			rec.Source = p.Source
		}
	} else {
		if rec.Participant.Name == "" {
			rec.Participant.Name = p.Name
		}
		if rec.Participant.Email == "" {
			rec.Participant.Email = p.Email
		}
		if rec.Participant.UserID == "" {
			rec.Participant.UserID = p.UserID
		}
		if rec.Subject == "" {
			rec.Subject = p.Subject
		}
		if rec.Company == "" {
			rec.Company = p.Company
		}
		if rec.Body == "" {
			rec.Body = p.Body
		}
		if rec.Status == "" {
			rec.Status = p.Status
		}
		if rec.Source == "" {
			rec.Source = p.Source
		}
	}
	// the payload's creation time beats one inferred from a message TS at
	// synthesis; creation never moves forward
	if p.CreatedTS != 0 && (rec.CreatedTS == 0 || p.CreatedTS < rec.CreatedTS) {
		rec.CreatedTS = p.CreatedTS
	}
	if p.UpdatedTS > rec.UpdatedTS {
		rec.UpdatedTS = p.UpdatedTS
	}
	if p.ThreadID != "" {
		e.adoptThreadLocked(rec, p.ThreadID)
	}
}

// adoptThreadLocked attaches a thread id to rec. If another record already
// holds that thread (a synthesized placeholder from a reply that raced
// ahead), the two fuse, with rec as keeper — the id-matched record always
// wins over the thread-only match.
func (e *Engine) adoptThreadLocked(rec *models.ConversationRecord, threadID string) {
	if threadID == "" || rec.ThreadID == threadID {
		return
	}
	if rid, ok := e.byThread[threadID]; ok && rid != rec.ID {
		if other, ok := e.records[rid]; ok {
			rec.ThreadID = threadID
			e.fuseLocked(rec, other)
			return
		}
	}
	rec.ThreadID = threadID
	rec.Kind = models.KindClientThread
	e.byThread[threadID] = rec.ID
}

// applyMessageLocked routes a message event to its record: by backend
// record id first, then by thread id, else it synthesizes a thread record
// under a deterministic local key.
func (e *Engine) applyMessageLocked(p *ingest.MessagePayload) {
	if p.Record != "" {
		if rec, ok := e.records[p.Record]; ok {
			if rec.ThreadID == "" || rec.ThreadID == p.Thread {
				e.adoptThreadLocked(rec, p.Thread)
				e.appendMessageLocked(rec, p)
				metrics.Merges.WithLabelValues("record_id").Inc()
				return
			}
			// record claims a different thread; fall through to the
			// thread match rather than fuse mismatched conversations
			logger.Warn("message_thread_mismatch", "record", p.Record, "thread", p.Thread, "have", rec.ThreadID)
		}
	}
	if rid, ok := e.byThread[p.Thread]; ok {
		if rec, ok := e.records[rid]; ok {
			e.appendMessageLocked(rec, p)
			metrics.Merges.WithLabelValues("thread_id").Inc()
			return
		}
	}
	rec := &models.ConversationRecord{
		ID:       SynthThreadRecordID(p.Thread),
		ThreadID: p.Thread,
		Kind:     models.KindClientThread,
		Source:   models.SourceClient,
		Participant: models.Participant{
			Name:  p.Name,
			Email: p.Email,
		},
		CreatedTS: p.TS,
		UpdatedTS: p.TS,
	}
	e.records[rec.ID] = rec
	e.byThread[p.Thread] = rec.ID
	e.appendMessageLocked(rec, p)
	metrics.Merges.WithLabelValues("insert").Inc()
}

// appendMessageLocked appends with messageId dedupe, keeping ascending TS
// order regardless of arrival order.
func (e *Engine) appendMessageLocked(rec *models.ConversationRecord, p *ingest.MessagePayload) {
	if rec.HasMessage(p.ID) {
		metrics.DuplicateMessages.Inc()
		return
	}
	insertMessage(rec, models.Message{
		ID:     p.ID,
		Thread: p.Thread,
		Sender: p.Sender,
		Body:   p.Body,
		TS:     p.TS,
	})
	rec.Kind = models.KindClientThread
	if p.TS > rec.UpdatedTS {
		rec.UpdatedTS = p.TS
	}
}

// insertMessage places m into rec.Messages preserving ascending TS order,
// ties broken by message id for determinism.
func insertMessage(rec *models.ConversationRecord, m models.Message) {
	i := len(rec.Messages)
	for i > 0 {
		prev := rec.Messages[i-1]
		if prev.TS < m.TS || (prev.TS == m.TS && prev.ID <= m.ID) {
			break
		}
		i--
	}
	rec.Messages = append(rec.Messages, models.Message{})
	copy(rec.Messages[i+1:], rec.Messages[i:])
	rec.Messages[i] = m
}

// applyStatusLocked overwrites status on an id match; unknown ids are
// ignored without error.
func (e *Engine) applyStatusLocked(p *ingest.StatusPayload) {
	rec, ok := e.records[p.ID]
	if !ok {
		logger.Debug("status_unknown_record", "id", p.ID)
		return
	}
	if p.UpdatedTS != 0 && p.UpdatedTS < rec.UpdatedTS {
		return
	}
	rec.Status = p.Status
	if p.UpdatedTS > rec.UpdatedTS {
		rec.UpdatedTS = p.UpdatedTS
	}
	if p.ThreadID != "" {
		e.adoptThreadLocked(rec, p.ThreadID)
	}
	metrics.Merges.WithLabelValues("record_id").Inc()
}

// applyDeleteLocked removes the record. A pending local mutation on it is
// marked superseded so the late REST outcome is discarded: the server
// already decided.
func (e *Engine) applyDeleteLocked(p *ingest.DeletePayload) {
	rec, ok := e.records[p.ID]
	if !ok {
		return
	}
	if rec.Pending != nil {
		e.superseded[rec.ID] = rec.Pending.Seq
		delete(e.snapshots, rec.ID)
	}
	e.removeLocked(rec)
	metrics.Merges.WithLabelValues("record_id").Inc()
}

func newRecord(p *ingest.SubmissionPayload) *models.ConversationRecord {
	kind := models.KindPublicContact
	if p.ThreadID != "" {
		kind = models.KindClientThread
	}
	status := p.Status
	if status == "" && kind == models.KindPublicContact {
		status = models.StatusNew
	}
	src := p.Source
	if src == "" {
		// legacy rows carry no source; they are public submissions
		src = models.SourcePublic
	}
	return &models.ConversationRecord{
		ID:       p.ID,
		ThreadID: p.ThreadID,
		Kind:     kind,
		Status:   status,
		Subject:  p.Subject,
		Company:  p.Company,
		Body:     p.Body,
		Participant: models.Participant{
			Name:   p.Name,
			Email:  p.Email,
			UserID: p.UserID,
		},
		CreatedTS: p.CreatedTS,
		UpdatedTS: p.UpdatedTS,
		Source:    src,
	}
}
