// Package mutate wraps every admin-triggered action as an optimistic
// mutation: speculative state is applied to the record set immediately,
// the REST call runs in the background, and the outcome either confirms
// the speculation or rolls it back to the retained snapshot. Mutations
// against the same record are serialized; a second action is queued and
// dispatched only once the first resolves.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lingodesk/pkg/ingest"
	"lingodesk/pkg/logger"
	"lingodesk/pkg/metrics"
	"lingodesk/pkg/models"
	"lingodesk/pkg/reconcile"
)

// ErrClosed is returned by Submit calls after teardown.
var ErrClosed = errors.New("mutation queue closed")

// Backend is the slice of the REST client the mutation queue needs.
type Backend interface {
	ConvertContact(ctx context.Context, id string) (*ingest.SubmissionPayload, error)
	ArchiveContact(ctx context.Context, id string) error
	DeleteContact(ctx context.Context, id string) error
	ReplyMessage(ctx context.Context, threadID, body string) (*ingest.MessagePayload, error)
	StartThread(ctx context.Context, name, email, subject, body string) (*ingest.SubmissionPayload, error)
}

// Notifier receives user-facing mutation feedback.
type Notifier interface {
	Push(message, kind string)
}

// task is one queued action. Speculation is computed at dispatch time, not
// submit time, so a queued action sees the resolved state of its
// predecessor (including a rollback).
type task struct {
	action models.MutationKind
	record string
	body   string
}

// Queue serializes optimistic mutations per record and reconciles their
// outcomes against the engine.
type Queue struct {
	eng    *reconcile.Engine
	api    Backend
	notify Notifier

	mu      sync.Mutex
	pending map[string][]*task // head is in flight
	seq     uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func NewQueue(eng *reconcile.Engine, api Backend, notify Notifier) *Queue {
	return &Queue{eng: eng, api: api, notify: notify, pending: map[string][]*task{}}
}

// Close tears the queue down. In-flight REST calls may still complete but
// their outcomes are discarded by the closed engine; nothing new is
// dispatched.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Wait blocks until all dispatched tasks have resolved. Test helper and
// shutdown aid; not part of the hot path.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) nextSeq() uint64 { return atomic.AddUint64(&q.seq, 1) }

// Convert converts a public contact into a client thread.
func (q *Queue) Convert(recordID string) error {
	return q.submit(&task{action: models.MutationConvert, record: recordID})
}

// Archive archives a public contact.
func (q *Queue) Archive(recordID string) error {
	return q.submit(&task{action: models.MutationArchive, record: recordID})
}

// Delete removes a record.
func (q *Queue) Delete(recordID string) error {
	return q.submit(&task{action: models.MutationDelete, record: recordID})
}

// Reply appends an admin message to the record's thread.
func (q *Queue) Reply(recordID, body string) error {
	return q.submit(&task{action: models.MutationReply, record: recordID, body: body})
}

// StartThread opens a brand-new client thread. The record appears
// immediately under a local provisional id and is re-keyed when the
// backend responds.
func (q *Queue) StartThread(name, email, subject, body string) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	localID := "local-" + uuid.NewString()
	now := time.Now().UTC().UnixNano()
	rec := &models.ConversationRecord{
		ID:      localID,
		Kind:    models.KindClientThread,
		Subject: subject,
		Participant: models.Participant{
			Name:  name,
			Email: email,
		},
		Source:    models.SourceClient,
		CreatedTS: now,
		UpdatedTS: now,
	}
	seq := q.nextSeq()
	if err := q.eng.BeginInsert(rec, seq); err != nil {
		return "", err
	}
	q.track(localID, &task{action: models.MutationStartThread, record: localID, body: body})
	q.wg.Add(1)
	go q.runStartThread(localID, seq, name, email, subject, body)
	return localID, nil
}

// submit queues t for its record and dispatches it when it reaches the
// head of that record's line.
func (q *Queue) submit(t *task) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.mu.Lock()
	line := q.pending[t.record]
	q.pending[t.record] = append(line, t)
	first := len(line) == 0
	q.mu.Unlock()
	if first {
		return q.dispatch(t)
	}
	logger.Debug("mutation_queued", "record", t.record, "action", t.action)
	return nil
}

func (q *Queue) track(recordID string, t *task) {
	q.mu.Lock()
	q.pending[recordID] = append(q.pending[recordID], t)
	q.mu.Unlock()
}

// advance pops the resolved head task and dispatches the next queued one.
func (q *Queue) advance(recordID string) {
	q.mu.Lock()
	line := q.pending[recordID]
	if len(line) > 0 {
		line = line[1:]
	}
	if len(line) == 0 {
		delete(q.pending, recordID)
		q.mu.Unlock()
		return
	}
	q.pending[recordID] = line
	next := line[0]
	q.mu.Unlock()
	if q.closed.Load() {
		return
	}
	if err := q.dispatch(next); err != nil {
		logger.Warn("mutation_dispatch_failed", "record", recordID, "action", next.action, "err", err)
	}
}

// dispatch applies the speculative step and launches the REST call.
func (q *Queue) dispatch(t *task) error {
	seq := q.nextSeq()
	now := time.Now().UTC().UnixNano()
	switch t.action {
	case models.MutationConvert:
		err := q.eng.BeginMutation(t.record, t.action, seq, func(r *models.ConversationRecord) {
			r.Status = models.StatusConverted
			r.Kind = models.KindClientThread
			r.UpdatedTS = now
		})
		if err != nil {
			q.abandon(t, err)
			return err
		}
		q.wg.Add(1)
		go q.runConvert(t.record, seq)
	case models.MutationArchive:
		err := q.eng.BeginMutation(t.record, t.action, seq, func(r *models.ConversationRecord) {
			r.Status = models.StatusArchived
			r.UpdatedTS = now
		})
		if err != nil {
			q.abandon(t, err)
			return err
		}
		q.wg.Add(1)
		go q.runArchive(t.record, seq)
	case models.MutationDelete:
		if err := q.eng.BeginDelete(t.record, seq); err != nil {
			q.abandon(t, err)
			return err
		}
		q.wg.Add(1)
		go q.runDelete(t.record, seq)
	case models.MutationReply:
		rec, ok := q.eng.Get(t.record)
		if !ok {
			q.abandon(t, reconcile.ErrUnknownRecord)
			return reconcile.ErrUnknownRecord
		}
		if rec.ThreadID == "" {
			err := fmt.Errorf("record %s has no thread to reply to", t.record)
			q.abandon(t, err)
			return err
		}
		localMsg := "local-" + uuid.NewString()
		err := q.eng.BeginMutation(t.record, t.action, seq, func(r *models.ConversationRecord) {
			r.Messages = append(r.Messages, models.Message{
				ID:     localMsg,
				Thread: r.ThreadID,
				Sender: models.SenderAdmin,
				Body:   t.body,
				TS:     now,
			})
			r.UpdatedTS = now
		})
		if err != nil {
			q.abandon(t, err)
			return err
		}
		q.wg.Add(1)
		go q.runReply(t.record, seq, rec.ThreadID, localMsg, t.body)
	default:
		err := fmt.Errorf("unsupported mutation %q", t.action)
		q.abandon(t, err)
		return err
	}
	return nil
}

// abandon drops a task that could not even be dispatched and lets the
// line advance.
func (q *Queue) abandon(t *task, err error) {
	q.notifyFail(t.action, err)
	q.advance(t.record)
}

func (q *Queue) runConvert(recordID string, seq uint64) {
	defer q.wg.Done()
	defer q.advance(recordID)
	p, err := q.api.ConvertContact(context.Background(), recordID)
	if q.closed.Load() {
		return
	}
	if err != nil {
		q.rollback(recordID, seq, models.MutationConvert, err)
		return
	}
	if p == nil {
		p = &ingest.SubmissionPayload{}
	}
	if cerr := q.eng.ConfirmRecord(recordID, seq, *p); cerr != nil {
		logger.Warn("convert_confirm_skipped", "record", recordID, "err", cerr)
		return
	}
	metrics.Mutations.WithLabelValues(string(models.MutationConvert), "confirmed").Inc()
	q.notifyOK("conversation converted to thread")
}

func (q *Queue) runArchive(recordID string, seq uint64) {
	defer q.wg.Done()
	defer q.advance(recordID)
	err := q.api.ArchiveContact(context.Background(), recordID)
	if q.closed.Load() {
		return
	}
	if err != nil {
		q.rollback(recordID, seq, models.MutationArchive, err)
		return
	}
	if cerr := q.eng.Confirm(recordID, seq); cerr != nil {
		logger.Warn("archive_confirm_skipped", "record", recordID, "err", cerr)
		return
	}
	metrics.Mutations.WithLabelValues(string(models.MutationArchive), "confirmed").Inc()
	q.notifyOK("conversation archived")
}

func (q *Queue) runDelete(recordID string, seq uint64) {
	defer q.wg.Done()
	defer q.advance(recordID)
	err := q.api.DeleteContact(context.Background(), recordID)
	if q.closed.Load() {
		return
	}
	if err != nil {
		q.rollback(recordID, seq, models.MutationDelete, err)
		return
	}
	if cerr := q.eng.ConfirmDelete(recordID, seq); cerr != nil {
		logger.Warn("delete_confirm_skipped", "record", recordID, "err", cerr)
		return
	}
	metrics.Mutations.WithLabelValues(string(models.MutationDelete), "confirmed").Inc()
	q.notifyOK("conversation deleted")
}

func (q *Queue) runReply(recordID string, seq uint64, threadID, localMsg, body string) {
	defer q.wg.Done()
	defer q.advance(recordID)
	p, err := q.api.ReplyMessage(context.Background(), threadID, body)
	if q.closed.Load() {
		return
	}
	if err != nil {
		q.rollback(recordID, seq, models.MutationReply, err)
		return
	}
	if p == nil {
		p = &ingest.MessagePayload{}
	}
	if cerr := q.eng.ConfirmReply(recordID, seq, localMsg, *p); cerr != nil {
		logger.Warn("reply_confirm_skipped", "record", recordID, "err", cerr)
		return
	}
	metrics.Mutations.WithLabelValues(string(models.MutationReply), "confirmed").Inc()
	q.notifyOK("reply sent")
}

func (q *Queue) runStartThread(localID string, seq uint64, name, email, subject, body string) {
	defer q.wg.Done()
	defer q.advance(localID)
	p, err := q.api.StartThread(context.Background(), name, email, subject, body)
	if q.closed.Load() {
		return
	}
	if err != nil {
		q.rollback(localID, seq, models.MutationStartThread, err)
		return
	}
	if p == nil {
		p = &ingest.SubmissionPayload{}
	}
	if cerr := q.eng.ConfirmRecord(localID, seq, *p); cerr != nil {
		logger.Warn("start_thread_confirm_skipped", "record", localID, "err", cerr)
		return
	}
	metrics.Mutations.WithLabelValues(string(models.MutationStartThread), "confirmed").Inc()
	q.notifyOK("thread started")
}

func (q *Queue) rollback(recordID string, seq uint64, action models.MutationKind, cause error) {
	if err := q.eng.Rollback(recordID, seq); err != nil {
		logger.Warn("rollback_skipped", "record", recordID, "action", action, "err", err)
		return
	}
	metrics.Mutations.WithLabelValues(string(action), "rolled_back").Inc()
	q.notifyFail(action, cause)
}

func (q *Queue) notifyOK(msg string) {
	if q.notify != nil {
		q.notify.Push(msg, "success")
	}
}

func (q *Queue) notifyFail(action models.MutationKind, err error) {
	logger.Warn("mutation_failed", "action", action, "err", err)
	if q.notify != nil {
		q.notify.Push(fmt.Sprintf("%s failed: %v", action, err), "error")
	}
}
