package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lingodesk/pkg/models"
)

// Type is the logical event kind carried on the realtime channel.
type Type string

const (
	TypeSubmissionCreated Type = "submission.created"
	TypeMessageCreated    Type = "message.created"
	TypeReplyCreated      Type = "reply.created"
	TypeStatusUpdated     Type = "status.updated"
	TypeRecordDeleted     Type = "record.deleted"
)

var (
	// ErrUnknownEvent is returned for event names outside the fixed set.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformedPayload is returned when a payload fails validation.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Event is the normalized envelope handed to the reconciler. Payload holds
// the validated raw JSON; RecordID/ThreadID are extracted for matching.
type Event struct {
	Type       Type
	RecordID   string
	ThreadID   string
	Payload    []byte
	ReceivedAt int64
	// EnqSeq is assigned by the queue on accept.
	EnqSeq uint64
}

// SubmissionPayload is the body of submission.created and also the shape of
// a contact row returned by the REST list endpoints.
type SubmissionPayload struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Email     string        `json:"email,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	Company   string        `json:"company,omitempty"`
	Body      string        `json:"body,omitempty"`
	Status    models.Status `json:"status,omitempty"`
	Source    models.Source `json:"source,omitempty"`
	CreatedTS int64         `json:"created_ts,omitempty"`
	UpdatedTS int64         `json:"updated_ts,omitempty"`
}

// MessagePayload is the body of message.created and reply.created. Record
// is optional; replies often carry only the thread id.
type MessagePayload struct {
	ID     string        `json:"id"`
	Thread string        `json:"thread"`
	Record string        `json:"record,omitempty"`
	Sender models.Sender `json:"sender,omitempty"`
	Body   string        `json:"body,omitempty"`
	TS     int64         `json:"ts"`
	// Participant fields let a synthesized thread carry an identity.
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// StatusPayload is the body of status.updated.
type StatusPayload struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id,omitempty"`
	Status    models.Status `json:"status"`
	UpdatedTS int64         `json:"updated_ts,omitempty"`
}

// DeletePayload is the body of record.deleted.
type DeletePayload struct {
	ID        string `json:"id"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
}

// Normalize validates a named realtime payload and wraps it into an Event.
// Malformed payloads return ErrMalformedPayload; callers drop and log, they
// never propagate ingestion errors upward.
func Normalize(name string, data []byte) (*Event, error) {
	ev := &Event{Type: Type(name), ReceivedAt: time.Now().UTC().UnixNano()}
	switch Type(name) {
	case TypeSubmissionCreated:
		var p SubmissionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: submission without id", ErrMalformedPayload)
		}
		ev.RecordID = p.ID
		ev.ThreadID = p.ThreadID
	case TypeMessageCreated, TypeReplyCreated:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.ID == "" || p.Thread == "" {
			return nil, fmt.Errorf("%w: message without id or thread", ErrMalformedPayload)
		}
		ev.RecordID = p.Record
		ev.ThreadID = p.Thread
	case TypeStatusUpdated:
		var p StatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: status update without id", ErrMalformedPayload)
		}
		switch p.Status {
		case models.StatusNew, models.StatusConverted, models.StatusArchived:
		default:
			return nil, fmt.Errorf("%w: invalid status %q", ErrMalformedPayload, p.Status)
		}
		ev.RecordID = p.ID
		ev.ThreadID = p.ThreadID
	case TypeRecordDeleted:
		var p DeletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrMalformedPayload)
		}
		ev.RecordID = p.ID
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	ev.Payload = data
	return ev, nil
}
