package models

// Kind distinguishes a standalone public contact submission from a
// multi-message client thread. The transition public_contact ->
// client_thread is one-way; a thread never becomes a plain contact again.
type Kind string

const (
	KindPublicContact Kind = "public_contact"
	KindClientThread  Kind = "client_thread"
)

// Status applies to public contacts only; threads carry messages instead.
type Status string

const (
	StatusNew       Status = "new"
	StatusConverted Status = "converted"
	StatusArchived  Status = "archived"
)

// Source records where the counterparty came from. Legacy rows with no
// source are normalized to SourcePublic at ingest time.
type Source string

const (
	SourcePublic Source = "public"
	SourceClient Source = "client"
)

// MutationKind names the admin actions that run through the optimistic
// mutation queue.
type MutationKind string

const (
	MutationConvert     MutationKind = "convert"
	MutationArchive     MutationKind = "archive"
	MutationDelete      MutationKind = "delete"
	MutationReply       MutationKind = "reply"
	MutationStartThread MutationKind = "start_thread"
)

// Participant is the counterparty identity on a record. Email/UserID are
// used only to suppress duplicate inserts of freshly arrived submissions,
// never to fuse existing records.
type Participant struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// PendingMutation is present while a local optimistic action has been
// applied but not yet confirmed or rolled back. Seq is a monotonically
// increasing local sequence assigned by the mutation queue.
type PendingMutation struct {
	Kind MutationKind `json:"kind"`
	Seq  uint64       `json:"seq"`
}

// ConversationRecord is the unit of reconciliation: either a public
// contact submission or a client thread. ID is the backend-assigned
// primary key and unique across the record set at all times.
type ConversationRecord struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Company  string `json:"company,omitempty"`
	// Body is the original submission text for public contacts.
	Body        string      `json:"body,omitempty"`
	Participant Participant `json:"participant"`
	// Messages is append-only and kept in ascending TS order for threads.
	Messages []Message `json:"messages,omitempty"`
	// Created/Updated timestamps (ns). UpdatedTS drives sort order.
	CreatedTS int64  `json:"created_ts,omitempty"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
	Source    Source `json:"source"`
	// Pending is set while an optimistic mutation is unresolved.
	Pending *PendingMutation `json:"pending,omitempty"`
}

// Clone returns a deep copy. The reconciler hands clones to readers and
// retains clones as pre-mutation snapshots, so no caller ever aliases the
// engine's own record.
func (r *ConversationRecord) Clone() *ConversationRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		copy(out.Messages, r.Messages)
	}
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	return &out
}

// HasMessage reports whether a message with the given id is already
// present. Used for idempotent merge of replayed events.
func (r *ConversationRecord) HasMessage(id string) bool {
	for i := range r.Messages {
		if r.Messages[i].ID == id {
			return true
		}
	}
	return false
}
