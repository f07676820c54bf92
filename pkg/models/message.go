package models

// Sender identifies which side of a thread wrote a message.
type Sender string

const (
	SenderClient Sender = "client"
	SenderAdmin  Sender = "admin"
)

type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	Sender Sender `json:"sender,omitempty"`
	Body   string `json:"body,omitempty"`
	// TS is the server-assigned creation timestamp (ns). Thread ordering
	// is by TS, not by arrival order.
	TS int64 `json:"ts"`
}
