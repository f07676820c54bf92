package backend

import (
	"context"
	"net/http"
	"net/url"

	"lingodesk/pkg/ingest"
)

// ListContacts fetches all contact submissions (public and converted).
func (c *Client) ListContacts(ctx context.Context) ([]ingest.SubmissionPayload, error) {
	var out struct {
		Contacts []ingest.SubmissionPayload `json:"contacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// GetContact fetches one contact by id.
func (c *Client) GetContact(ctx context.Context, id string) (*ingest.SubmissionPayload, error) {
	var out ingest.SubmissionPayload
	if err := c.do(ctx, http.MethodGet, "/api/contacts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteContact removes a contact record.
func (c *Client) DeleteContact(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/contacts/"+url.PathEscape(id), nil, nil)
}

// ArchiveContact marks a contact archived.
func (c *Client) ArchiveContact(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/contacts/"+url.PathEscape(id)+"/archive", nil, nil)
}

// ConvertContact converts a public contact into a client thread. The
// response carries the authoritative record including the minted thread id.
func (c *Client) ConvertContact(ctx context.Context, id string) (*ingest.SubmissionPayload, error) {
	var out ingest.SubmissionPayload
	if err := c.do(ctx, http.MethodPost, "/api/contacts/"+url.PathEscape(id)+"/convert", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages fetches all thread messages visible to the admin session.
func (c *Client) ListMessages(ctx context.Context) ([]ingest.MessagePayload, error) {
	var out struct {
		Messages []ingest.MessagePayload `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ReplyMessage appends an admin reply to a thread.
func (c *Client) ReplyMessage(ctx context.Context, threadID, body string) (*ingest.MessagePayload, error) {
	in := map[string]string{"thread": threadID, "body": body, "sender": "admin"}
	var out ingest.MessagePayload
	if err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(threadID)+"/reply", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartThread opens a new client thread. The response is the authoritative
// record with its backend-assigned id and thread id.
func (c *Client) StartThread(ctx context.Context, name, email, subject, body string) (*ingest.SubmissionPayload, error) {
	in := map[string]string{"name": name, "email": email, "subject": subject, "body": body}
	var out ingest.SubmissionPayload
	if err := c.do(ctx, http.MethodPost, "/api/messages", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscriber is a newsletter subscriber row.
type Subscriber struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedTS int64  `json:"created_ts,omitempty"`
}

func (c *Client) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var out struct {
		Subscribers []Subscriber `json:"subscribers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/subscribers", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscribers, nil
}

func (c *Client) DeleteSubscriber(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/subscribers/"+url.PathEscape(id), nil, nil)
}

// Task is an admin to-do row.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	DueTS     int64  `json:"due_ts,omitempty"`
	CreatedTS int64  `json:"created_ts,omitempty"`
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, t Task) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateTask(ctx context.Context, t Task) error {
	return c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(t.ID), t, nil)
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// Settings is the opaque site settings document; the sync core only
// shuttles it.
type Settings map[string]any

func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var out Settings
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateSettings(ctx context.Context, s Settings) error {
	return c.do(ctx, http.MethodPut, "/api/settings", s, nil)
}

// AnalyticsSummary aggregates visit/lead counts.
type AnalyticsSummary struct {
	Visits      int64 `json:"visits"`
	Leads       int64 `json:"leads"`
	Quotes      int64 `json:"quotes"`
	Conversions int64 `json:"conversions"`
}

func (c *Client) Analytics(ctx context.Context) (*AnalyticsSummary, error) {
	var out AnalyticsSummary
	if err := c.do(ctx, http.MethodGet, "/api/analytics/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quote is a translation quote request row.
type Quote struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Email     string  `json:"email,omitempty"`
	SourceLng string  `json:"source_lang,omitempty"`
	TargetLng string  `json:"target_lang,omitempty"`
	WordCount int     `json:"word_count,omitempty"`
	Estimate  float64 `json:"estimate,omitempty"`
	CreatedTS int64   `json:"created_ts,omitempty"`
}

func (c *Client) ListQuotes(ctx context.Context) ([]Quote, error) {
	var out struct {
		Quotes []Quote `json:"quotes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/quotes", nil, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}
