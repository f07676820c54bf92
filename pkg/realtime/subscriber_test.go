package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsFixture runs a websocket endpoint that records the join frame and then
// pushes the scripted frames.
type wsFixture struct {
	srv    *httptest.Server
	joined chan joinFrame
	send   chan []byte
	auth   chan string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{
		joined: make(chan joinFrame, 1),
		send:   make(chan []byte, 16),
		auth:   make(chan string, 1),
	}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var jf joinFrame
		if err := conn.ReadJSON(&jf); err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		f.joined <- jf
		quit := make(chan struct{})
		go func() {
			for {
				select {
				case b := <-f.send:
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				case <-quit:
					return
				}
			}
		}()
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(quit)
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func TestDialSendsAuthAndJoin(t *testing.T) {
	f := newWSFixture(t)
	s, err := Dial(context.Background(), f.url(), "tok-1", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	select {
	case got := <-f.auth:
		if got != "Bearer tok-1" {
			t.Fatalf("auth header wrong: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no auth header observed")
	}
	select {
	case jf := <-f.joined:
		if jf.Action != "join" || jf.Room != "admin" {
			t.Fatalf("join frame wrong: %+v", jf)
		}
	case <-time.After(time.Second):
		t.Fatalf("no join frame observed")
	}
}

func TestRunDispatchesFrames(t *testing.T) {
	f := newWSFixture(t)
	s, err := Dial(context.Background(), f.url(), "", "admin")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	got := make(chan string, 4)
	s.On("submission.created", func(event string, data []byte) {
		var p struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &p)
		got <- event + "/" + p.ID
	})
	go s.Run()

	f.send <- []byte(`{"event":"submission.created","data":{"id":"c1"}}`)
	// bad frame and unhandled event must be skipped, not kill the loop
	f.send <- []byte(`not json`)
	f.send <- []byte(`{"event":"something.else","data":{}}`)
	f.send <- []byte(`{"event":"submission.created","data":{"id":"c2"}}`)

	want := []string{"submission.created/c1", "submission.created/c2"}
	for _, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Fatalf("got %q want %q", g, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestCloseStopsRun(t *testing.T) {
	f := newWSFixture(t)
	s, err := Dial(context.Background(), f.url(), "", "admin")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	<-f.joined

	s.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit after Close")
	}
	// second Close is a no-op
	s.Close()
}

func TestCloseWithoutRun(t *testing.T) {
	f := newWSFixture(t)
	s, err := Dial(context.Background(), f.url(), "", "admin")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// must not block waiting for a read loop that never started
	doneC := make(chan struct{})
	go func() {
		s.Close()
		close(doneC)
	}()
	select {
	case <-doneC:
	case <-time.After(time.Second):
		t.Fatalf("Close blocked without a running loop")
	}
}
