// Package api is the local HTTP surface an admin UI session talks to. It
// only reads projections and enqueues mutations; the record set itself is
// owned by the reconciler.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"lingodesk/pkg/logger"
	"lingodesk/pkg/mutate"
	"lingodesk/pkg/notify"
	"lingodesk/pkg/reconcile"
	"lingodesk/pkg/view"
)

type Server struct {
	eng   *reconcile.Engine
	mq    *mutate.Queue
	feed  *notify.Feed
	pager *view.Pager
}

func NewServer(eng *reconcile.Engine, mq *mutate.Queue, feed *notify.Feed) *Server {
	return &Server{eng: eng, mq: mq, feed: feed, pager: view.NewPager()}
}

// Router returns the mux router for the admin surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/conversations", s.list).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}", s.get).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}", s.delete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/conversations/{id}/convert", s.convert).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/archive", s.archive).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/reply", s.reply).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads", s.startThread).Methods(http.MethodPost)
	r.HandleFunc("/v1/notifications", s.notifications).Methods(http.MethodGet)
	return r
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	q := view.Query{
		Search: qp.Get("search"),
		Source: qp.Get("source"),
		Status: qp.Get("status"),
	}
	switch qp.Get("sort") {
	case "created":
		q.Sort = view.SortCreated
	default:
		q.Sort = view.SortUpdated
	}
	q.Asc = qp.Get("dir") == "asc"
	if p := qp.Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			q.Page = n
		}
	}
	q.Page = s.pager.Resolve(q)

	res := view.Project(s.eng.Snapshot(), q)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.eng.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, mux.Vars(r)["id"], s.mq.Convert)
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, mux.Vars(r)["id"], s.mq.Archive)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, mux.Vars(r)["id"], s.mq.Delete)
}

// mutation accepts the action optimistically; the outcome lands in the
// record set and the notification feed, which the UI polls.
func (s *Server) mutation(w http.ResponseWriter, id string, submit func(string) error) {
	if _, ok := s.eng.Get(id); !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err := submit(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Body == "" {
		writeError(w, http.StatusBadRequest, "reply body required")
		return
	}
	if _, ok := s.eng.Get(id); !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err := s.mq.Reply(id, in.Body); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

func (s *Server) startThread(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string `json:"name"`
		Email   string `json:"email"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" {
		writeError(w, http.StatusBadRequest, "participant email required")
		return
	}
	localID, err := s.mq.StartThread(in.Name, in.Email, in.Subject, in.Body)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	logger.Info("thread_started", "local_id", localID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": localID})
}

func (s *Server) notifications(w http.ResponseWriter, _ *http.Request) {
	n := s.feed.Current()
	if n == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notification": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notification": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
