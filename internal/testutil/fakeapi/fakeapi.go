// Package fakeapi is an in-process fake of the remote API used by tests:
// token exchange, sessions, pops, jobs with scripted progress, datasets and
// a WebSocket push endpoint with per-scope subscriptions.
package fakeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Step is one scripted job transition. Result, when set, is appended to the
// job results before Phase is applied.
type Step struct {
	Delay  time.Duration
	Result any
	Phase  model.JobPhase
	Reason string
}

// DefaultScript runs a job to success with two predictions.
func DefaultScript() []Step {
	return []Step{
		{Phase: model.JobRunning},
		{Result: model.Prediction{SourceWidth: 640, SourceHeight: 480, Objects: []model.PredictedObject{{ClassLabel: "person", Confidence: 0.9, Width: 10, Height: 20}}}},
		{Result: model.Prediction{SourceWidth: 640, SourceHeight: 480, Seconds: 0.5}},
		{Phase: model.JobSucceeded},
	}
}

type job struct {
	status model.JobStatus
}

type conn struct {
	ws      *websocket.Conn
	session string
	seq     uint64
	subs    map[model.Scope]bool
}

// Server is the fake. Zero-value fields of the exported configuration are
// replaced by defaults in New.
type Server struct {
	*httptest.Server

	// APIKey is the accepted secret key.
	APIKey string
	// SessionBlob, when set, is accepted in place of a bearer token.
	SessionBlob string
	// TokenTTL is reported as expires_in.
	TokenTTL time.Duration

	mu       sync.Mutex
	tokens   map[string]bool
	sessions map[string]string // session id -> pop id
	conns    map[*conn]bool
	jobs     map[string]*job
	datasets map[string]*model.Dataset
	hits     map[string]int
	scripts  [][]Step
	refuse   bool
	wg       sync.WaitGroup
	stop     chan struct{}
}

// New starts a fake server.
func New() *Server {
	s := &Server{
		APIKey:   "test-secret",
		TokenTTL: time.Hour,
		tokens:   map[string]bool{},
		sessions: map[string]string{},
		conns:    map[*conn]bool{},
		jobs:     map[string]*job{},
		datasets: map[string]*model.Dataset{},
		hits:     map[string]int{},
		stop:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.count)
	r.Post("/v1/auth/token", s.token)
	r.Get("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/sessions", s.openSession)
		r.Delete("/v1/sessions/{sid}", s.closeSession)
		r.Put("/v1/sessions/{sid}/pop", s.changePop)
		r.Post("/v1/sessions/{sid}/jobs", s.startJob)
		r.Get("/v1/sessions/{sid}/events", s.events)
		r.Get("/v1/jobs/{jid}", s.getJob)
		r.Get("/v1/datasets/{uuid}", s.getDataset)
		r.Get("/v1/datasets/{uuid}/versions/{v}", s.getVersion)
		r.Post("/v1/datasets/{uuid}/versions/{v}/analyze", s.analyze)
		r.Post("/v1/models/{uuid}/train", s.train)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Close stops job scripts, drops push connections and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	s.DropConnections()
	s.wg.Wait()
	s.Server.Close()
}

// Hits returns how many requests matched route (method + chi pattern),
// e.g. "POST /v1/auth/token".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// AddDataset registers a dataset record.
func (s *Server) AddDataset(d model.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.UUID] = &d
}

// QueueScript sets the script of the next started job. Jobs without a
// queued script run DefaultScript.
func (s *Server) QueueScript(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, steps)
}

// RefuseSessions makes session handshakes fail with 503 until reset.
func (s *Server) RefuseSessions(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PopOf returns the pop id of a session.
func (s *Server) PopOf(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// Subscribed reports whether any push connection subscribed to scope.
func (s *Server) Subscribed(scope model.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.subs[scope] {
			return true
		}
	}
	return false
}

// Connections returns the number of live push connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Publish pushes ev to every connection subscribed to ev.Scope and returns
// the number of receivers.
func (s *Server) Publish(ev model.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ev)
}

func (s *Server) publishLocked(ev model.Event) int {
	n := 0
	for c := range s.conns {
		if !c.subs[ev.Scope] {
			continue
		}
		c.seq++
		out := ev
		out.Seq = c.seq
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := wsjson.Write(ctx, c.ws, out); err == nil {
			n++
		}
		cancel()
	}
	return n
}

// DropConnections aborts every push connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.CloseNow()
	}
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rc := chi.RouteContext(r.Context()); rc != nil {
			s.mu.Lock()
			s.hits[r.Method+" "+rc.RoutePattern()]++
			s.mu.Unlock()
		}
	})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SecretKey string `json:"secret_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.SecretKey != s.APIKey {
		http.Error(w, "bad secret", http.StatusUnauthorized)
		return
	}
	tok := "tok-" + uuid.NewString()
	s.mu.Lock()
	s.tokens[tok] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "bearer",
		"expires_in":   int(s.TokenTTL.Seconds()),
	})
}

// RevokeTokens invalidates every issued access token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.SessionBlob != "" && r.Header.Get("X-EyePop-Session") == s.SessionBlob {
			next.ServeHTTP(w, r)
			return
		}
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.tokens[tok]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PopID     string `json:"pop_id"`
		Sandbox   bool   `json:"sandbox"`
		Transient bool   `json:"transient"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	id := uuid.NewString()
	pop := in.PopID
	if in.Transient && pop == "" {
		pop = model.TransientPopID
	}
	s.sessions[id] = pop
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id, "pop_id": pop})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	s.mu.Lock()
	_, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionExists(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sid]
	return ok
}

func (s *Server) changePop(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var pop model.Pop
	if err := json.NewDecoder(r.Body).Decode(&pop); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sid]; !ok {
		http.NotFound(w, r)
		return
	}
	id := pop.ID
	if id == "" {
		id = "pop-" + uuid.NewString()
	}
	s.sessions[sid] = id
	writeJSON(w, http.StatusOK, map[string]any{"pop_id": id})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	if !s.sessionExists(chi.URLParam(r, "sid")) {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var in struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.URL == "" {
			http.Error(w, "url required", http.StatusBadRequest)
			return
		}
	} else if n, _ := io.Copy(io.Discard, r.Body); n == 0 {
		http.Error(w, "empty upload", http.StatusBadRequest)
		return
	}
	s.newJob(w)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	if s.lookupDataset(chi.URLParam(r, "uuid")) == nil {
		http.NotFound(w, r)
		return
	}
	s.newJob(w)
}

func (s *Server) train(w http.ResponseWriter, r *http.Request) {
	var in model.TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.lookupDataset(in.DatasetUUID) == nil {
		http.NotFound(w, r)
		return
	}
	s.newJob(w)
}

func (s *Server) newJob(w http.ResponseWriter) {
	s.mu.Lock()
	id := uuid.NewString()
	j := &job{status: model.JobStatus{ID: id, Phase: model.JobQueued}}
	s.jobs[id] = j
	script := DefaultScript()
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(id, script)
	writeJSON(w, http.StatusAccepted, model.JobHandle{ID: id, Phase: model.JobQueued})
}

func (s *Server) run(jobID string, script []Step) {
	defer s.wg.Done()
	scope := model.JobScope(jobID)
	for _, st := range script {
		if st.Delay > 0 {
			select {
			case <-time.After(st.Delay):
			case <-s.stop:
				return
			}
		}
		s.mu.Lock()
		j := s.jobs[jobID]
		if st.Result != nil {
			raw, _ := json.Marshal(st.Result)
			res := model.JobResult{Seq: uint64(len(j.status.Results)), Result: raw}
			j.status.Results = append(j.status.Results, res)
			payload, _ := json.Marshal(res)
			s.publishLocked(model.Event{ChangeType: model.ChangeJobResult, Scope: scope, Payload: payload})
		}
		if st.Phase != "" {
			j.status.Phase = st.Phase
			j.status.Reason = st.Reason
			payload, _ := json.Marshal(model.PhaseChange{Phase: st.Phase, Reason: st.Reason})
			s.publishLocked(model.Event{ChangeType: model.ChangeJobPhase, Scope: scope, Payload: payload})
		}
		s.mu.Unlock()
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j, ok := s.jobs[chi.URLParam(r, "jid")]
	var st model.JobStatus
	if ok {
		st = j.status
		st.Results = append([]model.JobResult(nil), j.status.Results...)
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) lookupDataset(id string) *model.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datasets[id]
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDataset(chi.URLParam(r, "uuid"))
	if d == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	d := s.lookupDataset(chi.URLParam(r, "uuid"))
	v, err := strconv.Atoi(chi.URLParam(r, "v"))
	if d == nil || err != nil {
		http.NotFound(w, r)
		return
	}
	for _, dv := range d.Versions {
		if dv.Version == v {
			writeJSON(w, http.StatusOK, dv)
			return
		}
	}
	http.NotFound(w, r)
}

type command struct {
	Type  string      `json:"type"`
	Scope model.Scope `json:"scope"`
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if !s.sessionExists(sid) {
		http.NotFound(w, r)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, session: sid, subs: map[model.Scope]bool{}}
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.CloseNow()
	}()

	for {
		var cmd command
		if err := wsjson.Read(context.Background(), ws, &cmd); err != nil {
			return
		}
		s.mu.Lock()
		switch cmd.Type {
		case "subscribe":
			c.subs[cmd.Scope] = true
		case "unsubscribe":
			delete(c.subs, cmd.Scope)
		}
		s.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
