package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gwuhaolin/livesync/av"
	"github.com/gwuhaolin/livesync/configure"
	"github.com/gwuhaolin/livesync/protocol/hls"

	jwtmiddleware "github.com/auth0/go-jwt-middleware"
	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Controller is the part of a sync session the API drives.
type Controller interface {
	ID() string
	Handles() []av.StreamHandle
	Interval() time.Duration
	MasterIndex() int
	Enabled() bool
	SetEnabled(enabled bool)
	SetMasterIndex(index int) error
}

type SelectionStore interface {
	Save(session string, sel configure.Selection) error
}

type Response struct {
	w      http.ResponseWriter
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
}

func (r *Response) SendJson() (int, error) {
	resp, _ := json.Marshal(r)
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(r.Status)
	return r.w.Write(resp)
}

type Stream struct {
	Index    int     `json:"index"`
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	Master   bool    `json:"master"`
	Position float64 `json:"position"`
	Ready    bool    `json:"ready"`
	Rate     float64 `json:"rate"`
}

type SyncState struct {
	Session     string   `json:"session"`
	SessionID   string   `json:"session_id"`
	MasterIndex int      `json:"master_index"`
	Enabled     bool     `json:"enabled"`
	IntervalMs  int64    `json:"interval_ms"`
	Streams     []Stream `json:"streams"`
}

type PlayerStatus struct {
	hls.Status
	Index  int     `json:"index"`
	Master bool    `json:"master"`
	Ahead  float64 `json:"ahead"`
}

type statusReporter interface {
	Status() hls.Status
}

type Server struct {
	ctrl    Controller
	store   SelectionStore
	session string
	auth    configure.JWT

	// serializes mutations with their persistence
	mu sync.Mutex
}

func NewServer(ctrl Controller, store SelectionStore, session string, auth configure.JWT) *Server {
	return &Server{
		ctrl:    ctrl,
		store:   store,
		session: session,
		auth:    auth,
	}
}

func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.Serve(l)
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(logRequests)

	router.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	router.Handle("/sync/master", s.guard(s.handleMaster)).Methods(http.MethodPost)
	router.Handle("/sync/enable", s.guard(s.handleEnable(true))).Methods(http.MethodPost)
	router.Handle("/sync/disable", s.guard(s.handleEnable(false))).Methods(http.MethodPost)
	router.Handle("/sync/toggle", s.guard(s.handleToggle)).Methods(http.MethodPost)
	router.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

// guard requires a valid token on h when a secret is configured.
func (s *Server) guard(h http.HandlerFunc) http.Handler {
	if s.auth.Secret == "" {
		return h
	}
	return JWTMiddleware(s.auth).Handler(h)
}

func JWTMiddleware(auth configure.JWT) *jwtmiddleware.JWTMiddleware {
	var algorithm jwt.SigningMethod
	if auth.Algorithm != "" {
		algorithm = jwt.GetSigningMethod(auth.Algorithm)
	}
	if algorithm == nil {
		algorithm = jwt.SigningMethodHS256
	}

	return jwtmiddleware.New(jwtmiddleware.Options{
		Extractor: jwtmiddleware.FromFirst(jwtmiddleware.FromAuthHeader, jwtmiddleware.FromParameter("jwt")),
		ValidationKeyGetter: func(token *jwt.Token) (interface{}, error) {
			return []byte(auth.Secret), nil
		},
		SigningMethod: algorithm,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err string) {
			res := &Response{
				w:      w,
				Status: http.StatusForbidden,
				Data:   err,
			}
			res.SendJson()
		},
	})
}

func (s *Server) state() SyncState {
	master := s.ctrl.MasterIndex()
	handles := s.ctrl.Handles()
	state := SyncState{
		Session:     s.session,
		SessionID:   s.ctrl.ID(),
		MasterIndex: master,
		Enabled:     s.ctrl.Enabled(),
		IntervalMs:  s.ctrl.Interval().Milliseconds(),
		Streams:     make([]Stream, 0, len(handles)),
	}
	for i, h := range handles {
		info := h.Info()
		pos, ready := h.Position()
		rate := av.NeutralRate
		if rr, ok := h.(av.RateReporter); ok {
			rate = rr.Rate()
		}
		state.Streams = append(state.Streams, Stream{
			Index:    i,
			ID:       info.ID,
			Name:     info.Name,
			URL:      info.URL,
			Master:   i == master,
			Position: pos,
			Ready:    ready,
			Rate:     rate,
		})
	}
	return state
}

func (s *Server) persist() {
	if s.store == nil {
		return
	}
	sel := configure.Selection{
		MasterIndex: s.ctrl.MasterIndex(),
		Enabled:     s.ctrl.Enabled(),
	}
	if err := s.store.Save(s.session, sel); err != nil {
		log.Warningf("[API] save selection %s: %v", s.session, err)
	}
}

// http://127.0.0.1:8090/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := &Response{
		w:      w,
		Status: http.StatusOK,
		Data:   s.state(),
	}
	res.SendJson()
}

// http://127.0.0.1:8090/sync/master?index=2
func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	res := &Response{
		w:      w,
		Data:   nil,
		Status: http.StatusOK,
	}
	defer res.SendJson()

	if err := r.ParseForm(); err != nil {
		res.Status = http.StatusBadRequest
		res.Data = "url: /sync/master?index=2"
		return
	}
	index, err := strconv.Atoi(r.Form.Get("index"))
	if err != nil {
		res.Status = http.StatusBadRequest
		res.Data = fmt.Sprintf("index must be an integer, got %q", r.Form.Get("index"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctrl.SetMasterIndex(index); err != nil {
		res.Status = http.StatusBadRequest
		res.Data = err.Error()
		return
	}
	s.persist()
	res.Data = s.state()
}

func (s *Server) handleEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.ctrl.SetEnabled(enabled)
		s.persist()
		s.mu.Unlock()

		res := &Response{
			w:      w,
			Status: http.StatusOK,
			Data:   s.state(),
		}
		res.SendJson()
	}
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.ctrl.SetEnabled(!s.ctrl.Enabled())
	s.persist()
	s.mu.Unlock()

	res := &Response{
		w:      w,
		Status: http.StatusOK,
		Data:   s.state(),
	}
	res.SendJson()
}

// http://127.0.0.1:8090/streams
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	master := s.ctrl.MasterIndex()
	handles := s.ctrl.Handles()
	streams := make([]PlayerStatus, 0, len(handles))
	for i, h := range handles {
		var st hls.Status
		if sr, ok := h.(statusReporter); ok {
			st = sr.Status()
		} else {
			info := h.Info()
			st = hls.Status{ID: info.ID, Name: info.Name, URL: info.URL, Rate: av.NeutralRate}
			st.Position, st.Ready = h.Position()
		}
		streams = append(streams, PlayerStatus{
			Status: st,
			Index:  i,
			Master: i == master,
			Ahead:  st.Ahead(),
		})
	}

	res := &Response{
		w:      w,
		Status: http.StatusOK,
		Data:   streams,
	}
	res.SendJson()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
			"took":   time.Since(begin),
		}).Debug("[API] request")
	})
}
