package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/synaptic-view/internal/handoff"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/observability"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
)

// SessionHeader carries the inspector session id on HTTP requests and
// responses.
const SessionHeader = "X-Session-ID"

const (
	routeSnapshot  = "/api/snapshot"
	routeEntities  = "/api/entities"
	routeSelection = "/api/selection"
	routeStream    = "/api/stream"
	routeMetrics   = "/metrics"

	streamWriteWait = 5 * time.Second
)

// SnapshotView is the JSON form of a snapshot.
type SnapshotView struct {
	View     string           `json:"view"`
	EntityID uint64           `json:"entity_id,omitempty"`
	Tick     uint64           `json:"tick"`
	Entries  []snapshot.Entry `json:"entries"`
}

// NewSnapshotView converts s for the wire.
func NewSnapshotView(s snapshot.Snapshot) SnapshotView {
	return SnapshotView{
		View:     s.Kind().String(),
		EntityID: uint64(s.EntityID()),
		Tick:     s.Tick(),
		Entries:  s.Entries(),
	}
}

// EntitiesView lists the selector options.
type EntitiesView struct {
	Options []string `json:"options"`
	IDs     []uint64 `json:"ids"`
}

// SelectionView is the body of GET and PUT /api/selection, and of selection
// messages sent over the stream.
type SelectionView struct {
	Selection string `json:"selection"`
}

type errorView struct {
	Error string `json:"error"`
}

// HTTPOption customises an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithHTTPLogger attaches a structured logger.
func WithHTTPLogger(log logging.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCollector records request metrics and serves /metrics from the
// collector's registry.
func WithCollector(c *observability.InspectorCollector) HTTPOption {
	return func(s *HTTPServer) { s.collector = c }
}

// HTTPServer exposes a Panel over HTTP and websocket.
type HTTPServer struct {
	panel     *Panel
	collector *observability.InspectorCollector
	log       logging.Logger
	upgrader  websocket.Upgrader
	router    *mux.Router
}

// NewHTTPServer builds the routed handler for panel.
func NewHTTPServer(panel *Panel, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		panel: panel,
		log:   logging.Noop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	r := mux.NewRouter()
	r.Use(s.sessionMiddleware)
	r.HandleFunc(routeSnapshot, s.getSnapshot).Methods(http.MethodGet)
	r.HandleFunc(routeEntities, s.listEntities).Methods(http.MethodGet)
	r.HandleFunc(routeSelection, s.getSelection).Methods(http.MethodGet)
	r.HandleFunc(routeSelection, s.putSelection).Methods(http.MethodPut)
	r.HandleFunc(routeStream, s.stream).Methods(http.MethodGet)
	r.Handle(routeMetrics, s.collector.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *HTTPServer) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(SessionHeader); id != "" {
			ctx = logging.ContextWithSessionID(ctx, id)
		}
		ctx, log := logging.WithSessionLogger(ctx, s.log.With(logging.String("path", r.URL.Path)))
		ctx = logging.ContextWithLogger(ctx, log)
		w.Header().Set(SessionHeader, logging.SessionIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.panel.Latest()
	if !ok {
		s.writeJSON(w, routeSnapshot, http.StatusServiceUnavailable, errorView{Error: "no snapshot received yet"})
		return
	}
	s.writeJSON(w, routeSnapshot, http.StatusOK, NewSnapshotView(snap))
}

func (s *HTTPServer) listEntities(w http.ResponseWriter, r *http.Request) {
	ids := s.panel.Identities()
	view := EntitiesView{Options: s.panel.Options(), IDs: make([]uint64, len(ids))}
	for i, id := range ids {
		view.IDs[i] = uint64(id)
	}
	s.writeJSON(w, routeEntities, http.StatusOK, view)
}

func (s *HTTPServer) getSelection(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, routeSelection, http.StatusOK, SelectionView{Selection: s.panel.Selected().String()})
}

func (s *HTTPServer) putSelection(w http.ResponseWriter, r *http.Request) {
	var body SelectionView
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		s.writeJSON(w, routeSelection, http.StatusBadRequest, errorView{Error: "malformed selection body"})
		return
	}
	if err := s.applySelection(r.Context(), body.Selection); err != nil {
		s.writeJSON(w, routeSelection, selectionStatus(err), errorView{Error: err.Error()})
		return
	}
	s.writeJSON(w, routeSelection, http.StatusOK, SelectionView{Selection: s.panel.Selected().String()})
}

func (s *HTTPServer) applySelection(ctx context.Context, label string) error {
	sel, err := selection.Parse(label)
	if err != nil {
		return err
	}
	return s.panel.Select(ctx, sel)
}

func selectionStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrInvalidSelection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// stream pushes every snapshot the panel takes to a websocket client. The
// client may send SelectionView messages to change the selection.
func (s *HTTPServer) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.observe(routeStream, http.StatusBadRequest)
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	s.observe(routeStream, http.StatusSwitchingProtocols)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := logging.LoggerFromContext(ctx, s.log)

	sub, unsubscribe := s.panel.Subscribe("stream:" + logging.SessionIDFromContext(ctx))
	defer unsubscribe()
	if s.collector != nil {
		s.collector.StreamOpened()
		defer s.collector.StreamClosed()
	}
	log.Info(ctx, "stream client connected")

	go func() {
		defer cancel()
		for {
			var msg SelectionView
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn(ctx, "stream read failed", logging.Err(err))
				}
				return
			}
			if err := s.applySelection(ctx, msg.Selection); err != nil {
				log.Debug(ctx, "stream selection rejected", logging.Err(err))
			}
		}
	}()

	if snap, ok := s.panel.Latest(); ok {
		if err := s.send(conn, snap); err != nil {
			return
		}
	}

	for {
		snap, err := sub.Take(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrClosed) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "inspector stopped"),
					time.Now().Add(streamWriteWait))
			}
			log.Info(ctx, "stream client disconnected")
			return
		}
		if err := s.send(conn, snap); err != nil {
			log.Debug(ctx, "stream write failed", logging.Err(err))
			return
		}
	}
}

func (s *HTTPServer) send(conn *websocket.Conn, snap snapshot.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(NewSnapshotView(snap))
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, route string, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn(context.Background(), "encode response failed", logging.String("route", route), logging.Err(err))
	}
	s.observe(route, code)
}

func (s *HTTPServer) observe(route string, code int) {
	if s.collector != nil {
		s.collector.ObserveHTTP(route, code)
	}
}
