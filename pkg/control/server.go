// Package control carries control-channel operations between a test
// harness and the capture sessions over HTTP.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/metrics"
	"github.com/irctrakz/nicshim/pkg/session"
	"github.com/irctrakz/nicshim/pkg/wire"
)

const (
	// MaxRequestBody bounds a control request body.
	MaxRequestBody = 1 << 20
	// MaxOutput bounds the output capacity a Get operation may ask for.
	MaxOutput = 1 << 24

	contentType = "application/octet-stream"
)

// API serves the control channel.
type API struct {
	sessions *session.Registry
	metrics  *metrics.Metrics
	token    string
	log      *logrus.Entry
}

// Config holds API configuration.
type Config struct {
	Sessions *session.Registry
	Metrics  *metrics.Metrics
	Token    string
}

// New creates a new API server.
func New(cfg Config) *API {
	return &API{
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		token:    cfg.Token,
		log:      logging.WithFields(logrus.Fields{"component": "control"}),
	}
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Unauthenticated routes
	r.Get("/health", a.handleHealth)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if a.token != "" {
			r.Use(a.authMiddleware)
		}
		r.Route("/v1/adapters", func(r chi.Router) {
			r.Get("/", a.handleListAdapters)
			r.Post("/{adapter}/ioctl/{op}", a.handleIoctl)
			r.Get("/{adapter}/frames.pcap", a.handlePCAP)
		})
	})

	return r
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().Format(time.RFC3339),
		"adapters": a.sessions.Adapters(),
	})
}

// AdapterStatus is one entry of the adapter listing.
type AdapterStatus struct {
	Adapter          string `json:"adapter"`
	FramesCaptured   int    `json:"frames_captured"`
	FramesPending    int    `json:"frames_pending"`
	FrameFilter      bool   `json:"frame_filter"`
	RequestsPended   int    `json:"requests_pended"`
	RequestFilter    bool   `json:"request_filter"`
	WatchdogFailures int    `json:"watchdog_failures"`
}

func (a *API) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	out := []AdapterStatus{}
	for _, name := range a.sessions.Adapters() {
		s, ok := a.sessions.Get(name)
		if !ok {
			continue
		}
		st := s.Stats()
		out = append(out, AdapterStatus{
			Adapter:          name,
			FramesCaptured:   st.Frames.Captured,
			FramesPending:    st.Frames.Pending,
			FrameFilter:      st.Frames.FilterActive,
			RequestsPended:   st.Requests.Total(),
			RequestFilter:    st.Requests.FilterActive,
			WatchdogFailures: st.Failures,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handlePCAP(w http.ResponseWriter, r *http.Request) {
	s, ok := a.sessions.Get(chi.URLParam(r, "adapter"))
	if !ok {
		http.Error(w, "adapter not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	if err := s.ExportPCAP(w); err != nil {
		a.log.WithError(err).Warn("PCAP export failed")
	}
}

func (a *API) handleIoctl(w http.ResponseWriter, r *http.Request) {
	op, err := wire.ParseOp(chi.URLParam(r, "op"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	adapter := chi.URLParam(r, "adapter")
	s, ok := a.sessions.Get(adapter)
	if !ok {
		a.writeResponse(w, http.StatusNotFound, wire.NewResponse(op, 0, nil, fmt.Errorf("adapter %s: %w", adapter, core.ErrNotFound)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := wire.NewRequest(op)
	if err == nil {
		err = msg.UnmarshalBinary(body)
	}
	var resp *wire.Response
	if err != nil {
		resp = wire.NewResponse(op, 0, nil, err)
	} else {
		resp = dispatch(s, op, msg)
	}

	a.metrics.RecordControlRequest(op.String(), resp.Status.String())
	if resp.Status != core.StatusSuccess {
		a.log.WithFields(logrus.Fields{
			"adapter": adapter,
			"op":      op.String(),
			"status":  resp.Status.String(),
		}).Debug("Control operation did not succeed")
	}
	a.writeResponse(w, http.StatusOK, resp)
}

func outputBuffer(capacity uint32) []byte {
	if capacity > MaxOutput {
		capacity = MaxOutput
	}
	return make([]byte, capacity)
}

// dispatch runs one decoded operation against a session.
func dispatch(s *session.Session, op wire.Op, msg wire.Message) *wire.Response {
	switch m := msg.(type) {
	case *wire.SetFrameFilter:
		return wire.NewResponse(op, 0, nil, s.SetFrameFilter(m.Pattern, m.Mask))
	case *wire.GetFrame:
		out := outputBuffer(m.Capacity)
		n, err := s.GetFrame(m.Index, m.SubIndex, out)
		return wire.NewResponse(op, n, out[:min(n, len(out))], err)
	case *wire.SetFrameMetadata:
		return wire.NewResponse(op, 0, nil, s.SetFrameMetadata(m.Index, m.SubIndex, m.Patch))
	case *wire.DequeueFrame:
		return wire.NewResponse(op, 0, nil, s.DequeueFrame(m.Index))
	case *wire.Empty:
		if op == wire.OpFlushDequeuedFrames {
			return wire.NewResponse(op, 0, nil, s.FlushDequeuedFrames())
		}
		return wire.NewResponse(op, 0, nil, s.FlushAllFrames())
	case *wire.SetRequestFilter:
		return wire.NewResponse(op, 0, nil, s.SetRequestFilter(m.Keys))
	case *wire.GetPendingRequest:
		out := outputBuffer(m.Capacity)
		n, err := s.GetPendingRequest(m.Key, out)
		return wire.NewResponse(op, n, out[:min(n, len(out))], err)
	case *wire.CompleteRequest:
		c, err := s.CompleteRequest(m.Key, m.Status, m.Info)
		return wire.NewResponse(op, int(c.Status), c.Info, err)
	case *wire.InjectFrame:
		return wire.NewResponse(op, 0, nil, s.InjectFrame(m.Data, m.Queue))
	}
	return wire.NewResponse(op, 0, nil, fmt.Errorf("%s: %w", op, core.ErrNotSupported))
}

func (a *API) writeResponse(w http.ResponseWriter, status int, resp *wire.Response) {
	b, err := resp.MarshalBinary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(b)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
