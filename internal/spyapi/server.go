package spyapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"zcm/internal/core/datagram"
	"zcm/internal/core/zcm"
	"zcm/internal/spy"
)

// Publisher sends messages on behalf of API clients.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// StatsSource reports transport counters.
type StatsSource interface {
	Stats() datagram.Stats
}

type Server struct {
	tracker *spy.Tracker
	pub     Publisher
	stats   StatsSource
}

// NewServer builds the HTTP API. pub and stats may be nil, in which case
// their routes answer 503.
func NewServer(t *spy.Tracker, pub Publisher, stats StatsSource) *Server {
	return &Server{tracker: t, pub: pub, stats: stats}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/channel/", s.handleChannel)
	mux.HandleFunc("/api/publish", s.handlePublish)
	mux.HandleFunc("/api/transport", s.handleTransport)
	mux.HandleFunc("/api/stream", s.handleStream)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "spy unavailable")
		return
	}
	switch r.Method {
	case http.MethodOptions:
		writeNoContent(w)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"channels": s.tracker.Channels()})
	case http.MethodDelete:
		s.tracker.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "spy unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/channel/"), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "channel missing")
		return
	}
	st, err := s.tracker.Channel(name)
	if errors.Is(err, spy.ErrChannelNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": st})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		writeError(w, http.StatusServiceUnavailable, "publisher unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Channel string `json:"channel"`
		// Payload is base64 in JSON. Text is used when Payload is empty.
		Payload []byte `json:"payload"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	payload := req.Payload
	if len(payload) == 0 && req.Text != "" {
		payload = []byte(req.Text)
	}
	if err := s.pub.Publish(req.Channel, payload); err != nil {
		writeJSON(w, publishStatus(err), map[string]any{
			"error":  err.Error(),
			"code":   int(zcm.CodeOf(err)),
			"status": zcm.CodeOf(err).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": len(payload)})
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, zcm.ErrInvalidArgument), errors.Is(err, zcm.ErrMessageTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, zcm.ErrWouldBlock), errors.Is(err, zcm.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "transport stats unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.stats.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"packets_received":  st.PacketsReceived,
		"packets_dropped":   st.PacketsDropped,
		"messages_received": st.MessagesReceived,
		"messages_sent":     st.MessagesSent,
		"fragment_buffers":  st.Fragment.Buffers,
		"fragment_bytes":    st.Fragment.Bytes,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "spy unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel := s.tracker.Watch()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
