// Package web serves the dashboard API: read endpoints over the store,
// command endpoints publishing onto the event bus (including the pairing
// approval surface) and a WebSocket fan-out of live bus topics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DigZan/CarPi/internal/bluetooth"
	"github.com/DigZan/CarPi/internal/bus"
	"github.com/DigZan/CarPi/internal/config"
	"github.com/DigZan/CarPi/internal/sensors"
	"github.com/DigZan/CarPi/internal/store"
)

// commandRPM bounds how fast one client may POST commands.
const commandRPM = 60

// streamedTopics are bridged to every WebSocket client.
var streamedTopics = []string{bluetooth.TopicStatus, bluetooth.TopicPairRequest, sensors.TopicGPS}

// Directory is the read side of the store the API exposes. Satisfied by
// *store.Store.
type Directory interface {
	ListDevices(ctx context.Context) ([]store.Device, error)
	ListContacts(ctx context.Context, address string) ([]store.Contact, error)
}

type Server struct {
	cfg     config.WebConfig
	events  *bus.Bus
	dir     Directory
	limiter *rateLimiter

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(cfg config.WebConfig, events *bus.Bus, dir Directory) *Server {
	return &Server{
		cfg:     cfg,
		events:  events,
		dir:     dir,
		limiter: newRateLimiter(commandRPM, 10),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served on the vehicle LAN; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler builds the route table. Split from Run for httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bt_devices", s.handleDevices)
	mux.HandleFunc("GET /api/contacts", s.handleContacts)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("POST /api/call", s.handleCall)
	mux.HandleFunc("POST /api/pair_response", s.handlePairResponse)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully and
// drops all WebSocket clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.Handler()}

	fanCtx, cancelFan := context.WithCancel(ctx)
	defer cancelFan()
	go s.fanOut(fanCtx)
	go s.housekeeping(fanCtx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("dashboard listening", "addr", s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// fanOut bridges the streamed bus topics to every connected client,
// one forwarder per topic.
func (s *Server) fanOut(ctx context.Context) {
	var wg sync.WaitGroup
	for _, topic := range streamedTopics {
		sub := s.events.Subscribe(topic, 64)
		wg.Add(1)
		go func(topic string, sub *bus.Subscription) {
			defer wg.Done()
			defer sub.Cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-sub.C:
					s.broadcast(topic, ev)
				}
			}
		}(topic, sub)
	}
	wg.Wait()
}

func (s *Server) broadcast(topic string, ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.sendEvent(topic, ev)
	}
}

func (s *Server) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep(10 * time.Minute)
		}
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.dir.ListDevices(r.Context())
	if err != nil {
		slog.Error("list devices", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address is required"})
		return
	}
	contacts, err := s.dir.ListContacts(r.Context(), address)
	if err != nil {
		slog.Error("list contacts", "address", address, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "contacts": contacts})
}

// handleCommand publishes a dashboard command onto bt.command. The
// manager validates addresses and ignores unknown actions; the API only
// insists on a non-empty action and a sane payload size.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	s.publishFrom(w, r, bluetooth.TopicCommand)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	s.publishFrom(w, r, bluetooth.TopicCall)
}

func (s *Server) publishFrom(w http.ResponseWriter, r *http.Request, topic string) {
	if !s.limiter.allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	action, _ := body["action"].(string)
	if action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}
	s.events.Publish(topic, bus.Event(body))
	writeJSON(w, http.StatusAccepted, map[string]string{"ok": "true"})
}

// handlePairResponse is the human approval surface: the dashboard posts
// the yes/no decision the pairing agent is waiting on.
func (s *Server) handlePairResponse(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	var body struct {
		Address  string `json:"address"`
		Approved bool   `json:"approved"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address is required"})
		return
	}
	s.events.Publish(bluetooth.TopicPairResponse, bus.Event{
		"address":  body.Address,
		"approved": body.Approved,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"ok": "true"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(conn)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("dashboard client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.send)
	slog.Info("dashboard client disconnected", "client", c.id)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
