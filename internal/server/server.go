package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mwhitney/avtlink/internal/avt"
	"github.com/mwhitney/avtlink/internal/trace"
)

// Server bridges the AVT link session to WebSocket clients: it drives the
// session's receive step, broadcasts every decoded bus message, and exposes
// send/speed/config APIs. This is the external driving loop the session's
// polled receive step expects.
type Server struct {
	cfg     *Config
	session *avt.Session
	webFS   fs.FS
	tracer  *trace.Tracer

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Dir   string `json:"dir"`   // "rx" or "tx"
	Data  string `json:"data"`  // space-separated hex payload
	Len   int    `json:"len"`   // payload length in bytes
	Stamp int64  `json:"stamp"` // Unix ms
}

// StatusData is the link status returned by the status API.
type StatusData struct {
	Connected bool   `json:"connected"`
	Variant   string `json:"variant"`
	Firmware  string `json:"firmware"`
}

// New creates a Server and hooks the session's frame stream into the tracer.
func New(cfg *Config, session *avt.Session, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		session: session,
		webFS:   webFS,
		tracer: trace.New(trace.Config{
			Enabled: cfg.Trace.Enabled,
			Path:    cfg.Trace.Path,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	session.OnFrame = s.tracer.Record
	return s
}

// Run starts the HTTP server and the receive loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// APIs
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/speed", s.handleSpeed)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/trace", s.handleTrace)

	go s.receiveLoop(ctx)
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.tracer.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// receiveLoop invokes the session's polled receive step continuously. The
// step itself blocks on the transport's read timeout, so the loop is paced
// by the port; when the link is down it just waits for a reconnect.
func (s *Server) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.session.Connected() {
			time.Sleep(250 * time.Millisecond)
			continue
		}
		s.session.ReceiveStep()
	}
}

// broadcastLoop drains the session's inbound queue to all clients.
func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.session.Inbound():
			s.broadcast(Frame{
				Dir:   "rx",
				Data:  msg.String(),
				Len:   msg.Len(),
				Stamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleSend transmits a raw hex payload through the session. The payload
// is opaque to the link layer; the caller owns any round-trip semantics.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	payload, err := parseHexBytes(req.Data)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	msg := avt.NewMessage(payload)
	if err := s.session.Send(msg); err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	s.broadcast(Frame{
		Dir:   "tx",
		Data:  msg.String(),
		Len:   msg.Len(),
		Stamp: time.Now().UnixMilli(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleSpeed runs the bus speed switch. For "high" the caller must already
// have issued the vehicle-side high-speed request; see Session.SetSpeed.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Speed string `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	var high bool
	switch req.Speed {
	case "high", "4x":
		high = true
	case "low", "1x":
		high = false
	default:
		http.Error(w, "speed must be \"high\" or \"low\"", 400)
		return
	}
	if err := s.session.SetSpeed(high); err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	major, minor := s.session.FirmwareVersion()
	st := StatusData{
		Connected: s.session.Connected(),
		Variant:   s.session.Variant().String(),
		Firmware:  fmt.Sprintf("%d.%d", major, minor),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"enabled":%t}`, s.tracer.IsEnabled())

	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		s.tracer.SetEnabled(req.Enabled)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// parseHexBytes decodes a hex string with optional whitespace separators,
// e.g. "6C 10 F1 3C 01".
func parseHexBytes(s string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(s), "")
	if cleaned == "" {
		return nil, fmt.Errorf("empty payload")
	}
	payload, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return payload, nil
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
