// Package server exposes the card terminal over HTTP and WebSocket: reader
// discovery, card-cycle events, and APDU transactions driven by a remote
// client.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/solenoid-labs/cardterm/buildinfo"
	"github.com/solenoid-labs/cardterm/protocol"
	"github.com/solenoid-labs/cardterm/reader"
)

// mDNS registration parameters for terminal auto-discovery.
const (
	MDNSServiceType = "_cardterm._tcp"
	MDNSDomain      = "local."

	DefaultSessionTimeout = 60 * time.Second
)

// Config holds the server configuration.
type Config struct {
	Registry       *reader.Registry
	Port           int
	APISecret      string // Optional secret required to claim the session
	SessionTimeout time.Duration
	Log            zerolog.Logger
}

// Server serves the terminal API and pushes reader events to the connected
// client.
type Server struct {
	config  Config
	log     zerolog.Logger
	session *SessionManager

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	mdns       *zeroconf.Server

	clients    map[*wsClient]bool
	clientsMux sync.Mutex
	upgrader   websocket.Upgrader

	pumps sync.WaitGroup
}

// New creates a server over the given reader registry.
func New(config Config) *Server {
	if config.SessionTimeout == 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	return &Server{
		config:  config,
		log:     config.Log,
		session: NewSessionManager(config.APISecret, config.SessionTimeout, config.Log),
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving and registers the mDNS service. Non-blocking; the
// server runs until Stop.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/readers", s.handleReaders)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}

	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("terminal server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := s.startMDNS(); err != nil {
		// Discovery is best effort; the server stays reachable by address.
		s.log.Warn().Err(err).Msg("mDNS registration failed")
	}
	return nil
}

// Stop shuts the server down gracefully and waits for event pumps to
// drain.
func (s *Server) Stop() {
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
		s.httpServer = nil
	}
	s.pumps.Wait()
}

func (s *Server) startMDNS() error {
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}
	srv, err := zeroconf.Register(buildinfo.Name, MDNSServiceType, MDNSDomain, s.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	s.mdns = srv
	s.log.Info().Int("port", s.config.Port).Msg("mDNS service registered")
	return nil
}

// AttachMonitor starts forwarding a monitor's card-cycle events to
// connected clients. When no client is connected, removal events are
// acknowledged automatically so the reader returns to waiting for the next
// card instead of stalling.
func (s *Server) AttachMonitor(m *reader.Monitor) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev, ok := <-m.Events():
				if !ok {
					return
				}
				s.forwardEvent(m, ev)
			}
		}
	}()
}

func (s *Server) forwardEvent(m *reader.Monitor, ev reader.Event) {
	payload := protocol.ReaderEventPayload{
		Reader:    ev.Reader,
		Timestamp: ev.Timestamp,
	}
	switch ev.Type {
	case reader.EventCardInserted:
		payload.Event = protocol.EventCardInserted
		payload.PowerOnData = protocol.EncodeAPDU(ev.PowerOnData)
	case reader.EventCardRemoved:
		payload.Event = protocol.EventCardRemoved
	case reader.EventMonitorError:
		payload.Event = protocol.EventMonitorError
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
	default:
		return
	}

	delivered := s.broadcast(&protocol.Message{
		ID:      uuid.NewString(),
		Type:    protocol.TypeReaderEvent,
		Payload: payload,
	})

	if ev.Type == reader.EventCardRemoved && delivered == 0 {
		m.Acknowledge()
	}
}

// broadcast sends a message to every connected client and returns how many
// received it. Failed clients are dropped.
func (s *Server) broadcast(msg *protocol.Message) int {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()

	delivered := 0
	for c := range s.clients {
		if err := c.writeJSON(msg); err != nil {
			s.log.Warn().Err(err).Msg("websocket write failed, dropping client")
			c.conn.Close()
			delete(s.clients, c)
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   buildinfo.FullVersion(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReaders lists the registered readers and their capabilities.
func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.readerList())
}

func (s *Server) readerList() []protocol.ReaderInfo {
	var infos []protocol.ReaderInfo
	for _, name := range s.config.Registry.Names() {
		m, ok := s.config.Registry.Monitor(name)
		if !ok {
			continue
		}
		caps := reader.BuildCapabilities(m.Reader())
		infos = append(infos, protocol.ReaderInfo{
			Name:               caps.Name,
			Contactless:        caps.Contactless,
			RemovalDetection:   caps.RemovalDetection,
			SupportedProtocols: caps.SupportedProtocols,
			DriverType:         caps.DriverType,
			State:              m.State().String(),
		})
	}
	return infos
}
