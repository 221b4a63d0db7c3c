package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/solenoid-labs/cardterm/protocol"
	"github.com/solenoid-labs/cardterm/reader"
)

// wsClient serializes writes to one websocket connection. The broadcast
// pump and the request dispatcher both write to it, and gorilla/websocket
// permits only one concurrent writer per connection.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleWebSocket upgrades the connection and serves client requests until
// disconnect. One controlling session at a time; the secret query
// parameter must match the configured API secret when one is set.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := s.session.Acquire(r.URL.Query().Get("secret"), r.Header.Get("Origin"), r.RemoteAddr)
	if token == "" {
		s.log.Warn().Str("ip", r.RemoteAddr).Msg("websocket rejected")
		http.Error(w, "Session unavailable", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.session.Release()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.log.Info().Str("ip", r.RemoteAddr).Msg("client connected")

	client := &wsClient{conn: conn}

	s.clientsMux.Lock()
	s.clients[client] = true
	s.clientsMux.Unlock()

	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, client)
		s.clientsMux.Unlock()
		conn.Close()
		s.session.Release()
		s.log.Info().Str("ip", r.RemoteAddr).Msg("client disconnected")
	}()

	// Initial reader inventory.
	client.writeJSON(&protocol.Message{
		Type:    protocol.TypeReaderList,
		Payload: s.readerList(),
	})

	for {
		var req protocol.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.session.RefreshTimeout()
		s.dispatch(client, req)
	}
}

func (s *Server) dispatch(c *wsClient, req protocol.Request) {
	switch req.Type {
	case protocol.TypeListReaders:
		s.respond(c, req, protocol.TypeReaderList, s.readerList())

	case protocol.TypeBeginTransaction:
		m, err := s.monitorFromRequest(req)
		if err == nil {
			err = m.BeginTransaction()
		}
		s.respondResult(c, req, protocol.TypeAck, nil, err)

	case protocol.TypeEndTransaction:
		m, err := s.monitorFromRequest(req)
		if err == nil {
			err = m.EndTransaction()
		}
		s.respondResult(c, req, protocol.TypeAck, nil, err)

	case protocol.TypeAcknowledge:
		m, err := s.monitorFromRequest(req)
		if err == nil {
			m.Acknowledge()
		}
		s.respondResult(c, req, protocol.TypeAck, nil, err)

	case protocol.TypeTransmit:
		s.handleTransmit(c, req)

	default:
		s.sendError(c, req.ID, fmt.Sprintf("unknown message type %q", req.Type))
	}
}

// handleTransmit runs a batch of APDUs against one reader inside the
// current transaction. The batch stops at the first failing exchange.
func (s *Server) handleTransmit(c *wsClient, req protocol.Request) {
	m, err := s.monitorFromRequest(req)
	if err != nil {
		s.sendError(c, req.ID, err.Error())
		return
	}

	rawAPDUs, ok := req.Payload["apdus"].([]any)
	if !ok || len(rawAPDUs) == 0 {
		s.sendError(c, req.ID, "payload must carry a non-empty apdus array")
		return
	}

	result := protocol.TransmitResult{Reader: m.Reader().Name()}
	for _, raw := range rawAPDUs {
		str, ok := raw.(string)
		if !ok {
			s.sendError(c, req.ID, "apdus entries must be hex strings")
			return
		}
		apdu, err := protocol.DecodeAPDU(str)
		if err != nil {
			s.sendError(c, req.ID, err.Error())
			return
		}

		resp, err := m.Transmit(apdu)
		if err != nil {
			s.log.Warn().Str("reader", result.Reader).Err(err).Msg("transmit failed")
			s.respondResult(c, req, protocol.TypeTransmitResponse, result, err)
			return
		}
		result.Responses = append(result.Responses, protocol.EncodeAPDU(resp))
	}

	s.respond(c, req, protocol.TypeTransmitResponse, result)
}

// monitorFromRequest resolves the target reader named in the request
// payload.
func (s *Server) monitorFromRequest(req protocol.Request) (*reader.Monitor, error) {
	name, _ := req.Payload["reader"].(string)
	if name == "" {
		return nil, fmt.Errorf("payload must name a reader")
	}
	m, ok := s.config.Registry.Monitor(name)
	if !ok {
		return nil, fmt.Errorf("reader %s is not registered", name)
	}
	return m, nil
}

func (s *Server) respond(c *wsClient, req protocol.Request, typ string, payload any) {
	s.writeResponse(c, protocol.Response{
		ID:      req.ID,
		Type:    typ,
		Success: true,
		Payload: payload,
	})
}

func (s *Server) respondResult(c *wsClient, req protocol.Request, typ string, payload any, err error) {
	resp := protocol.Response{
		ID:      req.ID,
		Type:    typ,
		Success: err == nil,
		Payload: payload,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeResponse(c, resp)
}

func (s *Server) sendError(c *wsClient, requestID, message string) {
	s.writeResponse(c, protocol.Response{
		ID:      requestID,
		Type:    protocol.TypeError,
		Success: false,
		Error:   message,
	})
}

func (s *Server) writeResponse(c *wsClient, resp protocol.Response) {
	if err := c.writeJSON(resp); err != nil {
		s.log.Warn().Err(err).Msg("websocket response write failed")
	}
}
