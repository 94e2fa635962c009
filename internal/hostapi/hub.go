package hostapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaymd/internal/hostproto"
)

const (
	wsWriteWait   = 10 * time.Second
	wsSendBacklog = 32
)

type wsClient struct {
	documentID string
	name       string
	send       chan hostproto.Message
}

type hub struct {
	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: map[string]map[*wsClient]struct{}{}}
}

func (h *hub) join(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.documentID]
	if !ok {
		set = map[*wsClient]struct{}{}
		h.clients[c.documentID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.documentID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.documentID)
	}
}

func (h *hub) count(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[documentID])
}

// broadcast queues msg for every session on the document except exclude.
func (h *hub) broadcast(documentID string, msg hostproto.Message, exclude *wsClient) {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients[documentID]))
	for c := range h.clients[documentID] {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		pushMessage(c.send, msg)
	}
}

// pushMessage never blocks. A slow session loses its oldest queued frame,
// which for value frames is always superseded by a newer one.
func pushMessage(ch chan hostproto.Message, msg hostproto.Message) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, documentID string, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logf("websocket accept for %s failed: %v", documentID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session closed")
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		documentID: documentID,
		name:       claims.ClientName,
		send:       make(chan hostproto.Message, wsSendBacklog),
	}
	s.hub.join(client)
	defer s.hub.leave(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx, conn, client)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			<-writerDone
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		msg, err := hostproto.Decode(data)
		if err != nil {
			pushMessage(client.send, hostproto.ErrorMessage("invalid_message", err.Error()))
			continue
		}
		switch msg.Type {
		case hostproto.TypeEnvelope:
			if !claims.has(scopeWrite) {
				pushMessage(client.send, hostproto.ErrorMessage("forbidden", "missing required scope: "+scopeWrite))
				continue
			}
			ack, err := s.applyEnvelope(ctx, documentID, *msg.Envelope, client)
			if err != nil {
				s.logf("websocket envelope for %s failed: %v", documentID, err)
				pushMessage(client.send, hostproto.ErrorMessage(errorCode(err), err.Error()))
				continue
			}
			pushMessage(client.send, ack)
		case hostproto.TypeLayout:
			s.setLayout(documentID, *msg.Height, client)
		default:
			pushMessage(client.send, hostproto.ErrorMessage("invalid_message", "unsupported type: "+msg.Type))
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logf("websocket ping for %s failed: %v", client.documentID, err)
				return
			}
		}
	}
}

func errorCode(err error) string {
	if errors.Is(err, ErrInvalidEnvelope) {
		return "invalid_envelope"
	}
	return "internal_error"
}
