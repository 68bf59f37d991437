// Package dashboard serves the local operator UI surface: a JSON
// snapshot endpoint, a command endpoint, and a websocket that streams
// telemetry as it is published. Slow websocket clients are dropped
// rather than buffered.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bmscode-go/bus"
	"bmscode-go/protocol"
	"bmscode-go/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local operator surface, same-host tooling.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Intake is the shared command path; the dashboard never mutates state
// on its own.
type Intake interface {
	Handle(f protocol.Frame) (protocol.Frame, bool)
}

type Service struct {
	addr   string
	store  *store.Store
	intake Intake
	conn   *bus.Connection

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
}

func New(addr string, st *store.Store, intake Intake, conn *bus.Connection) *Service {
	return &Service{
		addr:    addr,
		store:   st,
		intake:  intake,
		conn:    conn,
		clients: map[*client]struct{}{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shctx)
	}()
	go func() {
		log.Printf("[dashboard] listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[dashboard] server: %v", err)
		}
	}()
	go s.fanout(ctx)
	return nil
}

// fanout relays bus telemetry to every connected websocket.
func (s *Service) fanout(ctx context.Context) {
	sub := s.conn.Subscribe(bus.Topic{"telemetry", "+"})
	defer s.conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Channel():
			b, ok := msg.Payload.([]byte)
			if !ok {
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- b:
				default:
					// Client is not keeping up; closing the channel
					// ends its write loop.
					delete(s.clients, c)
					close(c.send)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.store.Read()
	f, err := protocol.EncodeTelemetry(st.Snapshot, st.Derived, st.Safety, st.LastCommand)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(f.Payload)
}

// handleCommand accepts the same JSON command records as the framed
// transports and routes them through the one intake.
func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, ok := s.intake.Handle(protocol.Frame{Type: protocol.FrameCommand, Payload: body})
	if !ok {
		http.Error(w, "no reply", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if reply.Type == protocol.FrameError {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	w.Write(reply.Payload)
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[dashboard] upgrade: %v", err)
		return
	}
	c := &client{ws: ws, send: make(chan []byte, 8)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Printf("[dashboard] ws client %s connected", ws.RemoteAddr())

	go c.writeLoop()
	// Reads are discarded; their only job is detecting disconnects.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				s.drop(c)
				return
			}
		}
	}()
}

func (c *client) writeLoop() {
	defer c.ws.Close()
	for b := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (s *Service) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}
