// Package api exposes the node's command dispatcher over local HTTP and
// streams mesh events to websocket clients. It is a thin adapter: requests
// are parsed here and handed to the dispatcher, responses relayed verbatim.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"

	"meshnode/command"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local device API, no cross-origin policy
	},
}

type Server struct {
	addr       string
	dispatcher *command.Dispatcher
	hub        *Hub
}

func New(addr string, dispatcher *command.Dispatcher) *Server {
	return &Server{
		addr:       addr,
		dispatcher: dispatcher,
		hub:        NewHub(),
	}
}

// Hub returns the event hub mesh engines publish into.
func (s *Server) Hub() *Hub {
	return s.hub
}

// commandRequest is the transport-agnostic request shape.
type commandRequest struct {
	Command string          `json:"command"`
	Payload command.Payload `json:"payload"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// The peer is waiting on this socket, so unlike the mesh receive
		// paths a decode failure gets an explicit reply.
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Dispatch(req.Command, req.Payload))
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Dispatch("get_topology", nil))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("api: websocket upgrade: %v", err)
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 32)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("api: write response: %v", err)
	}
}

// Handler returns the route table; split out so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/topology", s.handleTopology)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Infof("api: listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
