package repl

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/evalsock/frame"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// serveGateway serves the HTTP gateway on l until Stop is called.
// The gateway carries the same framed protocol over WebSocket binary messages, for clients that can speak
// WebSocket more easily than raw sockets.
func (s *Server) serveGateway(l net.Listener) error {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/repl", s.replWS)

	server := &http.Server{Handler: router}

	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.gateway = server
	s.mut.Unlock()

	s.logger.Infow("gateway listening", "Addr", l.Addr().String())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

type heartbeatResponse struct {
	LastHeartbeat string
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	b, err := json.Marshal(heartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
	if err != nil {
		s.logger.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// replWS runs a session over a WebSocket connection.
func (s *Server) replWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := s.logger.Named("gateway")
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	log.Debug("accepted WebSocket conn")

	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		wsConn.Close(websocket.StatusGoingAway, "server stopped")
		return
	}
	s.wg.Add(1)
	s.mut.Unlock()
	defer s.wg.Done()

	wsConn.SetReadLimit(wsReadLimit(s.maxBlobSize))

	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	err = s.ServeConn(r.Context(), conn)
	if err != nil {
		log.Errorw("unexpected error from WebSocket session", "Error", err)
	}
}

// wsReadLimit is the largest WebSocket message a peer may send. Every WriteSome becomes one message, so no
// message is larger than a blob.
func wsReadLimit(maxBlobSize uint32) int64 {
	if maxBlobSize == 0 {
		maxBlobSize = frame.DefaultMaxBlobSize
	}
	return int64(maxBlobSize) + frame.HeaderSize
}
