package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/events"
)

const (
	sendHighWater = 256
	pingInterval  = 30 * time.Second
	// a connection missing this many consecutive pongs is closed
	maxMissedPongs = 2

	writeTimeout = 10 * time.Second
)

// overflowNotice is the single frame sent after the backpressure policy has
// dropped queued messages.
type overflowNotice struct {
	Type    string `json:"type"`
	Dropped int64  `json:"dropped"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// handleEventStream upgrades to a WebSocket and forwards traffic:persisted
// (and optionally traffic:alert) as JSON text frames.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	channels := []string{events.ChannelPersisted}
	if r.URL.Query().Get("alerts") == "1" {
		channels = append(channels, events.ChannelAlert)
	}

	sub, err := s.broker.Subscribe(r.Context(), channels...)
	if err != nil {
		s.log.Error("event stream subscribe", zap.Error(err))
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	s.metrics.WebsocketClients.Inc()
	defer s.metrics.WebsocketClients.Dec()
	s.log.Info("event stream client connected",
		zap.String("remote", r.RemoteAddr), zap.Strings("channels", channels))

	client := newStreamClient(conn)
	done := make(chan struct{})
	go client.writePump(done, s)
	go client.readPump()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				client.close()
				<-done
				return
			}
			if dropped := client.enqueue(msg.Payload); dropped {
				s.metrics.WebsocketDropped.Inc()
			}
		}
	}
}

// streamClient owns one WebSocket connection. The send queue is bounded:
// past the high-water mark the oldest frames are dropped and one overflow
// notice is queued for the episode.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte

	mu          sync.Mutex
	overflowing bool
	dropped     int64

	missedPongs int
	closeOnce   sync.Once
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{conn: conn, send: make(chan []byte, sendHighWater)}
}

// enqueue adds a frame, evicting the oldest when the queue is full. Returns
// whether a frame was dropped.
func (c *streamClient) enqueue(payload []byte) bool {
	droppedAny := false
	for {
		select {
		case c.send <- payload:
			return droppedAny
		default:
			select {
			case <-c.send:
				droppedAny = true
				c.mu.Lock()
				c.dropped++
				c.overflowing = true
				c.mu.Unlock()
			default:
			}
		}
	}
}

// takeOverflow returns the pending overflow notice, if the queue just
// drained after an overflow episode.
func (c *streamClient) takeOverflow() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.overflowing || len(c.send) > 0 {
		return nil, false
	}
	notice, err := json.Marshal(overflowNotice{Type: "overflow", Dropped: c.dropped})
	if err != nil {
		return nil, false
	}
	c.overflowing = false
	c.dropped = 0
	return notice, true
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// writePump drains the send queue and runs the ping/pong liveness check.
func (c *streamClient) writePump(done chan<- struct{}, s *Server) {
	defer close(done)
	defer c.close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
		return nil
	})

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if notice, ok := c.takeOverflow(); ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > maxMissedPongs {
				s.log.Info("event stream client unresponsive, closing")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process pong control frames
// and to notice the peer going away.
func (c *streamClient) readPump() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
