package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/stream"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Client frames are small control messages
	maxMessageSize = 4 * 1024

	// Queued network notices per client
	noticeBuffer = 16
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var pongFrame = []byte(`{"type":"pong"}`)

// clientFrame is the only inbound shape the stream endpoint reads.
type clientFrame struct {
	Type string `json:"type"`
}

// wsClient is one WebSocket consumer of a single agent's stream.
// Stream events flow straight from the hub subscription, so a stalled
// peer backs up into the subscription buffer and surfaces as dropped
// markers instead of blocking publishers.
type wsClient struct {
	networkID string
	agentID   string
	conn      *gorillaws.Conn
	sub       *stream.Subscription
	notices   chan []byte
	log       *logger.Logger
}

// GET /api/v1/networks/:id/agents/:agentId/stream
func (s *Server) streamAgent(c *gin.Context) {
	networkID := c.Param("id")
	agentID := c.Param("agentId")
	if _, err := s.findAgent(networkID, agentID); err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	client := &wsClient{
		networkID: networkID,
		agentID:   agentID,
		conn:      conn,
		notices:   make(chan []byte, noticeBuffer),
		log: s.log.WithFields(
			zap.String("network_id", networkID),
			zap.String("agent_id", agentID)),
	}

	// Subscribe before reading the current seq so nothing published in
	// between can fall outside both.
	client.sub = s.hub.Subscribe(agentID, stream.SubscribeOptions{
		Buffer: s.cfg.Runtime.FanoutBuffer,
	})

	defer func() {
		s.clients.remove(client)
		client.sub.Unsubscribe()
		client.conn.Close()
	}()

	connected := stream.Event{
		Type:      stream.EventConnected,
		AgentID:   agentID,
		NetworkID: networkID,
		Seq:       s.hub.CurrentSeq(agentID),
		Timestamp: time.Now().UTC(),
	}
	if err := client.writeJSON(connected); err != nil {
		client.log.Debug("connected frame failed", zap.Error(err))
		return
	}

	s.clients.add(client)
	client.log.Debug("stream attached", zap.Uint64("seq", connected.Seq))

	go client.writePump()
	client.readPump()
}

func (c *wsClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.TextMessage, data)
}

// writePump is the sole writer on the connection. It forwards stream
// events, network notices and pings until the subscription or the
// connection ends.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				// Stream closed: unsubscribed or hub shutdown.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "stream closed"))
				return
			}
			if err := c.writeJSON(ev); err != nil {
				return
			}

		case data := <-c.notices:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames. Pings are answered with pongs;
// everything else is ignored. Returns when the connection dies.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure, gorillaws.CloseAbnormalClosure) {
				c.log.Debug("stream read ended", zap.Error(err))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			c.enqueueNotice(pongFrame)
		}
	}
}

// enqueueNotice hands a frame to the write pump without blocking. A
// full queue drops the frame; notices are advisory.
func (c *wsClient) enqueueNotice(data []byte) {
	select {
	case c.notices <- data:
	default:
	}
}
