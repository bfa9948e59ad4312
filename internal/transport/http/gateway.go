package http

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/domain"
)

// GatewayConfig holds websocket connection limits.
type GatewayConfig struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

// Gateway tracks the websocket connection bound to each (room, player) and
// delivers session events to them. It implements app.Broadcaster.
type Gateway struct {
	config GatewayConfig

	mu    sync.RWMutex
	rooms map[string]map[string]*connection

	// joins serializes bind and join for the same (room, player).
	joins [32]sync.Mutex
}

type connection struct {
	id       string
	roomID   string
	playerID string
	conn     *websocket.Conn
	send     chan []byte
	config   GatewayConfig

	closeOnce sync.Once
	done      chan struct{}
}

func NewGateway(config GatewayConfig) *Gateway {
	return &Gateway{
		config: config,
		rooms:  make(map[string]map[string]*connection),
	}
}

func (g *Gateway) newConnection(conn *websocket.Conn, roomID, playerID string) *connection {
	return &connection{
		id:       uuid.NewString(),
		roomID:   roomID,
		playerID: playerID,
		conn:     conn,
		send:     make(chan []byte, g.config.SendBuffer),
		config:   g.config,
		done:     make(chan struct{}),
	}
}

// bind makes c the active connection of its player, superseding any older one.
func (g *Gateway) bind(c *connection) {
	g.mu.Lock()
	players := g.rooms[c.roomID]
	if players == nil {
		players = make(map[string]*connection)
		g.rooms[c.roomID] = players
	}
	previous := players[c.playerID]
	players[c.playerID] = c
	g.mu.Unlock()

	if previous != nil {
		log.Info().
			Str("room_id", c.roomID).
			Str("player_id", c.playerID).
			Str("connection_id", previous.id).
			Msg("connection superseded")
		previous.enqueue(mustMarshal(domain.Event{Type: domain.EventSuperseded, Payload: struct{}{}}))
		previous.close()
	}
}

// attach binds c and runs join under the player's join lock, so the room sees
// joins in the order the gateway binds connections. A failed join unbinds c.
func (g *Gateway) attach(c *connection, join func() error) error {
	lock := g.joinLock(c.roomID, c.playerID)
	lock.Lock()
	defer lock.Unlock()

	g.bind(c)
	if err := join(); err != nil {
		g.unbind(c)
		return err
	}
	return nil
}

func (g *Gateway) joinLock(roomID, playerID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(playerID))
	return &g.joins[h.Sum32()%uint32(len(g.joins))]
}

// unbind forgets c and reports whether it was still the player's active connection.
func (g *Gateway) unbind(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	players := g.rooms[c.roomID]
	if players[c.playerID] != c {
		return false
	}
	delete(players, c.playerID)
	if len(players) == 0 {
		delete(g.rooms, c.roomID)
	}
	return true
}

func (g *Gateway) isCurrent(c *connection) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[c.roomID][c.playerID] == c
}

func (g *Gateway) Broadcast(roomID string, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event for broadcast")
		return
	}

	g.mu.RLock()
	targets := make([]*connection, 0, len(g.rooms[roomID]))
	for _, c := range g.rooms[roomID] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.deliver(c, data)
	}
	if event.Type == domain.EventRoomClosed {
		for _, c := range targets {
			c.close()
		}
	}
}

func (g *Gateway) SendTo(roomID, playerID string, event domain.Event) {
	g.mu.RLock()
	c := g.rooms[roomID][playerID]
	g.mu.RUnlock()
	if c == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event")
		return
	}
	g.deliver(c, data)
}

// deliver never blocks: a client that cannot keep up is disconnected and
// recovers through the snapshot it gets on reconnect.
func (g *Gateway) deliver(c *connection, data []byte) {
	if c.enqueue(data) {
		return
	}
	log.Warn().
		Str("connection_id", c.id).
		Str("player_id", c.playerID).
		Msg("connection send buffer full, closing connection")
	c.close()
}

// Connections returns the number of bound connections per room.
func (g *Gateway) Connections() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[string]int, len(g.rooms))
	for roomID, players := range g.rooms {
		counts[roomID] = len(players)
	}
	return counts
}

func (c *connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *connection) sendEvent(eventType string, payload any) {
	c.enqueue(mustMarshal(domain.Event{Type: eventType, Payload: payload}))
}

// writePump owns all writes to the socket. Queued messages are flushed before
// a close so the client sees why it was disconnected.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write message to websocket")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case message := <-c.send:
					if err := c.write(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func mustMarshal(event domain.Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return data
}
