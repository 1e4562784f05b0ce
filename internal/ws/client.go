package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// IncomingFrame — входящий кадр клиента. По сокету ходят только лёгкие
// сигналы; отправка и редактирование сообщений идут через REST.
type IncomingFrame struct {
	Type           event.Type `json:"type"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	IsTyping       bool       `json:"is_typing,omitempty"`
}

// bufPool переиспользует bytes.Buffer для JSON-кодирования в горячем пути (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client — одно WebSocket-подключение.
// Жизненный цикл: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan event.Envelope
	userID string
	connID string
	device string

	// roomIDs принадлежит хабу и меняется только под его мьютексом.
	roomIDs map[string]struct{}

	// done — неблокирующий сторож в sendToClient.
	done chan struct{}
	// cancel обрывает контекст Start и этим гасит обе помпы.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, connID, device string, sendBufSize int) *Client {
	if sendBufSize <= 0 {
		sendBufSize = 256
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan event.Envelope, sendBufSize),
		userID:  userID,
		connID:  connID,
		device:  device,
		roomIDs: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Start запускает помпы чтения и записи с управляемым жизненным циклом.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait блокирует до выхода обеих помп.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close останавливает клиента. Безопасен для повторных вызовов из любой горутины.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Обе помпы разблокируются: ReadMessage / WriteMessage вернут ошибку.
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if c.hub.events != nil {
			c.hub.events.Heartbeat(c.userID, c.connID)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var f IncomingFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			continue
		}

		c.hub.handleFrame(ctx, c, f)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(env); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder дописывает '\n'; для текстового кадра он лишний.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
