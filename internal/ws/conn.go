package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/iamarpitsharma/Cryptalk/internal/auth"
	"github.com/iamarpitsharma/Cryptalk/internal/config"
	"github.com/iamarpitsharma/Cryptalk/internal/store"
)

// Client 是一条已鉴权的 WebSocket 连接。同一用户可以有多条连接，
// 每条独立订阅房间；send 在多个房间扇出器之间共享，因此只在
// shutdown 中经 done 通知 writePump 退出，从不关闭。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	userID string
	name   string

	mu    sync.Mutex
	rooms map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, userID, name string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		userID: userID,
		name:   name,
		rooms:  make(map[string]bool),
	}
}

// enqueue 非阻塞入队，队列满时丢帧并返回 false。
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done: // 已关停的连接直接丢弃
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue(encode(ErrorEvent{Type: EventError, Message: msg}))
}

func (c *Client) trackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = true
}

func (c *Client) untrackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Client) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

func (c *Client) roomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Client) shutdown() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 完成鉴权、协议升级并运行读写泵。鉴权走与 REST 相同的
// access token，WS 场景额外支持 token 查询参数。
func Serve(h *Hub, st *store.Store, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := st.UserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, user.ID.Hex(), user.Name)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = h.Connect(ctx, client)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("user_id", client.userID).Msg("ws connect failed")
			_ = conn.Close()
			h.Disconnect(client)
			return
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			c.sendError("invalid payload")
			continue
		}
		c.dispatch(a)
	}
}

func (c *Client) dispatch(a Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch a.Type {
	case ActionRequestJoin:
		c.hub.RequestJoin(ctx, c, a.RoomID)
	case ActionJoinResponse:
		c.hub.RespondJoin(ctx, c, a)
	case ActionLeaveRoom:
		c.hub.Leave(c, a.RoomID)
	case ActionSendMessage:
		c.hub.SendMessage(ctx, c, a)
	case ActionViewMessage:
		c.hub.ViewMessage(ctx, c, a.MessageID)
	case ActionTypingStart:
		c.hub.Typing(c, a.RoomID, true)
	case ActionTypingStop:
		c.hub.Typing(c, a.RoomID, false)
	default:
		c.sendError("unknown action")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
