package ws

import (
	"context"
	"sync"
	"time"

	"github.com/iamarpitsharma/Cryptalk/internal/config"
	"github.com/iamarpitsharma/Cryptalk/internal/metrics"
	"github.com/iamarpitsharma/Cryptalk/internal/models"
)

// Store 是 Hub 依赖的持久层能力子集，生产实现为 *store.Store。
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	RoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
	AddMember(ctx context.Context, roomID, userID, role string) error
	UpdateActivity(ctx context.Context, roomID string) error
	SetOnline(ctx context.Context, userID string, online bool) error

	InsertPendingIfAbsent(ctx context.Context, roomID, requesterID, requesterName string, ttl time.Duration) (*models.PendingRequest, bool, error)
	FindPending(ctx context.Context, roomID, requesterID string) (*models.PendingRequest, error)
	ResolvePending(ctx context.Context, requestID, roomID, requesterID, status string) (*models.PendingRequest, error)
	ListPendingForApprover(ctx context.Context, userID string) ([]models.PendingRequest, error)

	SaveMessage(ctx context.Context, msg *models.Message) error
	MarkViewed(ctx context.Context, messageID, userID string) (*models.Message, error)
	MarkDestroyed(ctx context.Context, messageID string) error
}

// Hub 持有全部房间的扇出状态、在线表与自毁定时器。所有校验都在
// 事件进入房间临界区之前完成，临界区内只做集合操作和入队。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*roomHub

	presence *Presence
	destruct *Destructor
	store    Store

	requestTTL  time.Duration
	maxDestruct int
}

func NewHub(st Store, cfg config.Config) *Hub {
	h := &Hub{
		rooms:       make(map[string]*roomHub),
		presence:    NewPresence(),
		store:       st,
		requestTTL:  time.Duration(cfg.PendingRequestTTLHours) * time.Hour,
		maxDestruct: cfg.MaxSelfDestructSeconds,
	}
	h.destruct = NewDestructor(st, h.notifyDestroyed)
	return h
}

// room 惰性创建房间扇出器，双重检查避免写锁热路径。
func (h *Hub) room(roomID string) *roomHub {
	h.mu.RLock()
	rh, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if ok {
		return rh
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rh, ok = h.rooms[roomID]; ok {
		return rh
	}
	rh = newRoomHub(roomID)
	h.rooms[roomID] = rh
	return rh
}

// Online 返回房间当前的订阅连接数。
func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	rh, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return rh.size()
}

// Presence 暴露在线表，供 REST 层查询。
func (h *Hub) Presence() *Presence { return h.presence }

func (h *Hub) subscribe(c *Client, roomID string) {
	h.room(roomID).add(c)
	c.trackRoom(roomID)
}

func (h *Hub) unsubscribe(c *Client, roomID string) {
	h.room(roomID).remove(c)
	c.untrackRoom(roomID)
}

func (h *Hub) broadcast(roomID string, data []byte) {
	h.room(roomID).fanout(data, nil)
}

func (h *Hub) broadcastExcept(roomID string, except *Client, data []byte) {
	h.room(roomID).fanout(data, except)
}

func (h *Hub) notifyDestroyed(roomID, messageID string) {
	h.broadcast(roomID, encode(MessageDestroyedEvent{
		Type:      EventMessageDestroyed,
		RoomID:    roomID,
		MessageID: messageID,
	}))
}

// roomHub 是单个房间的扇出器。fanout 在整个投递循环内持锁，因此
// 同一房间的事件顺序即加锁顺序；循环内只有非阻塞入队，不会把锁
// 扣在任何存储调用上。
type roomHub struct {
	roomID  string
	mu      sync.Mutex
	clients map[*Client]bool
}

func newRoomHub(roomID string) *roomHub {
	return &roomHub{roomID: roomID, clients: make(map[*Client]bool)}
}

func (rh *roomHub) add(c *Client) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.clients[c] = true
}

func (rh *roomHub) remove(c *Client) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.clients, c)
}

func (rh *roomHub) size() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return len(rh.clients)
}

func (rh *roomHub) fanout(data []byte, except *Client) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	for c := range rh.clients {
		if c == except {
			continue
		}
		if !c.enqueue(data) {
			metrics.WsDroppedFrames.Inc()
		}
	}
}
