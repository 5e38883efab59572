package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/iamarpitsharma/Cryptalk/internal/metrics"
	"github.com/iamarpitsharma/Cryptalk/internal/models"
	"github.com/iamarpitsharma/Cryptalk/internal/store"
)

// Connect 将新连接接入 Hub：登记在线表、自动订阅已加入的房间、向
// 各房间广播上线事件，并补发该用户可审批的待处理加入请求。
func (h *Hub) Connect(ctx context.Context, c *Client) error {
	first := h.presence.Add(c)
	metrics.WsConnections.Inc()

	if first {
		if err := h.store.SetOnline(ctx, c.userID, true); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("mark online failed")
		}
	}

	rooms, err := h.store.RoomsForUser(ctx, c.userID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		rid := room.ID.Hex()
		h.subscribe(c, rid)
		h.broadcastExcept(rid, c, encode(PresenceEvent{
			Type:     EventUserOnline,
			RoomID:   rid,
			UserID:   c.userID,
			UserName: c.name,
		}))
	}

	// 审批人掉线期间积压的请求在重连时重放
	pending, err := h.store.ListPendingForApprover(ctx, c.userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("replay pending requests failed")
		return nil
	}
	for _, req := range pending {
		c.enqueue(encode(JoinRequestEvent{
			Type:          EventJoinRequest,
			RoomID:        req.RoomID.Hex(),
			RequesterID:   req.RequesterID.Hex(),
			RequesterName: req.RequesterName,
			RequestID:     req.ID.Hex(),
		}))
	}
	return nil
}

// Disconnect 注销连接。最后一条连接断开时落库离线状态；下线事件按
// 持久的成员关系广播，连接当前订阅了哪些房间不影响覆盖范围。
func (h *Hub) Disconnect(c *Client) {
	for _, rid := range c.roomIDs() {
		h.unsubscribe(c, rid)
	}

	last := h.presence.Remove(c)
	metrics.WsConnections.Dec()
	c.shutdown()

	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SetOnline(ctx, c.userID, false); err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("mark offline failed")
	}
	rooms, err := h.store.RoomsForUser(ctx, c.userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", c.userID).Msg("load rooms for offline broadcast failed")
		return
	}
	for _, room := range rooms {
		rid := room.ID.Hex()
		h.broadcast(rid, encode(PresenceEvent{
			Type:     EventUserOffline,
			RoomID:   rid,
			UserID:   c.userID,
			UserName: c.name,
		}))
	}
}

// RequestJoin 处理加入申请。已是成员（或创建者）直接重新订阅；否则
// 以“不存在才插入”的方式登记待处理请求，并通知创建者的在线连接。
func (h *Hub) RequestJoin(ctx context.Context, c *Client, roomID string) {
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.enqueue(joinResult(roomID, false, "Room not found"))
			return
		}
		c.sendError("Failed to request join")
		return
	}

	if room.IsMember(c.userID) || room.Creator.Hex() == c.userID {
		if !room.IsMember(c.userID) {
			// 创建者缺席成员列表时顺手修复目录
			if err := h.store.AddMember(ctx, roomID, c.userID, models.RoleAdmin); err != nil {
				c.sendError("Failed to request join")
				return
			}
		}
		h.subscribe(c, roomID)
		c.enqueue(joinResult(roomID, true, "Welcome back!"))
		return
	}

	req, created, err := h.store.InsertPendingIfAbsent(ctx, roomID, c.userID, c.name, h.requestTTL)
	if err != nil {
		c.sendError("Failed to request join")
		return
	}
	if !created {
		metrics.JoinRequestsTotal.WithLabelValues("duplicate").Inc()
		c.enqueue(joinResult(roomID, false, ErrDuplicateRequest.Error()))
		return
	}
	metrics.JoinRequestsTotal.WithLabelValues("created").Inc()

	evt := encode(JoinRequestEvent{
		Type:          EventJoinRequest,
		RoomID:        roomID,
		RequesterID:   c.userID,
		RequesterName: c.name,
		RequestID:     req.ID.Hex(),
	})
	for _, approver := range h.presence.Lookup(room.Creator.Hex()) {
		approver.enqueue(evt)
	}
	c.enqueue(joinResult(roomID, false, "You need permission to join this room"))
}

// RespondJoin 由审批人处理请求。待处理请求的状态转移是单赢家的：
// 并发响应中只有第一个生效，其余收到 not found。
func (h *Hub) RespondJoin(ctx context.Context, c *Client, a Action) {
	room, err := h.store.GetRoom(ctx, a.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError("Room not found")
			return
		}
		c.sendError("Failed to respond")
		return
	}
	if !room.CanApprove(c.userID) {
		c.sendError(ErrForbidden.Error())
		return
	}
	if a.Accepted && room.IsFull() {
		c.sendError(ErrCapacity.Error())
		return
	}

	requestID := a.RequestID
	if requestID == "" {
		req, err := h.store.FindPending(ctx, a.RoomID, a.RequesterID)
		if err != nil {
			c.sendError("No pending request found")
			return
		}
		requestID = req.ID.Hex()
	}

	status := models.RequestDenied
	if a.Accepted {
		status = models.RequestApproved
	}
	req, err := h.store.ResolvePending(ctx, requestID, a.RoomID, a.RequesterID, status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError("No pending request found")
			return
		}
		c.sendError("Failed to respond")
		return
	}

	if !a.Accepted {
		metrics.JoinRequestsTotal.WithLabelValues("denied").Inc()
		for _, rc := range h.presence.Lookup(a.RequesterID) {
			rc.enqueue(joinResult(a.RoomID, false, "Permission denied by room admin"))
		}
		return
	}

	if err := h.store.AddMember(ctx, a.RoomID, a.RequesterID, models.RoleMember); err != nil {
		log.Error().Err(err).Str("room_id", a.RoomID).Str("requester_id", a.RequesterID).Msg("add member failed")
		c.sendError("Failed to add member")
		return
	}
	metrics.JoinRequestsTotal.WithLabelValues("approved").Inc()

	for _, rc := range h.presence.Lookup(a.RequesterID) {
		h.subscribe(rc, a.RoomID)
		rc.enqueue(joinResult(a.RoomID, true, "Permission accepted! Welcome to the room."))
	}
	h.broadcast(a.RoomID, encode(PresenceEvent{
		Type:     EventUserJoined,
		RoomID:   a.RoomID,
		UserID:   a.RequesterID,
		UserName: req.RequesterName,
	}))
}

// Leave 取消本连接对房间的订阅并广播离开事件。成员资格本身由
// REST 层的退出接口处理。
func (h *Hub) Leave(c *Client, roomID string) {
	if !c.inRoom(roomID) {
		c.sendError("not subscribed to this room")
		return
	}
	h.unsubscribe(c, roomID)
	h.broadcast(roomID, encode(PresenceEvent{
		Type:     EventUserLeft,
		RoomID:   roomID,
		UserID:   c.userID,
		UserName: c.name,
	}))
}

// SendMessage 校验成员资格后落库并向整个房间（含发送者）扇出。
// 带自毁秒数的消息在发送时即武装定时器。
func (h *Hub) SendMessage(ctx context.Context, c *Client, a Action) {
	if strings.TrimSpace(a.Content) == "" {
		c.sendError("empty message")
		return
	}

	room, err := h.store.GetRoom(ctx, a.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError("Room not found")
			return
		}
		c.sendError("Failed to send message")
		return
	}
	if !room.IsMember(c.userID) {
		c.sendError(ErrForbidden.Error())
		return
	}

	senderID, err := primitive.ObjectIDFromHex(c.userID)
	if err != nil {
		c.sendError("Failed to send message")
		return
	}
	sd := a.SelfDestruct
	if sd < 0 {
		sd = 0
	}
	if sd > h.maxDestruct {
		sd = h.maxDestruct
	}

	msg := &models.Message{
		RoomID:       room.ID,
		Sender:       senderID,
		Content:      a.Content,
		IsEncrypted:  true,
		SelfDestruct: sd,
	}
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		c.sendError("Failed to send message")
		return
	}
	if err := h.store.UpdateActivity(ctx, a.RoomID); err != nil {
		log.Warn().Err(err).Str("room_id", a.RoomID).Msg("update activity failed")
	}
	metrics.WsMessagesTotal.Inc()

	h.broadcast(a.RoomID, encode(NewMessageEvent{
		Type:         EventNewMessage,
		ID:           msg.ID.Hex(),
		RoomID:       a.RoomID,
		Sender:       MessageSender{ID: c.userID, Name: c.name},
		Content:      msg.Content,
		IsEncrypted:  msg.IsEncrypted,
		SelfDestruct: sd,
		CreatedAt:    msg.CreatedAt,
	}))

	if sd > 0 {
		h.destruct.Arm(msg.ID.Hex(), a.RoomID, time.Duration(sd)*time.Second)
	}
}

// ViewMessage 记录查看者；若消息带自毁秒数且尚未销毁，幂等地武装
// 定时器（发送时已武装过则此处为 no-op）。
func (h *Hub) ViewMessage(ctx context.Context, c *Client, messageID string) {
	if messageID == "" {
		c.sendError("invalid message id")
		return
	}
	msg, err := h.store.MarkViewed(ctx, messageID, c.userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError("Message not found")
			return
		}
		log.Warn().Err(err).Str("message_id", messageID).Msg("mark viewed failed")
		c.sendError("Failed to view message")
		return
	}
	if msg.SelfDestruct > 0 && !msg.IsDeleted {
		h.destruct.Arm(msg.ID.Hex(), msg.RoomID.Hex(), time.Duration(msg.SelfDestruct)*time.Second)
	}
}

// Typing 向房间内其他订阅者转发输入状态，不落库。
func (h *Hub) Typing(c *Client, roomID string, typing bool) {
	if !c.inRoom(roomID) {
		return
	}
	evtType := EventUserStopTyping
	if typing {
		evtType = EventUserTyping
	}
	h.broadcastExcept(roomID, c, encode(PresenceEvent{
		Type:     evtType,
		RoomID:   roomID,
		UserID:   c.userID,
		UserName: c.name,
	}))
}
