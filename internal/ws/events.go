package ws

import (
	"encoding/json"
	"time"
)

// 客户端动作与服务端事件的类型标签。
const (
	ActionRequestJoin  = "request_join_room"
	ActionJoinResponse = "join_response"
	ActionLeaveRoom    = "leave_room"
	ActionSendMessage  = "send_message"
	ActionViewMessage  = "view_message"
	ActionTypingStart  = "typing_start"
	ActionTypingStop   = "typing_stop"

	EventJoinResult       = "join_result"
	EventJoinRequest      = "join_request"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stop_typing"
	EventNewMessage       = "new_message"
	EventMessageDestroyed = "message_destroyed"
	EventError            = "error"
)

// Action 是客户端经 WebSocket 发来的指令，按 Type 分发。
type Action struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id,omitempty"`
	RequesterID  string `json:"requester_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Accepted     bool   `json:"accepted,omitempty"`
	Content      string `json:"content,omitempty"`
	SelfDestruct int    `json:"self_destruct,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
}

type JoinResultEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

type JoinRequestEvent struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	RequestID     string `json:"request_id"`
}

// PresenceEvent 覆盖 user_online/user_offline/user_joined/user_left
// 以及 typing 信号，结构相同。
type PresenceEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"username"`
}

type MessageSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type NewMessageEvent struct {
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	RoomID       string        `json:"room_id"`
	Sender       MessageSender `json:"sender"`
	Content      string        `json:"content"`
	IsEncrypted  bool          `json:"is_encrypted"`
	SelfDestruct int           `json:"self_destruct,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

type MessageDestroyedEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// encode 序列化事件；事件结构只含可序列化字段，失败视为编程错误。
func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func joinResult(roomID string, accepted bool, message string) []byte {
	return encode(JoinResultEvent{Type: EventJoinResult, RoomID: roomID, Accepted: accepted, Message: message})
}
