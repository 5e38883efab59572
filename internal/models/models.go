package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 成员角色，取值需与存量文档保持一致。
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// 加入请求的状态机：pending 为唯一非终态。
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestDenied   = "denied"
	RequestExpired  = "expired"
)

type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name         string             `bson:"name" json:"name"`
	Email        string             `bson:"email" json:"email"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	PublicKey    string             `bson:"public_key" json:"public_key"`
	PrivateKey   string             `bson:"private_key" json:"-"`
	IsOnline     bool               `bson:"is_online" json:"is_online"`
	LastSeen     time.Time          `bson:"last_seen" json:"last_seen"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}

type RoomMember struct {
	User     primitive.ObjectID `bson:"user" json:"user"`
	Role     string             `bson:"role" json:"role"`
	JoinedAt time.Time          `bson:"joined_at" json:"joined_at"`
}

type Room struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name          string             `bson:"name" json:"name"`
	Description   string             `bson:"description" json:"description"`
	IsPrivate     bool               `bson:"is_private" json:"is_private"`
	Creator       primitive.ObjectID `bson:"creator" json:"creator"`
	Members       []RoomMember       `bson:"members" json:"members"`
	MaxMembers    int                `bson:"max_members" json:"max_members"`
	EncryptionKey string             `bson:"encryption_key" json:"-"`
	LastActivity  time.Time          `bson:"last_activity" json:"last_activity"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
}

type MessageView struct {
	User     primitive.ObjectID `bson:"user" json:"user"`
	ViewedAt time.Time          `bson:"viewed_at" json:"viewed_at"`
}

type Message struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RoomID       primitive.ObjectID `bson:"room_id" json:"room_id"`
	Sender       primitive.ObjectID `bson:"sender" json:"sender"`
	Content      string             `bson:"content" json:"content"`
	IsEncrypted  bool               `bson:"is_encrypted" json:"is_encrypted"`
	SelfDestruct int                `bson:"self_destruct,omitempty" json:"self_destruct,omitempty"`
	ViewedBy     []MessageView      `bson:"viewed_by,omitempty" json:"viewed_by,omitempty"`
	IsDeleted    bool               `bson:"is_deleted" json:"is_deleted"`
	DeletedAt    *time.Time         `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}

type PendingRequest struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RoomID        primitive.ObjectID `bson:"room_id" json:"room_id"`
	RequesterID   primitive.ObjectID `bson:"requester_id" json:"requester_id"`
	RequesterName string             `bson:"requester_name" json:"requester_name"`
	Status        string             `bson:"status" json:"status"`
	ExpiresAt     time.Time          `bson:"expires_at" json:"expires_at"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	ResolvedAt    *time.Time         `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

type RefreshToken struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    primitive.ObjectID `bson:"user_id"`
	Token     string             `bson:"token"`
	ExpiresAt time.Time          `bson:"expires_at"`
	RevokedAt *time.Time         `bson:"revoked_at,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

// IsMember 判断用户（hex 形式的 ID）是否在成员列表中。
func (r *Room) IsMember(userID string) bool {
	_, ok := r.MemberRole(userID)
	return ok
}

// MemberRole 返回用户在房间内的角色。
func (r *Room) MemberRole(userID string) (string, bool) {
	for _, m := range r.Members {
		if m.User.Hex() == userID {
			return m.Role, true
		}
	}
	return "", false
}

// CanApprove 判断用户是否有权审批加入请求：创建者恒有权限，
// 其余成员需要 admin 或 moderator 角色。
func (r *Room) CanApprove(userID string) bool {
	if r.Creator.Hex() == userID {
		return true
	}
	role, ok := r.MemberRole(userID)
	return ok && (role == RoleAdmin || role == RoleModerator)
}

// IsFull 判断房间是否已达成员上限；MaxMembers<=0 视为不限。
func (r *Room) IsFull() bool {
	return r.MaxMembers > 0 && len(r.Members) >= r.MaxMembers
}
