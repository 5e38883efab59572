package store

import (
	"context"
	"errors"
	"time"

	"github.com/iamarpitsharma/Cryptalk/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GetRoom 按 ID 查询房间。
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	id, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	var room models.Room
	if err := s.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// RoomsForUser 返回用户作为成员所在的全部房间。
func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	cursor, err := s.rooms.Find(ctx, bson.M{"members.user": id})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var rooms []models.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomsForApprover 返回用户有审批权的房间：创建者，或 admin/moderator 成员。
func (s *Store) RoomsForApprover(ctx context.Context, userID string) ([]models.Room, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"creator": id},
		bson.M{"members": bson.M{"$elemMatch": bson.M{
			"user": id,
			"role": bson.M{"$in": bson.A{models.RoleAdmin, models.RoleModerator}},
		}}},
	}}
	cursor, err := s.rooms.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var rooms []models.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// VisibleRooms 返回用户可见的房间：成员、公开或自己创建的，按活跃度排序。
func (s *Store) VisibleRooms(ctx context.Context, userID string) ([]models.Room, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"members.user": id},
		bson.M{"is_private": false},
		bson.M{"creator": id},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}}).SetLimit(100)
	cursor, err := s.rooms.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var rooms []models.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom 创建房间并把创建者写入成员列表（admin）。
func (s *Store) CreateRoom(ctx context.Context, room *models.Room) error {
	now := time.Now()
	room.ID = primitive.NewObjectID()
	room.CreatedAt = now
	room.LastActivity = now
	if room.MaxMembers == 0 {
		room.MaxMembers = 100
	}
	room.Members = append(room.Members, models.RoomMember{
		User: room.Creator, Role: models.RoleAdmin, JoinedAt: now,
	})
	_, err := s.rooms.InsertOne(ctx, room)
	return err
}

// AddMember 把用户追加进成员列表；已是成员则为 no-op。
// 过滤条件里的 $ne 保证并发追加不会产生重复成员。
func (s *Store) AddMember(ctx context.Context, roomID, userID, role string) error {
	rid, err := parseID(roomID)
	if err != nil {
		return err
	}
	uid, err := parseID(userID)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": rid, "members.user": bson.M{"$ne": uid}}
	update := bson.M{"$push": bson.M{"members": models.RoomMember{
		User: uid, Role: role, JoinedAt: time.Now(),
	}}}
	_, err = s.rooms.UpdateOne(ctx, filter, update)
	return err
}

// RemoveMember 把用户从成员列表移除（显式退出房间）。
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	rid, err := parseID(roomID)
	if err != nil {
		return err
	}
	uid, err := parseID(userID)
	if err != nil {
		return err
	}
	res, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": rid},
		bson.M{"$pull": bson.M{"members": bson.M{"user": uid}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateActivity 刷新房间最近活跃时间。
func (s *Store) UpdateActivity(ctx context.Context, roomID string) error {
	rid, err := parseID(roomID)
	if err != nil {
		return err
	}
	_, err = s.rooms.UpdateOne(ctx,
		bson.M{"_id": rid},
		bson.M{"$set": bson.M{"last_activity": time.Now()}},
	)
	return err
}
