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

// DestroyedMarker 自毁后替换消息正文的占位内容。
const DestroyedMarker = "[Message self-destructed]"

// SaveMessage 持久化一条新消息并回填 ID。
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	msg.ID = primitive.NewObjectID()
	msg.CreatedAt = time.Now()
	_, err := s.messages.InsertOne(ctx, msg)
	return err
}

// GetMessage 按 ID 查询消息。
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	id, err := parseID(messageID)
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// MarkViewed 记录用户首次查看；重复查看是 no-op，两种情况都返回最新文档。
func (s *Store) MarkViewed(ctx context.Context, messageID, userID string) (*models.Message, error) {
	mid, err := parseID(messageID)
	if err != nil {
		return nil, err
	}
	uid, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"_id": mid, "viewed_by.user": bson.M{"$ne": uid}}
	update := bson.M{"$push": bson.M{"viewed_by": models.MessageView{User: uid, ViewedAt: time.Now()}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg models.Message
	err = s.messages.FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
	if err == nil {
		return &msg, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	// Already viewed by this user, or the message does not exist.
	return s.GetMessage(ctx, messageID)
}

// MarkDestroyed 自毁落库：置删除标记并用占位内容覆盖正文。
func (s *Store) MarkDestroyed(ctx context.Context, messageID string) error {
	id, err := parseID(messageID)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"is_deleted": true,
			"deleted_at": now,
			"content":    DestroyedMarker,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MessagesByRoom 按时间升序返回房间内未删除的消息，beforeID 用于向前翻页。
func (s *Store) MessagesByRoom(ctx context.Context, roomID string, limit int, beforeID string) ([]models.Message, error) {
	rid, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filter := bson.M{"room_id": rid, "is_deleted": false}
	if beforeID != "" {
		bid, err := parseID(beforeID)
		if err != nil {
			return nil, err
		}
		filter["_id"] = bson.M{"$lt": bid}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var msgs []models.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
