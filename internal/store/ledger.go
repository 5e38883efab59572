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

// InsertPendingIfAbsent 以 (room, requester, status=pending) 为键做原子 upsert：
// 并发的两次请求至多落下一条 pending 记录。created 为 false 表示命中已有记录。
func (s *Store) InsertPendingIfAbsent(ctx context.Context, roomID, requesterID, requesterName string, ttl time.Duration) (*models.PendingRequest, bool, error) {
	rid, err := parseID(roomID)
	if err != nil {
		return nil, false, err
	}
	uid, err := parseID(requesterID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	filter := bson.M{"room_id": rid, "requester_id": uid, "status": models.RequestPending}
	update := bson.M{"$setOnInsert": bson.M{
		"room_id":        rid,
		"requester_id":   uid,
		"requester_name": requesterName,
		"status":         models.RequestPending,
		"expires_at":     now.Add(ttl),
		"created_at":     now,
	}}
	res, err := s.requests.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	created, err := upsertCreated(res, err)
	if err != nil {
		return nil, false, err
	}

	var req models.PendingRequest
	if err := s.requests.FindOne(ctx, filter).Decode(&req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// The record expired between the upsert and the read; treat as absent.
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	return &req, created, nil
}

// upsertCreated 判定 upsert 的落盘结果。并发 upsert 在过滤条件都不命中时
// 可能都走插入路径，由 (room_id, requester_id) 上 status=pending 的唯一
// 部分索引挡下第二条；输家的重复键错误等价于“记录已存在”。
func upsertCreated(res *mongo.UpdateResult, err error) (bool, error) {
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

// FindPending 查询 (room, requester) 的未过期 pending 记录。
func (s *Store) FindPending(ctx context.Context, roomID, requesterID string) (*models.PendingRequest, error) {
	rid, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	uid, err := parseID(requesterID)
	if err != nil {
		return nil, err
	}
	filter := bson.M{
		"room_id":      rid,
		"requester_id": uid,
		"status":       models.RequestPending,
		"expires_at":   bson.M{"$gt": time.Now()},
	}
	var req models.PendingRequest
	if err := s.requests.FindOne(ctx, filter).Decode(&req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// ResolvePending 把指定请求从 pending 置为 approved/denied。过滤条件带上
// status=pending，并发响应只有一个成功，失败方收到 ErrNotFound。
func (s *Store) ResolvePending(ctx context.Context, requestID, roomID, requesterID, status string) (*models.PendingRequest, error) {
	id, err := parseID(requestID)
	if err != nil {
		return nil, err
	}
	rid, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	uid, err := parseID(requesterID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	filter := bson.M{
		"_id":          id,
		"room_id":      rid,
		"requester_id": uid,
		"status":       models.RequestPending,
		"expires_at":   bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"status": status, "resolved_at": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var req models.PendingRequest
	if err := s.requests.FindOneAndUpdate(ctx, filter, update, opts).Decode(&req); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// ListPendingForApprover 返回用户有审批权的所有房间里仍在等待的请求，
// 供重连时补发 join_request 通知。
func (s *Store) ListPendingForApprover(ctx context.Context, userID string) ([]models.PendingRequest, error) {
	rooms, err := s.RoomsForApprover(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	ids := make([]primitive.ObjectID, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	filter := bson.M{
		"room_id":    bson.M{"$in": ids},
		"status":     models.RequestPending,
		"expires_at": bson.M{"$gt": time.Now()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var reqs []models.PendingRequest
	if err := cursor.All(ctx, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}
