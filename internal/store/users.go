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

// CreateUser 创建新用户；email 唯一索引冲突映射为 ErrDuplicate。
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = primitive.NewObjectID()
	user.CreatedAt = time.Now()
	user.LastSeen = user.CreatedAt
	_, err := s.users.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// UserByEmail 按邮箱查询用户。
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UserByID 按 ID 查询用户。
func (s *Store) UserByID(ctx context.Context, userID string) (*models.User, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetOnline 更新用户在线标记与最近在线时间。
func (s *Store) SetOnline(ctx context.Context, userID string, online bool) error {
	id, err := parseID(userID)
	if err != nil {
		return err
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_online": online, "last_seen": time.Now()}},
	)
	return err
}

// SaveRefreshToken 持久化一条新的 refresh token。
func (s *Store) SaveRefreshToken(ctx context.Context, userID primitive.ObjectID, token string, expiresAt time.Time) error {
	_, err := s.tokens.InsertOne(ctx, models.RefreshToken{
		ID:        primitive.NewObjectID(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
	return err
}

// RevokeRefreshToken 原子地吊销一条有效的 refresh token 并返回其记录，
// 旋转刷新依赖这一步的单赢语义：同一 token 并发刷新只有一次成功。
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	now := time.Now()
	filter := bson.M{
		"token":      token,
		"revoked_at": bson.M{"$exists": false},
		"expires_at": bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"revoked_at": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var rt models.RefreshToken
	if err := s.tokens.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rt); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rt, nil
}
