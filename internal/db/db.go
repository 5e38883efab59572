package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iamarpitsharma/Cryptalk/internal/models"
)

// Connect 建立到 MongoDB 的连接，并带有简单的重试来等待容器就绪。
func Connect(uri string) (*mongo.Client, error) {
	var client *mongo.Client
	var err error
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				cancel()
				return client, nil
			}
		}
		cancel()
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// EnsureIndexes 创建运行所需的全部索引。pending_requests 上的 TTL 索引
// 负责加入请求的自动过期（expires_at 到点即删）。
func EnsureIndexes(ctx context.Context, mdb *mongo.Database) error {
	_, err := mdb.Collection("users").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = mdb.Collection("rooms").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members.user", Value: 1}}},
		{Keys: bson.D{{Key: "creator", Value: 1}}},
		{Keys: bson.D{{Key: "last_activity", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = mdb.Collection("messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = mdb.Collection("pending_requests").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "status", Value: 1}}},
		// 唯一部分索引兜底“不存在才插入”的 upsert：并发请求只有一条能落盘
		{
			Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "requester_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": models.RequestPending}),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return err
	}
	_, err = mdb.Collection("refresh_tokens").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}
