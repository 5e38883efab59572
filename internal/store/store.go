package store

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store 聚合全部集合访问；Directory（rooms）、Ledger（pending_requests）、
// Content（messages）与用户/令牌各占一个文件。
type Store struct {
	rooms    *mongo.Collection
	requests *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
	tokens   *mongo.Collection
}

func New(mdb *mongo.Database) *Store {
	return &Store{
		rooms:    mdb.Collection("rooms"),
		requests: mdb.Collection("pending_requests"),
		messages: mdb.Collection("messages"),
		users:    mdb.Collection("users"),
		tokens:   mdb.Collection("refresh_tokens"),
	}
}

func parseID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, ErrNotFound
	}
	return id, nil
}
