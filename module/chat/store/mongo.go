package store

import (
	"context"
	"errors"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 消息、回应、已读状态、会话摘要落 Mongo
type Mongo struct {
	msgColl     *mongo.Collection
	readColl    *mongo.Collection
	reactColl   *mongo.Collection
	summaryColl *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		msgColl:     db.Collection((&model.Message{}).Collection()),
		readColl:    db.Collection((&model.ReadState{}).Collection()),
		reactColl:   db.Collection((&model.Reaction{}).Collection()),
		summaryColl: db.Collection((&model.ConversationSummary{}).Collection()),
	}
}

// EnsureIndexes 启动时建索引（幂等）
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.msgColl, []mongo.IndexModel{
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "deleted", Value: 1}, {Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "parent_id", Value: 1}, {Key: "sent_at", Value: 1}}, Options: options.Index().SetSparse(true)},
		}},
		{s.readColl, []mongo.IndexModel{
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.reactColl, []mongo.IndexModel{
			// 每个 (message,user,emoji) 只有一行，移除/复活都是原地更新
			{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "emoji", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "is_removed", Value: 1}}},
		}},
	}
	for _, sp := range specs {
		if _, err := sp.coll.Indexes().CreateMany(ctx, sp.models); err != nil {
			return errs.Infra(err, "mongo create index "+sp.coll.Name())
		}
	}
	return nil
}

func (s *Mongo) Stores(dir Directory) Stores {
	return Stores{
		Messages:   mongoMessages{s},
		ReadStates: mongoReadStates{s},
		Reactions:  mongoReactions{s},
		Summaries:  mongoSummaries{s},
		Directory:  dir,
	}
}

func closeCursor(ctx context.Context, cur *mongo.Cursor) {
	_ = cur.Close(ctx)
}

// ===== messages =====

type mongoMessages struct{ s *Mongo }

func (m mongoMessages) Insert(ctx context.Context, msg *model.Message) error {
	if _, err := m.s.msgColl.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrConflict.WrapMsg("duplicate message id", "id", msg.ID)
		}
		return errs.Infra(err, "mongo insert message")
	}
	return nil
}

func (m mongoMessages) Get(ctx context.Context, id int64) (*model.Message, error) {
	var out model.Message
	if err := m.s.msgColl.FindOne(ctx, bson.M{"_id": id}).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
		}
		return nil, errs.Infra(err, "mongo get message")
	}
	return &out, nil
}

func (m mongoMessages) GetMany(ctx context.Context, idList []int64) ([]*model.Message, error) {
	if len(idList) == 0 {
		return nil, nil
	}
	cur, err := m.s.msgColl.Find(ctx, bson.M{"_id": bson.M{"$in": idList}})
	if err != nil {
		return nil, errs.Infra(err, "mongo get messages")
	}
	defer closeCursor(ctx, cur)
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Infra(err, "mongo decode messages")
	}
	return out, nil
}

func (m mongoMessages) UpdateBody(ctx context.Context, id int64, body string, editedAt time.Time) (*model.Message, error) {
	var out model.Message
	err := m.s.msgColl.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted": false},
		bson.M{"$set": bson.M{"body": body, "edited": true, "edited_at": editedAt}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
		}
		return nil, errs.Infra(err, "mongo update message")
	}
	return &out, nil
}

func (m mongoMessages) MarkDeleted(ctx context.Context, conversationID int64, idList []int64, at time.Time) ([]*model.Message, error) {
	if len(idList) == 0 {
		return nil, nil
	}
	filter := bson.M{"_id": bson.M{"$in": idList}, "conversation_id": conversationID, "deleted": false}
	// 先取再改：并发删除时可能多报，删除事件本身按 id 幂等
	cur, err := m.s.msgColl.Find(ctx, filter)
	if err != nil {
		return nil, errs.Infra(err, "mongo find messages")
	}
	var hit []*model.Message
	err = cur.All(ctx, &hit)
	closeCursor(ctx, cur)
	if err != nil {
		return nil, errs.Infra(err, "mongo decode messages")
	}
	if len(hit) == 0 {
		return nil, nil
	}
	if _, err := m.s.msgColl.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"deleted": true, "deleted_at": at}}); err != nil {
		return nil, errs.Infra(err, "mongo delete messages")
	}
	for _, x := range hit {
		x.Deleted = true
		t := at
		x.DeletedAt = &t
	}
	return hit, nil
}

func (m mongoMessages) Purge(ctx context.Context, id int64) error {
	if _, err := m.s.msgColl.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errs.Infra(err, "mongo purge message")
	}
	return nil
}

func (m mongoMessages) Latest(ctx context.Context, conversationID int64) (*model.Message, error) {
	var out model.Message
	err := m.s.msgColl.FindOne(ctx,
		bson.M{"conversation_id": conversationID, "deleted": false},
		options.FindOne().SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errs.Infra(err, "mongo latest message")
	}
	return &out, nil
}

func (m mongoMessages) CountAfter(ctx context.Context, conversationID int64, after time.Time) (int64, error) {
	n, err := m.s.msgColl.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"deleted":         false,
		"sent_at":         bson.M{"$gt": after},
	})
	if err != nil {
		return 0, errs.Infra(err, "mongo count messages")
	}
	return n, nil
}

func (m mongoMessages) List(ctx context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error) {
	filter := bson.M{"conversation_id": conversationID, "deleted": false}
	if !before.IsZero() {
		filter["sent_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.s.msgColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.Infra(err, "mongo list messages")
	}
	defer closeCursor(ctx, cur)
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Infra(err, "mongo decode messages")
	}
	return out, nil
}

func (m mongoMessages) Replies(ctx context.Context, parentID int64, limit int) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.s.msgColl.Find(ctx, bson.M{"parent_id": parentID, "deleted": false}, opts)
	if err != nil {
		return nil, errs.Infra(err, "mongo list replies")
	}
	defer closeCursor(ctx, cur)
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Infra(err, "mongo decode replies")
	}
	return out, nil
}

// ===== read states =====

type mongoReadStates struct{ s *Mongo }

func readKey(conversationID, userID int64) bson.M {
	return bson.M{"conversation_id": conversationID, "user_id": userID}
}

func (r mongoReadStates) Get(ctx context.Context, conversationID, userID int64) (*model.ReadState, error) {
	var out model.ReadState
	if err := r.s.readColl.FindOne(ctx, readKey(conversationID, userID)).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &model.ReadState{ConversationID: conversationID, UserID: userID}, nil
		}
		return nil, errs.Infra(err, "mongo get read state")
	}
	return &out, nil
}

func (r mongoReadStates) Advance(ctx context.Context, conversationID, userID int64, at time.Time, messageID int64) (*model.ReadState, error) {
	// 指针只在变大时写；$max 保证并发下也不会回退
	filter := readKey(conversationID, userID)
	filter["$or"] = bson.A{
		bson.M{"last_read_at": bson.M{"$lt": at}},
		bson.M{"last_read_at": bson.M{"$exists": false}},
	}
	_, err := r.s.readColl.UpdateOne(ctx, filter, bson.M{
		"$max": bson.M{"last_read_at": at},
		"$set": bson.M{"last_read_message_id": messageID, "updated_at": at},
		"$setOnInsert": bson.M{"unread_count": int64(0)},
	}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		// 唯一索引冲突：文档已存在且指针不小于 at，属于正常的“不推进”
		return nil, errs.Infra(err, "mongo advance read state")
	}
	return r.Get(ctx, conversationID, userID)
}

func (r mongoReadStates) SetUnread(ctx context.Context, conversationID, userID, unread int64) error {
	_, err := r.s.readColl.UpdateOne(ctx, readKey(conversationID, userID),
		bson.M{"$set": bson.M{"unread_count": unread}},
		options.Update().SetUpsert(true))
	if err != nil {
		return errs.Infra(err, "mongo set unread")
	}
	return nil
}

func (r mongoReadStates) ListByConversation(ctx context.Context, conversationID int64) ([]*model.ReadState, error) {
	cur, err := r.s.readColl.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, errs.Infra(err, "mongo list read states")
	}
	defer closeCursor(ctx, cur)
	var out []*model.ReadState
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Infra(err, "mongo decode read states")
	}
	return out, nil
}

// ===== reactions =====

type mongoReactions struct{ s *Mongo }

func reactionKey(messageID, userID int64, emoji string) bson.M {
	return bson.M{"message_id": messageID, "user_id": userID, "emoji": emoji}
}

func (r mongoReactions) Upsert(ctx context.Context, in *model.Reaction) (*model.Reaction, bool, error) {
	key := reactionKey(in.MessageID, in.UserID, in.Emoji)

	// 已移除的原地复活
	var out model.Reaction
	filter := bson.M{"message_id": in.MessageID, "user_id": in.UserID, "emoji": in.Emoji, "is_removed": true}
	err := r.s.reactColl.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"is_removed": false, "created_at": in.CreatedAt}, "$unset": bson.M{"removed_at": ""}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err == nil {
		return &out, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, errs.Infra(err, "mongo reactivate reaction")
	}

	id := in.ID
	if id == 0 {
		id = ids.Generate()
	}
	res, err := r.s.reactColl.UpdateOne(ctx, key, bson.M{"$setOnInsert": bson.M{
		"_id":        id,
		"created_at": in.CreatedAt,
		"is_removed": false,
	}}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, errs.Infra(err, "mongo upsert reaction")
	}
	// 并发插入时唯一索引兜底，只有真正插入的一方 changed=true
	changed := err == nil && res.UpsertedCount > 0
	if err := r.s.reactColl.FindOne(ctx, key).Decode(&out); err != nil {
		return nil, false, errs.Infra(err, "mongo get reaction")
	}
	return &out, changed, nil
}

func (r mongoReactions) SoftRemove(ctx context.Context, messageID, userID int64, emoji string, at time.Time) (*model.Reaction, error) {
	filter := reactionKey(messageID, userID, emoji)
	filter["is_removed"] = false
	var out model.Reaction
	err := r.s.reactColl.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"is_removed": true, "removed_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrReactionNotFound.WrapMsg("reaction not found", "message", messageID, "emoji", emoji)
		}
		return nil, errs.Infra(err, "mongo remove reaction")
	}
	return &out, nil
}

func (r mongoReactions) Get(ctx context.Context, id int64) (*model.Reaction, error) {
	var out model.Reaction
	if err := r.s.reactColl.FindOne(ctx, bson.M{"_id": id}).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrReactionNotFound.WrapMsg("reaction not found", "id", id)
		}
		return nil, errs.Infra(err, "mongo get reaction")
	}
	return &out, nil
}

func (r mongoReactions) ListActive(ctx context.Context, messageIDs []int64) ([]*model.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	cur, err := r.s.reactColl.Find(ctx,
		bson.M{"message_id": bson.M{"$in": messageIDs}, "is_removed": false},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errs.Infra(err, "mongo list reactions")
	}
	defer closeCursor(ctx, cur)
	var out []*model.Reaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Infra(err, "mongo decode reactions")
	}
	return out, nil
}

// ===== summaries =====

type mongoSummaries struct{ s *Mongo }

func (m mongoSummaries) Get(ctx context.Context, conversationID int64) (*model.ConversationSummary, error) {
	var out model.ConversationSummary
	if err := m.s.summaryColl.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errs.Infra(err, "mongo get summary")
	}
	return &out, nil
}

func (m mongoSummaries) GetMany(ctx context.Context, conversationIDs []int64) (map[int64]*model.ConversationSummary, error) {
	out := make(map[int64]*model.ConversationSummary, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	cur, err := m.s.summaryColl.Find(ctx, bson.M{"_id": bson.M{"$in": conversationIDs}})
	if err != nil {
		return nil, errs.Infra(err, "mongo get summaries")
	}
	defer closeCursor(ctx, cur)
	for cur.Next(ctx) {
		var s model.ConversationSummary
		if err := cur.Decode(&s); err != nil {
			return nil, errs.Infra(err, "mongo decode summary")
		}
		out[s.ConversationID] = &s
	}
	return out, cur.Err()
}

func (m mongoSummaries) SetIfNewer(ctx context.Context, in *model.ConversationSummary) (bool, error) {
	// 只在变新时更新，避免乱序的旧消息覆盖
	filter := bson.M{"_id": in.ConversationID, "$or": bson.A{
		bson.M{"last_message_at": bson.M{"$lt": in.LastMessageAt}},
		bson.M{"last_message_at": bson.M{"$exists": false}},
	}}
	res, err := m.s.summaryColl.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"last_message_id": in.LastMessageID,
		"last_message_at": in.LastMessageAt,
		"last_author_id":  in.LastAuthorID,
		"last_preview":    in.LastPreview,
		"updated_at":      in.UpdatedAt,
	}}, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// 已存在更新的摘要
			return false, nil
		}
		return false, errs.Infra(err, "mongo set summary")
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}

func (m mongoSummaries) Replace(ctx context.Context, in *model.ConversationSummary) error {
	_, err := m.s.summaryColl.ReplaceOne(ctx, bson.M{"_id": in.ConversationID}, in, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Infra(err, "mongo replace summary")
	}
	return nil
}
