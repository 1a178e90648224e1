package store

import (
	"context"
	"errors"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Schema 会话与成员表
const Schema = `
CREATE TABLE IF NOT EXISTS chat_conversations (
	id          BIGINT PRIMARY KEY,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	pair_key    TEXT,
	created_by  BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_conversations_pair ON chat_conversations (pair_key) WHERE pair_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS chat_participants (
	conversation_id BIGINT NOT NULL REFERENCES chat_conversations(id),
	user_id         BIGINT NOT NULL,
	role            TEXT NOT NULL DEFAULT 'MEMBER',
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	is_muted        BOOLEAN NOT NULL DEFAULT FALSE,
	muted_until     TIMESTAMPTZ,
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_participants_active ON chat_participants (conversation_id) WHERE is_active;
`

// PgDirectory 会话目录落 Postgres
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory { return &PgDirectory{pool: pool} }

func (d *PgDirectory) EnsureSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, Schema); err != nil {
		return errs.Infra(err, "pg ensure schema")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (d *PgDirectory) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var (
		c       model.Conversation
		typ     string
		pairKey *string
	)
	err := d.pool.QueryRow(ctx,
		`SELECT id, type, title, pair_key, created_by, created_at FROM chat_conversations WHERE id = $1`, id,
	).Scan(&c.ID, &typ, &c.Title, &pairKey, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
		}
		return nil, errs.Infra(err, "pg get conversation")
	}
	c.Type = model.ConversationType(typ)
	if pairKey != nil {
		c.PairKey = *pairKey
	}
	return &c, nil
}

func (d *PgDirectory) Participant(ctx context.Context, conversationID, userID int64) (*model.Participant, error) {
	p := model.Participant{ConversationID: conversationID, UserID: userID}
	var role string
	err := d.pool.QueryRow(ctx, `
		SELECT role, is_active, is_muted, muted_until, joined_at
		FROM chat_participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role, &p.IsActive, &p.IsMuted, &p.MutedUntil, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotMember.WrapMsg("not a participant", "conversation", conversationID, "user", userID)
		}
		return nil, errs.Infra(err, "pg get participant")
	}
	p.Role = model.Role(role)
	return &p, nil
}

func (d *PgDirectory) ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE conversation_id = $1 AND is_active ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, errs.Infra(err, "pg active members")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errs.Infra(err, "pg scan members")
	}
	return out, nil
}

func (d *PgDirectory) FindDirect(ctx context.Context, a, b int64) (*model.Conversation, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `SELECT id FROM chat_conversations WHERE pair_key = $1`, model.DirectPairKey(a, b)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.Infra(err, "pg find direct")
	}
	return d.Conversation(ctx, id)
}

// CreateDirect 单事务建会话与两个成员；pair_key 冲突返回 ErrConflict
func (d *PgDirectory) CreateDirect(ctx context.Context, a, b int64, at time.Time) (*model.Conversation, error) {
	c := &model.Conversation{
		ID:        ids.Generate(),
		Type:      model.ConversationDirect,
		PairKey:   model.DirectPairKey(a, b),
		CreatedBy: a,
		CreatedAt: at,
	}
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_conversations (id, type, pair_key, created_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, string(c.Type), c.PairKey, c.CreatedBy, c.CreatedAt); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, uid := range uniqueUsers(a, b) {
			batch.Queue(`INSERT INTO chat_participants (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
				c.ID, uid, string(model.RoleMember), at)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrConflict.WrapMsg("direct conversation exists", "pair", c.PairKey)
		}
		return nil, errs.Infra(err, "pg create direct")
	}
	return c, nil
}

func uniqueUsers(a, b int64) []int64 {
	if a == b {
		return []int64{a}
	}
	return []int64{a, b}
}
