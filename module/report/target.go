package report

import (
	"encoding/json"
	"fmt"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"
)

// Kind 举报对象种类，序列化时作为判别字段
type Kind string

const (
	KindTopic     Kind = "TOPIC"
	KindUser      Kind = "USER_PROFILE"
	KindMessage   Kind = "MESSAGE"
	KindCommunity Kind = "COMMUNITY"
)

// Scope 举报进入哪个审核队列
type Scope string

const (
	ScopePlatform   Scope = "PLATFORM"
	ScopeUniversity Scope = "UNIVERSITY"
	ScopeCommunity  Scope = "COMMUNITY"
	ScopeChat       Scope = "CHAT"
)

const snippetRunes = 150

// Target 封闭的变体类型：只有本包内的四种实现
type Target interface {
	Kind() Kind
	isTarget()
}

type TopicTarget struct {
	PostID       int64  `json:"postId"`
	AuthorID     int64  `json:"authorId"`
	Body         string `json:"body"`
	CommunityID  int64  `json:"communityId,omitempty"`
	UniversityID int64  `json:"universityId,omitempty"`
}

type UserTarget struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Bio      string `json:"bio,omitempty"`
}

type MessageTarget struct {
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	AuthorID       int64  `json:"authorId"`
	Body           string `json:"body"`
}

type CommunityTarget struct {
	CommunityID  int64  `json:"communityId"`
	Name         string `json:"name"`
	CreatorID    int64  `json:"creatorId"`
	Description  string `json:"description,omitempty"`
	UniversityID int64  `json:"universityId,omitempty"`
}

func (TopicTarget) Kind() Kind     { return KindTopic }
func (UserTarget) Kind() Kind      { return KindUser }
func (MessageTarget) Kind() Kind   { return KindMessage }
func (CommunityTarget) Kind() Kind { return KindCommunity }

func (TopicTarget) isTarget()     {}
func (UserTarget) isTarget()      {}
func (MessageTarget) isTarget()   {}
func (CommunityTarget) isTarget() {}

// ForMessage 被举报的聊天消息；已删除消息不带正文
func ForMessage(m *model.Message) MessageTarget {
	body := m.Body
	if m.Deleted {
		body = ""
	}
	return MessageTarget{MessageID: m.ID, ConversationID: m.ConversationID, AuthorID: m.AuthorID, Body: body}
}

// Content 审核台展示用的统一视图
type Content struct {
	ContentID int64  `json:"contentId"`
	Kind      Kind   `json:"contentType"`
	AuthorID  int64  `json:"contentAuthorId"`
	URL       string `json:"contentUrl"`
	Snippet   string `json:"contentSnippet"`
	Scope     Scope  `json:"scope"`
}

// Project 种类到展示视图的唯一映射
func Project(t Target) Content {
	switch v := t.(type) {
	case TopicTarget:
		scope := ScopePlatform
		if v.CommunityID != 0 {
			scope = ScopeCommunity
		} else if v.UniversityID != 0 {
			scope = ScopeUniversity
		}
		return Content{
			ContentID: v.PostID, Kind: KindTopic, AuthorID: v.AuthorID,
			URL: fmt.Sprintf("/posts/%d", v.PostID), Snippet: safe.Truncate(v.Body, snippetRunes), Scope: scope,
		}
	case UserTarget:
		return Content{
			ContentID: v.UserID, Kind: KindUser, AuthorID: v.UserID,
			URL: "/users/" + v.Username, Snippet: safe.Truncate(v.Bio, snippetRunes), Scope: ScopePlatform,
		}
	case MessageTarget:
		return Content{
			ContentID: v.MessageID, Kind: KindMessage, AuthorID: v.AuthorID,
			URL:     fmt.Sprintf("/chat/%d?message=%d", v.ConversationID, v.MessageID),
			Snippet: safe.Truncate(v.Body, snippetRunes), Scope: ScopeChat,
		}
	case CommunityTarget:
		return Content{
			ContentID: v.CommunityID, Kind: KindCommunity, AuthorID: v.CreatorID,
			URL: "/communities/" + v.Name, Snippet: safe.Truncate(v.Description, snippetRunes), Scope: ScopeCommunity,
		}
	}
	// isTarget 未导出，外部无法构造第五种
	panic(fmt.Sprintf("report: unknown target %T", t))
}

type envelope struct {
	Kind   Kind            `json:"kind"`
	Target json.RawMessage `json:"target"`
}

// Encode {"kind": ..., "target": {...}}
func Encode(t Target) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return json.Marshal(envelope{Kind: t.Kind(), Target: raw})
}

func Decode(data []byte) (Target, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad report target", "err", err.Error())
	}
	switch env.Kind {
	case KindTopic:
		return decodeAs[TopicTarget](env.Target)
	case KindUser:
		return decodeAs[UserTarget](env.Target)
	case KindMessage:
		return decodeAs[MessageTarget](env.Target)
	case KindCommunity:
		return decodeAs[CommunityTarget](env.Target)
	}
	return nil, errs.ErrUnsupported.WrapMsg("unknown report target kind", "kind", env.Kind)
}

func decodeAs[T Target](raw json.RawMessage) (Target, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad report target payload", "err", err.Error())
	}
	return v, nil
}
