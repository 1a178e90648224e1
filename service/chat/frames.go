package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
)

// EventType 服务端下行事件类型
type EventType string

const (
	MessageNew             EventType = "MESSAGE_NEW"
	MessageUpdated         EventType = "MESSAGE_UPDATED"
	MessageDeleted         EventType = "MESSAGE_DELETED"
	MessagesDeleted        EventType = "MESSAGES_DELETED"
	ReactionUpdated        EventType = "REACTION_UPDATED"
	ReactionsUpdated       EventType = "REACTIONS_UPDATED"
	UserTyping             EventType = "USER_TYPING"
	UserStoppedTyping      EventType = "USER_STOPPED_TYPING"
	MessageRead            EventType = "MESSAGE_READ"
	MessagesRead           EventType = "MESSAGES_READ"
	ParticipantJoined      EventType = "PARTICIPANT_JOINED"
	ParticipantLeft        EventType = "PARTICIPANT_LEFT"
	ParticipantRoleUpdated EventType = "PARTICIPANT_ROLE_UPDATED"
	ParticipantMuteUpdated EventType = "PARTICIPANT_MUTE_UPDATED"
	ParticipantBanned      EventType = "PARTICIPANT_BANNED"
	ParticipantUnbanned    EventType = "PARTICIPANT_UNBANNED"
	ConversationUpdated    EventType = "CONVERSATION_UPDATED"
	ConversationArchived   EventType = "CONVERSATION_ARCHIVED"
	ConversationRestored   EventType = "CONVERSATION_RESTORED"
	ConversationDeleted    EventType = "CONVERSATION_DELETED"
	UserPresence           EventType = "USER_PRESENCE"
	UserActiveStatus       EventType = "USER_ACTIVE_STATUS"
	SystemMessage          EventType = "SYSTEM_MESSAGE"
	NewConversation        EventType = "NEW_CONVERSATION"
	DirectNotification     EventType = "DIRECT_NOTIFICATION"
)

var descriptions = map[EventType]string{
	MessageNew:             "New message received",
	MessageUpdated:         "Message updated",
	MessageDeleted:         "Message deleted",
	MessagesDeleted:        "Messages deleted",
	ReactionUpdated:        "Reaction updated",
	ReactionsUpdated:       "Reactions updated",
	UserTyping:             "User is typing",
	UserStoppedTyping:      "User stopped typing",
	MessageRead:            "Message read receipt",
	MessagesRead:           "Multiple messages read",
	ParticipantJoined:      "Participant joined conversation",
	ParticipantLeft:        "Participant left conversation",
	ParticipantRoleUpdated: "Participant role updated",
	ParticipantMuteUpdated: "Participant mute status updated",
	ParticipantBanned:      "Participant banned",
	ParticipantUnbanned:    "Participant unbanned",
	ConversationUpdated:    "Conversation updated",
	ConversationArchived:   "Conversation archived",
	ConversationRestored:   "Conversation restored",
	ConversationDeleted:    "Conversation deleted",
	UserPresence:           "User presence updated",
	UserActiveStatus:       "User active status updated",
	SystemMessage:          "System message",
	NewConversation:        "You've been added to a new conversation",
	DirectNotification:     "Direct notification",
}

func (t EventType) Description() string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return string(t)
}

// NeedsUserQueue 这类事件还要投递到成员的私有队列（未订阅会话的连接也能收到）
func (t EventType) NeedsUserQueue() bool {
	return t == MessageNew
}

// Envelope 下行事件信封
type Envelope struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Data        any       `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

func NewEnvelope(t EventType, data any, now time.Time) Envelope {
	return Envelope{
		ID:          ids.GenerateString(),
		Type:        t,
		Data:        data,
		Timestamp:   now.UTC(),
		Description: t.Description(),
	}
}

// ===== 目的地 =====

const topicPrefix = "/topic/conversations/"

func ConversationTopic(conversationID int64) string {
	return topicPrefix + strconv.FormatInt(conversationID, 10)
}

func UserQueue(userID int64) string {
	return fmt.Sprintf("/queue/user/%d/notifications", userID)
}

func UserErrorQueue(userID int64) string {
	return fmt.Sprintf("/queue/user/%d/errors", userID)
}

// ParseConversationTopic "/topic/conversations/42" -> 42
func ParseConversationTopic(dest string) (int64, bool) {
	if !strings.HasPrefix(dest, topicPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(dest[len(topicPrefix):], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ===== 帧 =====

// InFrame 客户端上行动作
type InFrame struct {
	Action      string         `json:"action"`
	Destination string         `json:"destination,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// OutFrame 下行帧：事件推送或请求回执二选一
type OutFrame struct {
	Destination string          `json:"destination,omitempty"`
	Body        *Envelope       `json:"body,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	OK          *bool           `json:"ok,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       *errs.CodeError `json:"error,omitempty"`
}

func ParseInFrame(raw []byte) (*InFrame, error) {
	var f InFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("malformed frame", "err", err)
	}
	if f.Action == "" {
		return nil, errs.ErrArgs.WrapMsg("missing action")
	}
	return &f, nil
}

func encodeEvent(dest string, env *Envelope) ([]byte, error) {
	return json.Marshal(OutFrame{Destination: dest, Body: env})
}

// EncodeReply 请求回执
func EncodeReply(requestID string, result any, err error) []byte {
	ok := err == nil
	f := OutFrame{RequestID: requestID, OK: &ok}
	if err != nil {
		f.Error = errs.Public(err)
	} else {
		f.Result = result
	}
	b, mErr := json.Marshal(f)
	if mErr != nil {
		failed := false
		b, _ = json.Marshal(OutFrame{RequestID: requestID, OK: &failed, Error: errs.Public(mErr)})
	}
	return b
}
