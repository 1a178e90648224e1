package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/module/access"
	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/conversation"
	"PPRealtime/module/delivery"
	"PPRealtime/module/event"
	"PPRealtime/module/presence"
	"PPRealtime/module/reaction"
	"PPRealtime/module/receipt"
	"PPRealtime/service/chat"
	"PPRealtime/service/storage"
	"PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
)

type fixture struct {
	engine *gin.Engine
	h      *Handlers
	reg    *chat.Registry
	b      *chat.Broadcaster
	sec    *midsec.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lease := storage.NewMemStore(time.Now)
	mem := store.NewMem()
	mem.AddConversation(42, model.ConversationGroup, 1, 2)
	mem.AddConversation(43, model.ConversationGroup, 2, 3)
	s := mem.Stores()

	reg := chat.NewRegistry(lease)
	b := chat.NewBroadcaster(reg, s.Directory, chat.BroadcasterOptions{NodeID: "n1", Shards: 2, QueueSize: 64})
	t.Cleanup(b.Close)

	auth := access.NewChecker(s.Directory, time.Now)
	tracker := presence.NewTracker(lease, reg, b, auth, presence.Options{})
	reactions := reaction.NewLedger(s, auth, b, nil)
	bus := event.NewBus()
	receipts := receipt.NewLedger(s, auth, b)
	receipts.Subscribe(bus)
	pipeline := delivery.NewPipeline(delivery.Deps{
		Stores: s, Lease: lease, Auth: auth, Notify: b,
		Reactions: reactions, Bus: bus, Activity: tracker,
	})

	h := &Handlers{
		Pipeline:      pipeline,
		Receipts:      receipts,
		Reactions:     reactions,
		Presence:      tracker,
		Conversations: conversation.NewService(s.Directory, b, bus, nil),
		Registry:      reg,
		Messages:      s.Messages,
		Auth:          auth,
	}
	sec := midsec.DefaultOptions([]byte("test-secret"))
	engine := gin.New()
	h.Routes(middleware.NewRouter(engine, sec))
	return &fixture{engine: engine, h: h, reg: reg, b: b, sec: sec}
}

func (f *fixture) do(t *testing.T, method, path string, uid int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		tok, _, err := security.Generate(f.sec.JWT, uid, nil)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/conversations/42/messages", 0, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSendListAndRead(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/conversations/42/messages", 1, sendBody{Body: "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", w.Code, w.Body.String())
	}
	sent := decodeBody[delivery.Projection](t, w)

	w = f.do(t, http.MethodGet, "/conversations/42/messages?limit=10", 2, nil)
	list := decodeBody[struct {
		Items []delivery.Projection `json:"items"`
	}](t, w)
	if w.Code != http.StatusOK || len(list.Items) != 1 || list.Items[0].ID != sent.ID {
		t.Fatalf("list status=%d items=%+v", w.Code, list.Items)
	}

	w = f.do(t, http.MethodGet, "/conversations/42/unread-count", 2, nil)
	if info := decodeBody[receipt.UnreadInfo](t, w); info.UnreadCount != 1 {
		t.Fatalf("unread = %+v", info)
	}
	w = f.do(t, http.MethodPost, "/conversations/42/read", 2, readBody{MessageID: sent.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d body=%s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodGet, "/conversations/42/unread-count", 2, nil)
	if info := decodeBody[receipt.UnreadInfo](t, w); info.UnreadCount != 0 {
		t.Fatalf("unread after read = %+v", info)
	}

	w = f.do(t, http.MethodGet, "/messages/"+strconv.FormatInt(sent.ID, 10)+"/readers", 1, nil)
	readers := decodeBody[struct {
		Items []model.ReadState `json:"items"`
	}](t, w)
	if len(readers.Items) != 1 || readers.Items[0].UserID != 2 {
		t.Fatalf("readers = %+v", readers.Items)
	}
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		method string
		path   string
		uid    int64
		body   any
		want   int
	}{
		{"non-member send", http.MethodPost, "/conversations/42/messages", 3, sendBody{Body: "x"}, http.StatusForbidden},
		{"empty body", http.MethodPost, "/conversations/42/messages", 1, sendBody{}, http.StatusBadRequest},
		{"bad path id", http.MethodGet, "/conversations/abc/messages", 1, nil, http.StatusBadRequest},
		{"missing message", http.MethodPut, "/messages/999", 1, editBody{Body: "x"}, http.StatusNotFound},
		{"read without ids", http.MethodPost, "/conversations/42/read", 1, readBody{}, http.StatusBadRequest},
		{"non-member status", http.MethodGet, "/conversations/42/online-status", 3, nil, http.StatusForbidden},
	}
	for _, c := range cases {
		if w := f.do(t, c.method, c.path, c.uid, c.body); w.Code != c.want {
			t.Errorf("%s: status = %d, want %d (%s)", c.name, w.Code, c.want, w.Body.String())
		}
	}
}

func TestReactionsAndReportTarget(t *testing.T) {
	f := newFixture(t)
	sent := decodeBody[delivery.Projection](t, f.do(t, http.MethodPost, "/conversations/42/messages", 1, sendBody{Body: "vote"}))
	path := "/messages/" + strconv.FormatInt(sent.ID, 10)

	if w := f.do(t, http.MethodPost, path+"/reactions", 2, reactBody{Emoji: "🎉"}); w.Code != http.StatusOK {
		t.Fatalf("react status = %d body=%s", w.Code, w.Body.String())
	}
	sum := decodeBody[model.ReactionSummary](t, f.do(t, http.MethodGet, path+"/reactions/summary", 2, nil))
	if sum.Total != 1 || len(sum.ViewerEmojis) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if w := f.do(t, http.MethodDelete, path+"/reactions/"+url.PathEscape("🎉"), 2, nil); w.Code != http.StatusNoContent {
		t.Fatalf("unreact status = %d", w.Code)
	}

	w := f.do(t, http.MethodGet, path+"/report-target", 2, nil)
	content := decodeBody[map[string]any](t, w)
	if w.Code != http.StatusOK || content["contentType"] != "MESSAGE" || content["contentSnippet"] != "vote" {
		t.Fatalf("report target = %v", content)
	}
}

func TestMessageScopedRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/messages/conversation/42", 1, sendBody{Body: "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", w.Code, w.Body.String())
	}
	sent := decodeBody[delivery.Projection](t, w)
	if sent.ConversationID != 42 {
		t.Fatalf("conversation = %d", sent.ConversationID)
	}
	path := "/messages/" + strconv.FormatInt(sent.ID, 10)

	w = f.do(t, http.MethodPost, path+"/read", 2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d body=%s", w.Code, w.Body.String())
	}
	if st := decodeBody[model.ReadState](t, w); st.ConversationID != 42 || st.LastReadMessageID != sent.ID {
		t.Fatalf("read state = %+v", st)
	}
	if w := f.do(t, http.MethodPost, path+"/read", 3, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-member read status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/messages/999/read", 2, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing message read status = %d", w.Code)
	}

	// emoji 走 query
	f.do(t, http.MethodPost, path+"/reactions", 2, reactBody{Emoji: "👍"})
	if w := f.do(t, http.MethodDelete, path+"/reactions?emoji="+url.QueryEscape("👍"), 2, nil); w.Code != http.StatusNoContent {
		t.Fatalf("unreact by query status = %d body=%s", w.Code, w.Body.String())
	}
	// emoji 走 body
	f.do(t, http.MethodPost, path+"/reactions", 2, reactBody{Emoji: "👍"})
	if w := f.do(t, http.MethodDelete, path+"/reactions", 2, reactBody{Emoji: "👍"}); w.Code != http.StatusNoContent {
		t.Fatalf("unreact by body status = %d body=%s", w.Code, w.Body.String())
	}
	sum := decodeBody[model.ReactionSummary](t, f.do(t, http.MethodGet, path+"/reactions/summary", 2, nil))
	if sum.Total != 0 {
		t.Fatalf("summary after removals = %+v", sum)
	}
	if w := f.do(t, http.MethodDelete, path+"/reactions", 2, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unreact without emoji status = %d", w.Code)
	}
}

func TestThreadUnreadAndBulkReaders(t *testing.T) {
	f := newFixture(t)
	root := decodeBody[delivery.Projection](t, f.do(t, http.MethodPost, "/conversations/42/messages", 1, sendBody{Body: "root"}))
	reply := decodeBody[delivery.Projection](t, f.do(t, http.MethodPost, "/conversations/42/messages", 2, sendBody{Body: "re", ParentID: root.ID}))
	rootPath := "/messages/" + strconv.FormatInt(root.ID, 10)

	w := f.do(t, http.MethodGet, rootPath+"/replies", 1, nil)
	replies := decodeBody[struct {
		Items []delivery.Projection `json:"items"`
	}](t, w)
	if w.Code != http.StatusOK || len(replies.Items) != 1 || replies.Items[0].ID != reply.ID {
		t.Fatalf("replies status=%d items=%+v", w.Code, replies.Items)
	}
	if w := f.do(t, http.MethodGet, rootPath+"/replies", 3, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-member replies status = %d", w.Code)
	}

	// 发送者的指针随自己的消息推进，1 只剩 2 的回复未读
	w = f.do(t, http.MethodGet, "/conversations/42/unread-messages", 1, nil)
	unread := decodeBody[struct {
		Items []delivery.Projection `json:"items"`
	}](t, w)
	if w.Code != http.StatusOK || len(unread.Items) != 1 || unread.Items[0].ID != reply.ID {
		t.Fatalf("unread for 1 status=%d items=%+v", w.Code, unread.Items)
	}

	w = f.do(t, http.MethodPost, "/messages/read-receipts", 1, idsBody{MessageIDs: []int64{root.ID, reply.ID, 999}})
	bulk := decodeBody[struct {
		Items map[int64][]model.ReadState `json:"items"`
	}](t, w)
	if w.Code != http.StatusOK || len(bulk.Items) != 2 {
		t.Fatalf("bulk status=%d items=%+v", w.Code, bulk.Items)
	}
	if r := bulk.Items[root.ID]; len(r) != 1 || r[0].UserID != 2 {
		t.Fatalf("root readers = %+v", r)
	}
	if r := bulk.Items[reply.ID]; len(r) != 0 {
		t.Fatalf("reply readers = %+v", r)
	}
	if w := f.do(t, http.MethodPost, "/messages/read-receipts", 3, idsBody{MessageIDs: []int64{root.ID}}); w.Code != http.StatusOK || len(decodeBody[struct {
		Items map[int64][]model.ReadState `json:"items"`
	}](t, w).Items) != 0 {
		t.Fatalf("non-member bulk must see nothing: %s", w.Body.String())
	}
}

func TestDirectConversation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/conversations/direct", 1, directBody{UserID: 5})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	first := decodeBody[model.Conversation](t, w)
	w = f.do(t, http.MethodPost, "/conversations/direct", 5, directBody{UserID: 1})
	if w.Code != http.StatusOK || decodeBody[model.Conversation](t, w).ID != first.ID {
		t.Fatalf("second call status = %d body=%s", w.Code, w.Body.String())
	}
}

type reply struct {
	Destination string          `json:"destination"`
	RequestID   string          `json:"requestId"`
	OK          *bool           `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Body        *chat.Envelope  `json:"body"`
}

func dispatch(t *testing.T, d *chat.Dispatcher, c *chat.Conn, f chat.InFrame) reply {
	t.Helper()
	out := d.Dispatch(context.Background(), c, &f)
	var r reply
	if err := json.Unmarshal(out, &r); err != nil {
		t.Fatalf("reply %s: %v", out, err)
	}
	return r
}

func TestWSActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := chat.NewDispatcher()
	f.h.RegisterActions(d)

	c := chat.NewConn("c1", 1, 32, time.Now())
	if err := f.reg.RegisterSession(ctx, c); err != nil {
		t.Fatalf("register: %v", err)
	}

	r := dispatch(t, d, c, chat.InFrame{Action: "subscribe", Destination: chat.ConversationTopic(42), RequestID: "r1"})
	if r.OK == nil || !*r.OK || r.RequestID != "r1" {
		t.Fatalf("subscribe reply = %+v", r)
	}
	if !f.reg.IsSubscribed("c1", 42) {
		t.Fatalf("subscription not recorded")
	}
	r = dispatch(t, d, c, chat.InFrame{Action: "subscribe", Destination: chat.ConversationTopic(43), RequestID: "r2"})
	if r.OK == nil || *r.OK || r.Destination != chat.UserErrorQueue(1) {
		t.Fatalf("non-member subscribe reply = %+v", r)
	}

	r = dispatch(t, d, c, chat.InFrame{Action: "send", RequestID: "r3",
		Data: map[string]any{"conversationId": float64(42), "body": "over ws"}})
	if r.OK == nil || !*r.OK {
		t.Fatalf("send reply = %+v", r)
	}
	if err := f.b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var gotNew bool
	for _, raw := range c.Drain() {
		var fr reply
		_ = json.Unmarshal(raw, &fr)
		if fr.Body != nil && fr.Body.Type == chat.MessageNew && fr.Destination == chat.ConversationTopic(42) {
			gotNew = true
		}
	}
	if !gotNew {
		t.Fatalf("subscribed connection missed MESSAGE_NEW")
	}

	if out := d.Dispatch(ctx, c, &chat.InFrame{Action: "typing", Data: map[string]any{"conversationId": 42}}); out != nil {
		t.Fatalf("signals must not reply: %s", out)
	}
	if users := f.h.Presence.TypingUsers(ctx, 42); len(users) != 1 || users[0] != 1 {
		t.Fatalf("typing users = %v", users)
	}

	r = dispatch(t, d, c, chat.InFrame{Action: "unsubscribe", Destination: chat.ConversationTopic(42), RequestID: "r4"})
	if r.OK == nil || !*r.OK || f.reg.IsSubscribed("c1", 42) {
		t.Fatalf("unsubscribe reply = %+v", r)
	}
	r = dispatch(t, d, c, chat.InFrame{Action: "launch", RequestID: "r5"})
	if r.OK == nil || *r.OK {
		t.Fatalf("unknown action reply = %+v", r)
	}
}
