package report

import (
	"errors"
	"strings"
	"testing"

	"PPRealtime/module/chat/model"
	"PPRealtime/tools/errs"
)

func TestProject(t *testing.T) {
	long := strings.Repeat("x", 200)
	cases := []struct {
		name   string
		target Target
		want   Content
	}{
		{"community topic", TopicTarget{PostID: 1, AuthorID: 9, Body: "hi", CommunityID: 3},
			Content{ContentID: 1, Kind: KindTopic, AuthorID: 9, URL: "/posts/1", Snippet: "hi", Scope: ScopeCommunity}},
		{"university topic", TopicTarget{PostID: 2, AuthorID: 9, UniversityID: 4},
			Content{ContentID: 2, Kind: KindTopic, AuthorID: 9, URL: "/posts/2", Scope: ScopeUniversity}},
		{"user", UserTarget{UserID: 5, Username: "ana", Bio: "b"},
			Content{ContentID: 5, Kind: KindUser, AuthorID: 5, URL: "/users/ana", Snippet: "b", Scope: ScopePlatform}},
		{"message", MessageTarget{MessageID: 7, ConversationID: 42, AuthorID: 1, Body: "m"},
			Content{ContentID: 7, Kind: KindMessage, AuthorID: 1, URL: "/chat/42?message=7", Snippet: "m", Scope: ScopeChat}},
		{"community", CommunityTarget{CommunityID: 3, Name: "go", CreatorID: 8},
			Content{ContentID: 3, Kind: KindCommunity, AuthorID: 8, URL: "/communities/go", Scope: ScopeCommunity}},
	}
	for _, c := range cases {
		if got := Project(c.target); got != c.want {
			t.Errorf("%s: got %+v, want %+v", c.name, got, c.want)
		}
	}

	got := Project(MessageTarget{MessageID: 1, Body: long})
	if got.Snippet != strings.Repeat("x", snippetRunes)+"..." {
		t.Fatalf("snippet not truncated: %d runes", len([]rune(got.Snippet)))
	}
}

func TestForMessageHidesDeletedBody(t *testing.T) {
	m := &model.Message{ID: 1, ConversationID: 2, AuthorID: 3, Body: "secret", Deleted: true}
	if tg := ForMessage(m); tg.Body != "" || tg.AuthorID != 3 {
		t.Fatalf("target = %+v", tg)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := MessageTarget{MessageID: 7, ConversationID: 42, AuthorID: 1, Body: "m"}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"MESSAGE"`) {
		t.Fatalf("raw = %s", raw)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, ok := out.(MessageTarget); !ok || got != in {
		t.Fatalf("decoded %#v", out)
	}

	if _, err := Decode([]byte(`{"kind":"POLL","target":{}}`)); !errors.Is(err, errs.ErrUnsupported) {
		t.Fatalf("unknown kind err = %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("bad json err = %v", err)
	}
}
