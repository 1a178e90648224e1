package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/module/chat/model"
	"PPRealtime/module/chat/store"
	"PPRealtime/tools/errs"
)

func TestCheckPermission(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	mem := store.NewMem()
	mem.AddConversation(1, model.ConversationGroup, 10, 11)
	mem.SetParticipant(model.Participant{ConversationID: 1, UserID: 12, Role: model.RoleMember, IsActive: true, IsMuted: true, MutedUntil: &until})
	mem.SetParticipant(model.Participant{ConversationID: 1, UserID: 13, Role: model.RoleMember, IsActive: false})
	c := NewChecker(mem.Stores().Directory, func() time.Time { return now })
	ctx := context.Background()

	cases := []struct {
		user   int64
		action Action
		want   error
	}{
		{10, ActionModerate, nil},
		{11, ActionSend, nil},
		{11, ActionModerate, errs.ErrAccessDenied},
		{12, ActionSend, errs.ErrMuted},
		{12, ActionRead, nil},
		{13, ActionRead, errs.ErrNotMember},
		{99, ActionRead, errs.ErrNotMember},
	}
	for _, tc := range cases {
		_, err := c.CheckPermission(ctx, tc.user, 1, tc.action)
		if tc.want == nil && err != nil {
			t.Errorf("user %d %s: unexpected %v", tc.user, tc.action, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("user %d %s: err = %v, want %v", tc.user, tc.action, err, tc.want)
		}
		if tc.want != nil && !errors.Is(err, errs.ErrAccessDenied) {
			t.Errorf("user %d %s: %v must classify as AccessDenied", tc.user, tc.action, err)
		}
	}
}
