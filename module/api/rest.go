package api

import (
	"net/http"
	"strconv"
	"time"

	midsec "PPRealtime/middleware/security"
	"PPRealtime/module/report"
	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
)

type sendBody struct {
	Body     string `json:"body"`
	ParentID int64  `json:"parentId"`
}

type editBody struct {
	Body string `json:"body"`
}

type idsBody struct {
	MessageIDs []int64 `json:"messageIds"`
}

type readBody struct {
	MessageID  int64   `json:"messageId"`
	MessageIDs []int64 `json:"messageIds"`
}

type reactBody struct {
	Emoji string `json:"emoji"`
}

type directBody struct {
	UserID int64 `json:"userId"`
}

// ===== messages =====

// GET /conversations/:id/messages?before=RFC3339&limit=50
func (h *Handlers) listMessages(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var before time.Time
	if s := c.Query("before"); s != "" {
		if before, err = time.Parse(time.RFC3339Nano, s); err != nil {
			h.fail(c, errs.ErrArgs.WrapMsg("invalid before", "before", s))
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.Pipeline.List(c.Request.Context(), conv, midsec.UserID(c), before, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": list})
}

// GET /messages/:id/replies?limit=50
func (h *Handlers) listReplies(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.Pipeline.Replies(c.Request.Context(), id, midsec.UserID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": list})
}

func (h *Handlers) sendMessage(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in sendBody
	if !h.bind(c, &in) {
		return
	}
	proj, err := h.Pipeline.Send(c.Request.Context(), conv, midsec.UserID(c), in.Body, in.ParentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, proj)
}

func (h *Handlers) editMessage(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in editBody
	if !h.bind(c, &in) {
		return
	}
	proj, err := h.Pipeline.Edit(c.Request.Context(), id, midsec.UserID(c), in.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, proj)
}

func (h *Handlers) deleteMessage(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Pipeline.Delete(c.Request.Context(), id, midsec.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusNoContent, nil)
}

func (h *Handlers) deleteMessages(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in idsBody
	if !h.bind(c, &in) {
		return
	}
	deleted, err := h.Pipeline.DeleteBulk(c.Request.Context(), conv, midsec.UserID(c), in.MessageIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handlers) purgeMessage(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Pipeline.Purge(c.Request.Context(), id, midsec.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusNoContent, nil)
}

// ===== reactions =====

func (h *Handlers) listReactions(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	list, err := h.Reactions.List(c.Request.Context(), id, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": list})
}

func (h *Handlers) reactionSummary(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	sum, err := h.Reactions.Summarize(c.Request.Context(), id, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, sum)
}

func (h *Handlers) addReaction(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in reactBody
	if !h.bind(c, &in) {
		return
	}
	r, err := h.Reactions.AddOrUpdate(c.Request.Context(), id, midsec.UserID(c), in.Emoji)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, r)
}

func (h *Handlers) removeReaction(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	// emoji 可以在路径、query 或 body 中
	emoji := c.Param("emoji")
	if emoji == "" {
		emoji = c.Query("emoji")
	}
	if emoji == "" && c.Request.ContentLength != 0 {
		var in reactBody
		if !h.bind(c, &in) {
			return
		}
		emoji = in.Emoji
	}
	if err := h.Reactions.Remove(c.Request.Context(), id, midsec.UserID(c), emoji); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusNoContent, nil)
}

func (h *Handlers) removeReactionByID(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Reactions.RemoveByID(c.Request.Context(), id, midsec.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusNoContent, nil)
}

// ===== receipts =====

// POST /conversations/:id/read  {messageId} 或 {messageIds}
func (h *Handlers) markRead(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in readBody
	if !h.bind(c, &in) {
		return
	}
	ctx, uid := c.Request.Context(), midsec.UserID(c)
	switch {
	case len(in.MessageIDs) > 0:
		st, err := h.Receipts.MarkReadBulk(ctx, conv, uid, in.MessageIDs)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.ok(c, http.StatusOK, st)
	case in.MessageID > 0:
		st, err := h.Receipts.MarkRead(ctx, conv, uid, in.MessageID)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.ok(c, http.StatusOK, st)
	default:
		h.fail(c, errs.ErrArgs.WrapMsg("messageId or messageIds required"))
	}
}

// POST /messages/:id/read  会话由消息反查
func (h *Handlers) markMessageRead(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.Messages.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.Receipts.MarkRead(ctx, m.ConversationID, midsec.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, st)
}

// GET /conversations/:id/unread-messages?limit=50
func (h *Handlers) unreadMessages(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.Pipeline.Unread(c.Request.Context(), conv, midsec.UserID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": list})
}

// POST /messages/read-receipts  {messageIds}
func (h *Handlers) bulkReaders(c *gin.Context) {
	var in idsBody
	if !h.bind(c, &in) {
		return
	}
	if len(in.MessageIDs) == 0 {
		h.fail(c, errs.ErrArgs.WrapMsg("messageIds is empty"))
		return
	}
	out, err := h.Receipts.ReadersBulk(c.Request.Context(), in.MessageIDs, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": out})
}

func (h *Handlers) markAllRead(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.Receipts.MarkAllRead(c.Request.Context(), conv, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, st)
}

func (h *Handlers) unreadCount(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.Receipts.UnreadCount(c.Request.Context(), conv, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, info)
}

func (h *Handlers) readers(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	list, err := h.Receipts.Readers(c.Request.Context(), id, midsec.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"items": list})
}

// ===== presence =====

func (h *Handlers) onlineStatus(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Auth.CheckMembership(ctx, midsec.UserID(c), conv); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, h.Presence.ConversationStatus(ctx, conv))
}

func (h *Handlers) typingUsers(c *gin.Context) {
	conv, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Auth.CheckMembership(ctx, midsec.UserID(c), conv); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"conversationId": conv, "userIds": h.Presence.TypingUsers(ctx, conv)})
}

func (h *Handlers) userOnline(c *gin.Context) {
	uid, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, gin.H{"userId": uid, "online": h.Presence.IsOnline(c.Request.Context(), uid)})
}

// ===== conversations =====

func (h *Handlers) directConversation(c *gin.Context) {
	var in directBody
	if !h.bind(c, &in) {
		return
	}
	conv, created, err := h.Conversations.GetOrCreateDirect(c.Request.Context(), midsec.UserID(c), in.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.ok(c, status, conv)
}

// reportTarget 审核台预览被举报的消息
func (h *Handlers) reportTarget(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	m, err := h.Messages.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := h.Auth.CheckMembership(ctx, midsec.UserID(c), m.ConversationID); err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, report.Project(report.ForMessage(m)))
}
