package api

import (
	"net/http"
	"strconv"

	"PPRealtime/logger"
	"PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/module/access"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/conversation"
	"PPRealtime/module/delivery"
	"PPRealtime/module/presence"
	"PPRealtime/module/reaction"
	"PPRealtime/module/receipt"
	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers REST 与 WS 动作共用同一组领域服务
type Handlers struct {
	Pipeline      *delivery.Pipeline
	Receipts      *receipt.Ledger
	Reactions     *reaction.Ledger
	Presence      *presence.Tracker
	Conversations *conversation.Service
	Registry      *chat.Registry
	Messages      store.Messages
	Auth          access.Authorizer

	log *zap.Logger
}

func (h *Handlers) logger() *zap.Logger {
	if h.log == nil {
		h.log = logger.Named("api")
	}
	return h.log
}

// Routes 挂载全部 REST 路由，均需鉴权
func (h *Handlers) Routes(rt *middleware.Router) {
	auth := middleware.RouteOpt{IsAuth: true}

	rt.GET("/conversations/:id/messages", h.listMessages, auth)
	rt.POST("/conversations/:id/messages", h.sendMessage, auth)
	rt.POST("/messages/conversation/:id", h.sendMessage, auth)
	rt.POST("/conversations/:id/messages/delete", h.deleteMessages, auth)
	rt.PUT("/messages/:id", h.editMessage, auth)
	rt.DELETE("/messages/:id", h.deleteMessage, auth)
	rt.DELETE("/messages/:id/permanent", h.purgeMessage, auth)
	rt.GET("/messages/:id/replies", h.listReplies, auth)

	rt.GET("/messages/:id/reactions", h.listReactions, auth)
	rt.GET("/messages/:id/reactions/summary", h.reactionSummary, auth)
	rt.POST("/messages/:id/reactions", h.addReaction, auth)
	rt.DELETE("/messages/:id/reactions", h.removeReaction, auth)
	rt.DELETE("/messages/:id/reactions/:emoji", h.removeReaction, auth)
	rt.DELETE("/reactions/:id", h.removeReactionByID, auth)

	rt.POST("/conversations/:id/read", h.markRead, auth)
	rt.POST("/messages/:id/read", h.markMessageRead, auth)
	rt.POST("/conversations/:id/read-all", h.markAllRead, auth)
	rt.GET("/conversations/:id/unread-count", h.unreadCount, auth)
	rt.GET("/conversations/:id/unread-messages", h.unreadMessages, auth)
	rt.GET("/messages/:id/readers", h.readers, auth)
	rt.POST("/messages/read-receipts", h.bulkReaders, auth)

	rt.GET("/conversations/:id/online-status", h.onlineStatus, auth)
	rt.GET("/conversations/:id/typing", h.typingUsers, auth)
	rt.GET("/users/:id/online", h.userOnline, auth)

	rt.POST("/conversations/direct", h.directConversation, auth)
	rt.GET("/messages/:id/report-target", h.reportTarget, auth)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrArgs.WrapMsg("invalid path id", name, c.Param(name))
	}
	return id, nil
}

func (h *Handlers) ok(c *gin.Context, status int, data any) {
	if data == nil {
		c.Status(status)
		return
	}
	c.JSON(status, data)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Warn("request failed", zap.String("path", c.FullPath()),
			zap.Int64("user_id", midsec.UserID(c)), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errs.Public(err))
}

func (h *Handlers) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, errs.ErrArgs.WrapMsg("invalid body", "err", err.Error()))
		return false
	}
	return true
}
