package security

import (
	"net/http"
	"strings"

	"PPRealtime/tools/errs"
	"PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
)

// PPCtxUserIDKey 鉴权通过后写入 gin.Context 的用户 ID（int64）
const PPCtxUserIDKey = "userId"

type Options struct {
	JWT security.Options
	// 读取哪个请求头，默认 Authorization
	HeaderToken string
	// WS 握手时浏览器带不了头，允许 ?token=
	QueryToken string
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:         security.DefaultOptions(secret),
		HeaderToken: "Authorization",
		QueryToken:  "token",
	}
}

// Authenticate 解析并校验请求携带的 token，返回用户 ID
func Authenticate(opts *Options, r *http.Request) (int64, error) {
	token := security.BearerToken(r.Header.Get(opts.HeaderToken))
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(r.URL.Query().Get(opts.QueryToken))
	}
	if token == "" {
		return 0, errs.ErrUnauthorized.WrapMsg("missing token")
	}
	claims, err := security.Verify(opts.JWT, token)
	if err != nil {
		return 0, errs.ErrUnauthorized.WrapMsg("invalid token", "err", err)
	}
	uid, err := claims.UserID()
	if err != nil {
		return 0, errs.ErrUnauthorized.WrapMsg("invalid subject", "err", err)
	}
	return uid, nil
}

func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := Authenticate(opts, c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.Public(err))
			return
		}
		c.Set(PPCtxUserIDKey, uid)
		c.Next()
	}
}

// UserID 读取已鉴权用户
func UserID(c *gin.Context) int64 {
	return c.GetInt64(PPCtxUserIDKey)
}
