package middleware

import (
	midsec "PPRealtime/middleware/security"

	"github.com/gin-gonic/gin"
)

// RouteOpt 路由选项
type RouteOpt struct {
	IsAuth bool
}

// Router 带鉴权选项的路由注册
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRouter(r gin.IRoutes, auth *midsec.Options) *Router {
	return &Router{r: r, auth: midsec.Middleware(auth)}
}

func (rt *Router) handlers(h gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	if opt.IsAuth {
		return []gin.HandlerFunc{rt.auth, h}
	}
	return []gin.HandlerFunc{h}
}

func (rt *Router) GET(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.GET(path, rt.handlers(h, opt)...)
}

func (rt *Router) POST(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.POST(path, rt.handlers(h, opt)...)
}

func (rt *Router) PUT(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.PUT(path, rt.handlers(h, opt)...)
}

func (rt *Router) DELETE(path string, h gin.HandlerFunc, opt RouteOpt) {
	rt.r.DELETE(path, rt.handlers(h, opt)...)
}
