// Package statepanel 提供本地状态面板 HTTP 服务。
//
// 面板是引擎的渲染边界: 只读焦点线程的可见投影和各线程快照,
// 写操作全部转发给 session, 不直接碰状态。
package statepanel

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/session"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
)

// Server 状态面板 HTTP 服务。
type Server struct {
	router *gin.Engine
	store  *threadstate.Store
	sess   *session.Session
	bus    *EventBus
	http   *http.Server
}

// NewServer 创建面板服务并把快照变更接上 SSE 总线。
func NewServer(store *threadstate.Store, sess *session.Session) *Server {
	r := gin.Default()
	s := &Server{router: r, store: store, sess: sess, bus: NewEventBus()}
	s.registerRoutes()

	store.Subscribe(func(threadID string) {
		if snap, ok := store.Snapshot(threadID); ok {
			s.bus.Publish(Event{Type: "thread_state", Data: snap})
		}
	})
	return s
}

// Engine 返回 Gin 引擎 (测试用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// PublishView 把可见投影推给 SSE 订阅者 (挂在 session OnChange 上)。
func (s *Server) PublishView(view session.View) {
	s.bus.Publish(Event{Type: "view", Data: view})
}

// Run 阻塞监听。
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	logger.Info("statepanel: listening", logger.FieldAddr, addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅关停。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
