// resync.go — 防抖的权威全量重拉。
//
// 外部观察到的活动 (别的客户端发起的 turn) 只说明本地状态可能落后,
// 不说明落后多少。重拉被防抖: 每线程同一时刻至多一个在途拉取,
// 排队请求合并进单个 pending 槽, 一阵心跳只产生一次拉取。
package session

import (
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

// scheduleResyncLocked 排队一次重拉, 调用方必须持锁。
//
// force 跳过防抖窗口 (终止事件后的权威重载用), 但仍与在途拉取合并。
func (s *Session) scheduleResyncLocked(threadID string, force bool) {
	if threadID == "" || threadID != s.focused {
		return
	}
	if s.resyncInFlight {
		// 在途拉取完成后会检查 pending 槽再补一轮。
		s.resyncPending = threadID
		return
	}
	if s.resyncTimer != nil {
		// 已有排队定时器, 合并。
		s.resyncPending = threadID
		return
	}

	var delay time.Duration
	if !force {
		if wait := s.resyncNext.Sub(s.now()); wait > 0 {
			delay = wait
		}
	}
	s.resyncPending = threadID
	s.resyncTimer = time.AfterFunc(delay, s.fireResync)
}

// dropResyncLocked 丢弃排队中的重拉 (焦点切换时调用, 不重定向)。
func (s *Session) dropResyncLocked() {
	s.resyncPending = ""
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
		s.resyncTimer = nil
	}
}

// fireResync 定时器回调: 取出 pending 槽并执行拉取。
func (s *Session) fireResync() {
	s.mu.Lock()
	s.resyncTimer = nil
	threadID := s.resyncPending
	s.resyncPending = ""
	// 焦点已切换的排队请求直接丢弃。
	if threadID == "" || threadID != s.focused {
		s.mu.Unlock()
		return
	}
	s.resyncInFlight = true
	seq := s.loadSeq
	s.mu.Unlock()

	util.SafeGo(func() { s.runResync(seq, threadID) })
}

// runResync 执行一次权威拉取并套用结果。
func (s *Session) runResync(seq uint64, threadID string) {
	thread, err := s.api.FetchThread(s.ctx, threadID)

	s.mu.Lock()
	s.resyncInFlight = false
	s.resyncNext = s.now().Add(s.resyncDebounce)

	stale := seq != s.loadSeq || s.focused != threadID
	if err == nil && !stale {
		s.setThreadLocked(threadID, thread)
	}

	// 在途期间又有请求进来 → 补一轮 (走防抖窗口)。
	if s.resyncPending != "" && s.resyncPending == s.focused {
		pending := s.resyncPending
		s.resyncPending = ""
		s.scheduleResyncLocked(pending, false)
	}
	s.mu.Unlock()

	if err != nil {
		// 轮询兜底, 重拉失败不面向用户。
		logger.Warn("session: resync fetch failed",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}
	if stale {
		logger.Debug("session: stale resync discarded", logger.FieldThreadID, threadID)
		return
	}
	if thread.ActiveTurnID != "" {
		s.store.SetActiveTurn(threadID, thread.ActiveTurnID)
	}
	s.emitChange()
}
