// poller.go — 焦点线程的自适应轮询兜底。
//
// 通知可能在重连窗口丢失, 轮询周期性拉权威状态兜底。
// 两速自适应: turn 活跃 (或看门狗未过期) 时用短间隔, 静息时用长间隔。
// 不做指数退避。
package session

import (
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

// startPollerLocked 为焦点线程启动轮询循环, 调用方必须持锁。
// 代数自增使旧循环在下一次检查时自然退出。
func (s *Session) startPollerLocked(threadID string) {
	s.pollGen++
	gen := s.pollGen
	util.SafeGo(func() { s.pollLoop(gen, threadID) })
}

func (s *Session) pollLoop(gen uint64, threadID string) {
	for {
		s.mu.Lock()
		if gen != s.pollGen || s.focused != threadID {
			s.mu.Unlock()
			return
		}
		interval := s.pollIdle
		if snap, ok := s.store.Snapshot(threadID); ok {
			if snap.ActiveTurnID != "" || s.store.WatchdogActive(threadID) {
				interval = s.pollActive
			}
		}
		s.mu.Unlock()

		if !s.sleepPoll(interval) {
			return
		}
		// 本地发送在途时跳过, 避免跟乐观状态赛跑。
		s.mu.Lock()
		skip := s.sendInFlight
		s.mu.Unlock()
		if skip {
			continue
		}
		s.pollOnce(gen, threadID)
	}
}

func (s *Session) sleepPoll(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// pollOnce 拉一次权威摘要并与本地状态归并。
func (s *Session) pollOnce(gen uint64, threadID string) {
	summary, err := s.api.FetchThreadSummary(s.ctx, threadID)
	if err != nil {
		// 轮询错误尽力而为, 下个 tick 重试, 不面向用户。
		logger.Debug("session: poll fetch failed",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}

	s.mu.Lock()
	if gen != s.pollGen || s.focused != threadID {
		s.mu.Unlock()
		return
	}
	// 本地副本只在权威状态真的变了时替换, 避免无谓的视图抖动。
	needFull := s.thread == nil ||
		!summary.UpdatedAt.Equal(s.thread.UpdatedAt) ||
		summary.ActiveTurnID != s.thread.ActiveTurnID
	seq := s.loadSeq
	s.mu.Unlock()

	if needFull {
		thread, err := s.api.FetchThread(s.ctx, threadID)
		if err == nil {
			s.mu.Lock()
			if gen == s.pollGen && seq == s.loadSeq && s.focused == threadID {
				s.setThreadLocked(threadID, thread)
			}
			s.mu.Unlock()
		}
	}

	s.reconcileAuthoritative(threadID, summary.ActiveTurnID, summary.TurnStatus)
	s.emitChange()
}

// reconcileAuthoritative 把服务端报告的 turn 状态并进快照。
//
// 证据优先级: 服务端显式的 error/complete/idle 状态直接采信,
// 覆盖未过期的看门狗 — 看门狗兜的是信息缺失, 不是信息冲突。
func (s *Session) reconcileAuthoritative(threadID, activeTurnID, turnStatus string) {
	snap, ok := s.store.Snapshot(threadID)
	if !ok {
		return
	}

	if activeTurnID != "" && activeTurnID != snap.ActiveTurnID {
		s.store.SetActiveTurn(threadID, activeTurnID)
	}

	// 阻塞中的人工决定优先于一切 running 推断。
	if snap.PendingApproval != nil || snap.PendingUserInput != nil {
		return
	}

	switch turnStatus {
	case "completed", "failed", "interrupted", "idle":
		if snap.ActiveTurnID != "" || snap.StreamingText != "" || len(snap.ActiveCommands) > 0 {
			s.store.ClearTurn(threadID)
		}
		activity := threadstate.Activity{Tone: threadstate.ToneIdle}
		switch turnStatus {
		case "completed", "interrupted":
			activity = threadstate.Activity{Tone: threadstate.ToneComplete, Title: "Completed"}
		case "failed":
			activity = threadstate.Activity{Tone: threadstate.ToneError, Title: "Turn failed"}
		}
		if snap.Activity != activity {
			s.store.SetActivity(threadID, activity)
		}
	case "running":
		if snap.Activity.Tone != threadstate.ToneRunning {
			s.store.SetActivity(threadID, threadstate.Activity{
				Tone:  threadstate.ToneRunning,
				Title: "Working",
			})
		}
		s.store.ExtendWatchdog(threadID)
	default:
		// 服务端没报状态: 看门狗未过期时维持 running 推断。
		shouldRun := activeTurnID != "" || s.store.WatchdogActive(threadID)
		if shouldRun && snap.Activity.Tone != threadstate.ToneRunning {
			s.store.SetActivity(threadID, threadstate.Activity{
				Tone:  threadstate.ToneRunning,
				Title: "Working",
			})
		}
	}
}
