// view.go — 焦点线程的只读可见投影。
package session

import (
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/bridge"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
)

// View 渲染层读取的唯一数据面。
//
// 永远由快照纯投影得出, 渲染层不直接碰后台快照 map。
type View struct {
	ThreadID         string                        `json:"threadId,omitempty"`
	Thread           *bridge.Thread                `json:"thread,omitempty"`
	Activity         threadstate.Activity          `json:"activity"`
	StreamingText    string                        `json:"streamingText,omitempty"`
	ActiveCommands   []threadstate.RunEvent        `json:"activeCommands,omitempty"`
	PendingApproval  *threadstate.PendingApproval  `json:"pendingApproval,omitempty"`
	PendingUserInput *threadstate.PendingUserInput `json:"pendingUserInputRequest,omitempty"`
	Plan             *threadstate.ActivePlan       `json:"activePlan,omitempty"`
	ActiveTurnID     string                        `json:"activeTurnId,omitempty"`
	ActionError      string                        `json:"actionError,omitempty"`
}

// projectLocked 从快照投影可见状态, 调用方必须持 Session 锁。
func (s *Session) projectLocked() View {
	view := View{
		ThreadID:    s.focused,
		Activity:    threadstate.Activity{Tone: threadstate.ToneIdle},
		ActionError: s.actionErr,
	}
	if s.thread != nil {
		// 投影持有消息列表的独立副本: 读取方 (SSE 序列化等) 可能在
		// 本地副本被继续追加时还拿着旧 View。
		t := *s.thread
		t.Messages = append([]bridge.Message(nil), s.thread.Messages...)
		view.Thread = &t
	}
	if s.focused == "" {
		return view
	}
	snap, ok := s.store.Snapshot(s.focused)
	if !ok {
		return view
	}
	view.Activity = snap.Activity
	view.StreamingText = snap.StreamingText
	view.ActiveCommands = snap.ActiveCommands
	view.PendingApproval = snap.PendingApproval
	view.PendingUserInput = snap.PendingUserInput
	view.Plan = snap.Plan
	view.ActiveTurnID = snap.ActiveTurnID
	return view
}

// VisibleState 返回当前可见投影。
func (s *Session) VisibleState() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectLocked()
}

// emitChange 投影并通知渲染回调, 必须在不持锁时调用。
func (s *Session) emitChange() {
	s.mu.Lock()
	fn := s.onChange
	view := s.projectLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}
