// Package session 持有焦点线程与 turn 生命周期的协调逻辑。
//
// Session 对象同时拥有可变状态和处理方法, 通知回调拿到的焦点线程 id
// 由 Session 在调用时提供, 不经过可变闭包。单把互斥锁串行化全部变更,
// 网络请求都在锁外执行。
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/bridge"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
	apperrors "github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/errors"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

// Options Session 可调参数与回调挂点。
type Options struct {
	// ResyncDebounce 外部活动触发的全量重拉的防抖窗口。
	ResyncDebounce time.Duration
	// PollActive turn 活跃 (或看门狗未过期) 时的轮询间隔。
	PollActive time.Duration
	// PollIdle 静息时的轮询间隔。
	PollIdle time.Duration
	// OnChange 可见投影变化回调。
	OnChange func(View)
	// OnFocusChange 焦点切换回调 (持久化最近线程等用途)。
	OnFocusChange func(threadID string)
	// Clock 时钟注入, 默认 time.Now。
	Clock func() time.Time
}

// Session 焦点线程的生命周期协调器。
type Session struct {
	mu    sync.Mutex
	store *threadstate.Store
	api   bridge.Client
	now   func() time.Time

	resyncDebounce time.Duration
	pollActive     time.Duration
	pollIdle       time.Duration

	focused   string
	loadSeq   uint64
	thread    *bridge.Thread
	actionErr string

	// stopRequested 线程 id → 用户已请求打断。
	// 命中时终止事件降级为中性的 "stopped" 完成。
	stopRequested map[string]bool
	// selfInitiated 线程 id → 本客户端自己发起的 turn。
	// 自己发起的 turn 的心跳不触发外部活动重拉。
	selfInitiated map[string]bool
	// synthetic 线程 id → 本地合成消息 (服务端不知道的 "stopped" 提示)。
	// 权威重载会整体替换消息列表, 合成消息在每次替换后重放。
	synthetic    map[string][]bridge.Message
	sendInFlight bool

	// 防抖重拉状态 (见 resync.go)
	resyncPending  string
	resyncTimer    *time.Timer
	resyncInFlight bool
	resyncNext     time.Time

	// 轮询代数, 换焦点即作废旧循环 (见 poller.go)
	pollGen uint64

	onChange func(View)
	onFocus  func(threadID string)
	ctx      context.Context
	cancel   context.CancelFunc
}

// New 创建 Session。
func New(store *threadstate.Store, api bridge.Client, opts Options) *Session {
	if opts.ResyncDebounce <= 0 {
		opts.ResyncDebounce = 1500 * time.Millisecond
	}
	if opts.PollActive <= 0 {
		opts.PollActive = 2 * time.Second
	}
	if opts.PollIdle <= 0 {
		opts.PollIdle = 2500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		store:          store,
		api:            api,
		now:            opts.Clock,
		resyncDebounce: opts.ResyncDebounce,
		pollActive:     opts.PollActive,
		pollIdle:       opts.PollIdle,
		stopRequested:  make(map[string]bool),
		selfInitiated:  make(map[string]bool),
		synthetic:      make(map[string][]bridge.Message),
		onChange:       opts.OnChange,
		onFocus:        opts.OnFocusChange,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close 停止轮询与后台加载。
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	s.pollGen++
	s.dropResyncLocked()
	s.mu.Unlock()
}

// FocusedThread 返回当前焦点线程 id, 无焦点时为空。
func (s *Session) FocusedThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// OpenThread 切换焦点到指定线程并异步加载权威状态。
//
// 焦点切换立即生效; 旧线程排队中的重拉被丢弃 (不重定向),
// 迟到的旧加载结果被请求计数器拦截。
func (s *Session) OpenThread(threadID string) error {
	if threadID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Session.OpenThread", "empty thread id")
	}
	s.mu.Lock()
	s.focused = threadID
	s.loadSeq++
	seq := s.loadSeq
	s.thread = nil
	s.actionErr = ""
	s.dropResyncLocked()
	s.startPollerLocked(threadID)
	onFocus := s.onFocus
	s.mu.Unlock()

	s.store.Touch(threadID)
	if onFocus != nil {
		onFocus(threadID)
	}

	util.SafeGo(func() { s.loadThread(seq, threadID) })
	s.emitChange()
	return nil
}

// CloseThread 取消焦点: 停轮询、丢弃排队重拉。后台快照保留。
func (s *Session) CloseThread() {
	s.mu.Lock()
	s.focused = ""
	s.loadSeq++
	s.thread = nil
	s.actionErr = ""
	s.pollGen++
	s.dropResyncLocked()
	onFocus := s.onFocus
	s.mu.Unlock()

	if onFocus != nil {
		onFocus("")
	}
	s.emitChange()
}

// loadThread 拉取线程全量状态, 过期结果无条件丢弃。
func (s *Session) loadThread(seq uint64, threadID string) {
	thread, err := s.api.FetchThread(s.ctx, threadID)

	s.mu.Lock()
	if seq != s.loadSeq || s.focused != threadID {
		s.mu.Unlock()
		logger.Debug("session: stale thread load discarded",
			logger.FieldThreadID, threadID, "seq", seq)
		return
	}
	if err != nil {
		// 轮询会在下一个 tick 重试, 加载失败不直接面向用户。
		s.mu.Unlock()
		logger.Warn("session: thread load failed",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}
	s.setThreadLocked(threadID, thread)
	s.mu.Unlock()

	if thread.ActiveTurnID != "" {
		s.store.SetActiveTurn(threadID, thread.ActiveTurnID)
	}
	s.recoverPendingApprovals(threadID)
	s.emitChange()
}

// recoverPendingApprovals 补查服务端登记的待审批请求。
// 审批通知可能在断线窗口丢失, 打开线程时对账一次。
func (s *Session) recoverPendingApprovals(threadID string) {
	approvals, err := s.api.ListPendingApprovals(s.ctx, threadID)
	if err != nil {
		logger.Debug("session: pending approval lookup failed",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		return
	}
	if len(approvals) == 0 {
		return
	}
	if snap, ok := s.store.Snapshot(threadID); ok && snap.PendingApproval != nil {
		return
	}
	a := approvals[0]
	kind := threadstate.ApprovalCommandExecution
	if strings.Contains(strings.ToLower(a.Kind), "file") {
		kind = threadstate.ApprovalFileChange
	}
	s.store.SetPendingApproval(threadID, &threadstate.PendingApproval{
		ID:          a.ID,
		Kind:        kind,
		ThreadID:    threadID,
		TurnID:      a.TurnID,
		RequestedAt: s.now(),
		Reason:      a.Reason,
		Command:     a.Command,
	})
	detail := a.Command
	if detail == "" {
		detail = a.Reason
	}
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneIdle,
		Title:  "Approval required",
		Detail: threadstate.CompactOneLine(detail, 64),
	})
}

// setThreadLocked 替换本地线程副本并重放本地合成消息, 调用方必须持锁。
func (s *Session) setThreadLocked(threadID string, thread *bridge.Thread) {
	if extras := s.synthetic[threadID]; len(extras) > 0 {
		thread.Messages = append(thread.Messages, extras...)
	}
	s.thread = thread
}

// ResyncFocused 强制重拉焦点线程的权威状态。
// 传输层重连后调用, 补上断线窗口内丢失的通知。
func (s *Session) ResyncFocused() {
	s.mu.Lock()
	if s.focused != "" {
		s.scheduleResyncLocked(s.focused, true)
	}
	s.mu.Unlock()
}

// ========================================
// 用户动作
// ========================================

// SendMessage 在焦点线程发送用户消息。
//
// 同一时刻只允许一个发送在途; turn 创建确认后立即登记活跃 turn,
// 不等第一条通知。
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	threadID := s.focused
	if threadID == "" {
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Session.SendMessage", "no focused thread")
	}
	if s.sendInFlight {
		s.mu.Unlock()
		return apperrors.New("Session.SendMessage", "send already in flight")
	}
	s.sendInFlight = true
	s.actionErr = ""
	s.mu.Unlock()

	_, err := s.api.SendMessage(ctx, threadID, text, bridge.SendOptions{
		OnTurnStarted: func(turnID string) {
			s.mu.Lock()
			s.selfInitiated[threadID] = true
			delete(s.synthetic, threadID)
			s.mu.Unlock()
			s.store.SetActiveTurn(threadID, turnID)
			s.store.SetActivity(threadID, threadstate.Activity{
				Tone:  threadstate.ToneRunning,
				Title: "Working",
			})
		},
	})

	s.mu.Lock()
	s.sendInFlight = false
	if err != nil {
		s.actionErr = err.Error()
	}
	s.mu.Unlock()
	s.emitChange()
	if err != nil {
		return apperrors.Wrap(err, "Session.SendMessage", "send message")
	}
	return nil
}

// StopTurn 请求打断焦点线程的活跃 turn。
//
// 先置 stopRequested 再发请求, 保证打断产生的终止事件
// 到达时已能识别为用户主动停止。
func (s *Session) StopTurn(ctx context.Context) error {
	s.mu.Lock()
	threadID := s.focused
	if threadID == "" {
		s.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Session.StopTurn", "no focused thread")
	}
	var turnID string
	if snap, ok := s.store.Snapshot(threadID); ok {
		turnID = snap.ActiveTurnID
	}
	s.stopRequested[threadID] = true
	s.mu.Unlock()

	var err error
	if turnID != "" {
		err = s.api.InterruptTurn(ctx, threadID, turnID)
	} else {
		_, err = s.api.InterruptLatestTurn(ctx, threadID)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.stopRequested, threadID)
		if !apperrors.Is(err, apperrors.ErrNoActiveTurn) {
			s.actionErr = err.Error()
		}
		s.mu.Unlock()
		s.emitChange()
		return apperrors.Wrap(err, "Session.StopTurn", "interrupt turn")
	}
	return nil
}

// ResolveApproval 回传审批决定并清掉本地阻塞请求。
func (s *Session) ResolveApproval(ctx context.Context, id, decision string) error {
	if err := s.api.ResolveApproval(ctx, id, decision); err != nil {
		s.mu.Lock()
		s.actionErr = err.Error()
		s.mu.Unlock()
		s.emitChange()
		return apperrors.Wrap(err, "Session.ResolveApproval", "resolve approval")
	}
	s.store.ResolveApproval(id)
	s.emitChange()
	return nil
}

// ResolveUserInput 回传用户输入答案并清掉本地阻塞请求。
func (s *Session) ResolveUserInput(ctx context.Context, id string, answers map[string]string) error {
	if err := s.api.ResolveUserInput(ctx, id, answers); err != nil {
		s.mu.Lock()
		s.actionErr = err.Error()
		s.mu.Unlock()
		s.emitChange()
		return apperrors.Wrap(err, "Session.ResolveUserInput", "resolve user input")
	}
	s.store.ResolveUserInput(id)
	s.emitChange()
	return nil
}
