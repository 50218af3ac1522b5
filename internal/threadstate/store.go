// store.go — 线程运行时状态的唯一写入口。
package threadstate

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
)

// defaultWatchdogGrace 看门狗默认宽限期。
const defaultWatchdogGrace = 60 * time.Second

// Observer 状态变更回调, 参数为变化的线程 id。
// 回调在 Store 锁外执行, 可以安全地回读快照。
type Observer func(threadID string)

// threadRuntime 快照之外的内部缓冲 (不对外暴露)。
type threadRuntime struct {
	snap RuntimeSnapshot
	// tickerBuf 累积 reasoning 文本, 只用于标题探测。
	tickerBuf string
}

// Store 持有全部线程的运行时状态。
//
// 单锁保护 map 与每个线程的快照; 所有写路径都会刷新 UpdatedAt
// 并在锁外通知订阅者。
type Store struct {
	mu        sync.Mutex
	threads   map[string]*threadRuntime
	grace     time.Duration
	observers map[int]Observer
	nextObs   int
	now       func() time.Time
}

// NewStore 创建状态仓库。grace <= 0 时使用默认 60 秒。
func NewStore(grace time.Duration) *Store {
	if grace <= 0 {
		grace = defaultWatchdogGrace
	}
	return &Store{
		threads:   make(map[string]*threadRuntime),
		grace:     grace,
		observers: make(map[int]Observer),
		now:       time.Now,
	}
}

// SetClock 替换时钟, 仅测试使用。
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Subscribe 注册变更回调, 返回注销函数。
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Snapshot 返回指定线程快照的深拷贝。
func (s *Store) Snapshot(threadID string) (RuntimeSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.threads[threadID]
	if !ok {
		return RuntimeSnapshot{}, false
	}
	return rt.snap.Clone(), true
}

// Snapshots 返回全部线程快照, 按线程 id 排序。
func (s *Store) Snapshots() []RuntimeSnapshot {
	s.mu.Lock()
	out := make([]RuntimeSnapshot, 0, len(s.threads))
	for _, rt := range s.threads {
		out = append(out, rt.snap.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// Touch 确保线程条目存在 (懒创建)。
func (s *Store) Touch(threadID string) {
	s.mu.Lock()
	s.ensureLocked(threadID)
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// ExtendWatchdog 心跳续约: until = max(当前值, now+grace)。
// 时钟回拨或乱序心跳不会把截止时间往回拉。
func (s *Store) ExtendWatchdog(threadID string) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	candidate := s.now().Add(s.grace)
	if candidate.After(rt.snap.RunWatchdogUntil) {
		rt.snap.RunWatchdogUntil = candidate
	}
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// WatchdogActive 报告看门狗是否仍在宽限期内。
func (s *Store) WatchdogActive(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.threads[threadID]
	if !ok {
		return false
	}
	return rt.snap.RunWatchdogUntil.After(s.now())
}

// SetActivity 覆盖线程活动描述。
func (s *Store) SetActivity(threadID string, activity Activity) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.snap.Activity = activity
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// SetActiveTurn 替换当前活跃 turn id (不累积历史)。
func (s *Store) SetActiveTurn(threadID, turnID string) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.snap.ActiveTurnID = turnID
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// AppendRunEvent 追加一条工作时间线记录。
//
// 与末尾记录 (eventType, detail) 完全相同时抑制; 超出上限时丢最旧。
func (s *Store) AppendRunEvent(threadID, eventType, detail string) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	if n := len(rt.snap.ActiveCommands); n > 0 {
		last := rt.snap.ActiveCommands[n-1]
		if last.EventType == eventType && last.Detail == detail {
			s.mu.Unlock()
			return
		}
	}
	rt.snap.ActiveCommands = append(rt.snap.ActiveCommands, RunEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		EventType: eventType,
		At:        s.now(),
		Detail:    detail,
	})
	if len(rt.snap.ActiveCommands) > maxRunEvents {
		rt.snap.ActiveCommands = rt.snap.ActiveCommands[len(rt.snap.ActiveCommands)-maxRunEvents:]
	}
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// AppendMessageDelta 把 assistant 消息增量归并进流式缓冲,
// 返回归并后的全文。
func (s *Store) AppendMessageDelta(threadID, delta string) string {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.snap.StreamingText = MergeStreamText(rt.snap.StreamingText, delta)
	rt.snap.UpdatedAt = s.now()
	merged := rt.snap.StreamingText
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
	return merged
}

// AppendReasoningDelta 把 reasoning 增量归并进 ticker 缓冲,
// 返回当前投影标题。缓冲不进入快照。
func (s *Store) AppendReasoningDelta(threadID, delta string) string {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.tickerBuf = MergeStreamText(rt.tickerBuf, delta)
	rt.snap.UpdatedAt = s.now()
	title := TickerProjection(rt.tickerBuf)
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
	return title
}

// BreakTickerSection reasoning 分节: 清空 ticker 缓冲,
// 让下一段文本重新探测标题。
func (s *Store) BreakTickerSection(threadID string) {
	s.mu.Lock()
	if rt, ok := s.threads[threadID]; ok {
		rt.tickerBuf = ""
	}
	s.mu.Unlock()
}

// TickerTitle 返回当前 reasoning 缓冲的投影标题。
func (s *Store) TickerTitle(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.threads[threadID]
	if !ok {
		return ""
	}
	return TickerProjection(rt.tickerBuf)
}

/// ClearTurn 终止事件后的清场: 时间线、流式缓冲、活跃 turn、看门狗
// 全部复位。审批/用户输入请求只随 resolution 销毁, 这里不动。
func (s *Store) ClearTurn(threadID string) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.snap.ActiveCommands = nil
	rt.snap.StreamingText = ""
	rt.snap.ActiveTurnID = ""
	rt.snap.RunWatchdogUntil = time.Time{}
	rt.tickerBuf = ""
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// SetPendingApproval 设置阻塞审批 (单槽, 新请求覆盖旧请求)。
func (s *Store) SetPendingApproval(threadID string, approval *PendingApproval) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	if rt.snap.PendingApproval != nil && approval != nil {
		logger.Warn("pending approval replaced",
			logger.FieldThreadID, threadID,
			"old_id", rt.snap.PendingApproval.ID,
			"new_id", approval.ID)
	}
	rt.snap.PendingApproval = approval
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// ResolveApproval 按 id 跨线程清除阻塞审批。
// resolution 通知不一定带线程 id, 所以只认请求 id。
func (s *Store) ResolveApproval(id string) (string, bool) {
	s.mu.Lock()
	var hit string
	for threadID, rt := range s.threads {
		if rt.snap.PendingApproval != nil && rt.snap.PendingApproval.ID == id {
			rt.snap.PendingApproval = nil
			rt.snap.UpdatedAt = s.now()
			hit = threadID
			break
		}
	}
	fns := s.observerList()
	s.mu.Unlock()
	if hit == "" {
		return "", false
	}
	s.fire(fns, hit)
	return hit, true
}

// SetPendingUserInput 设置阻塞用户输入请求 (单槽)。
func (s *Store) SetPendingUserInput(threadID string, input *PendingUserInput) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	rt.snap.PendingUserInput = input
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// ResolveUserInput 按 id 跨线程清除用户输入请求。
func (s *Store) ResolveUserInput(id string) (string, bool) {
	s.mu.Lock()
	var hit string
	for threadID, rt := range s.threads {
		if rt.snap.PendingUserInput != nil && rt.snap.PendingUserInput.ID == id {
			rt.snap.PendingUserInput = nil
			rt.snap.UpdatedAt = s.now()
			hit = threadID
			break
		}
	}
	fns := s.observerList()
	s.mu.Unlock()
	if hit == "" {
		return "", false
	}
	s.fire(fns, hit)
	return hit, true
}

// ApplyPlanUpdate 应用计划更新。
//
// (threadID, turnID) 与现有计划不同则整体重置; 相同则累积:
// steps/explanation 非空时覆盖, deltaText 走流式归并。
func (s *Store) ApplyPlanUpdate(threadID, turnID, explanation string, steps []PlanStep, deltaText string) {
	s.mu.Lock()
	rt := s.ensureLocked(threadID)
	plan := rt.snap.Plan
	if plan == nil || plan.ThreadID != threadID || plan.TurnID != turnID {
		plan = &ActivePlan{ThreadID: threadID, TurnID: turnID}
		rt.snap.Plan = plan
	}
	if explanation != "" {
		plan.Explanation = explanation
	}
	if len(steps) > 0 {
		plan.Steps = append([]PlanStep(nil), steps...)
	}
	if deltaText != "" {
		plan.DeltaText = MergeStreamText(plan.DeltaText, deltaText)
	}
	plan.UpdatedAt = s.now()
	rt.snap.UpdatedAt = s.now()
	fns := s.observerList()
	s.mu.Unlock()
	s.fire(fns, threadID)
}

// Forget 整体丢弃线程状态 (线程被删除或归档时调用)。
func (s *Store) Forget(threadID string) {
	s.mu.Lock()
	_, existed := s.threads[threadID]
	delete(s.threads, threadID)
	fns := s.observerList()
	s.mu.Unlock()
	if existed {
		s.fire(fns, threadID)
	}
}

// ensureLocked 懒创建线程条目, 调用方必须持锁。
func (s *Store) ensureLocked(threadID string) *threadRuntime {
	rt, ok := s.threads[threadID]
	if !ok {
		rt = &threadRuntime{snap: RuntimeSnapshot{
			ThreadID: threadID,
			Activity: Activity{Tone: ToneIdle},
		}}
		s.threads[threadID] = rt
	}
	return rt
}

// observerList 拷贝订阅者列表, 调用方必须持锁。
func (s *Store) observerList() []Observer {
	if len(s.observers) == 0 {
		return nil
	}
	fns := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	return fns
}

func (s *Store) fire(fns []Observer, threadID string) {
	for _, fn := range fns {
		fn(threadID)
	}
}
