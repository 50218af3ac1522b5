package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/bridge"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
)

// fakeClient 内存版 bridge.Client。
type fakeClient struct {
	mu          sync.Mutex
	threads     map[string]*bridge.Thread
	summaries   map[string]*bridge.ThreadSummary
	fetchBlock  map[string]chan struct{} // 存在则 FetchThread 阻塞到关闭
	fetchCount  map[string]int
	approvals   map[string][]bridge.ApprovalInfo
	interrupted []string
	resolved    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		threads:    make(map[string]*bridge.Thread),
		summaries:  make(map[string]*bridge.ThreadSummary),
		fetchBlock: make(map[string]chan struct{}),
		fetchCount: make(map[string]int),
		approvals:  make(map[string][]bridge.ApprovalInfo),
	}
}

func (f *fakeClient) addThread(id string, messages ...bridge.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[id] = &bridge.Thread{ID: id, Messages: messages, UpdatedAt: time.Now()}
}

func (f *fakeClient) FetchThread(ctx context.Context, threadID string) (*bridge.Thread, error) {
	f.mu.Lock()
	block := f.fetchBlock[threadID]
	f.fetchCount[threadID]++
	thread, ok := f.threads[threadID]
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, context.Canceled
	}
	copied := *thread
	copied.Messages = append([]bridge.Message(nil), thread.Messages...)
	return &copied, nil
}

func (f *fakeClient) FetchThreadSummary(ctx context.Context, threadID string) (*bridge.ThreadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.summaries[threadID]; ok {
		copied := *s
		return &copied, nil
	}
	if t, ok := f.threads[threadID]; ok {
		return &bridge.ThreadSummary{ID: threadID, UpdatedAt: t.UpdatedAt}, nil
	}
	return nil, context.Canceled
}

func (f *fakeClient) ListPendingApprovals(_ context.Context, threadID string) ([]bridge.ApprovalInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals[threadID], nil
}

func (f *fakeClient) SendMessage(ctx context.Context, threadID, text string, opts bridge.SendOptions) (string, error) {
	if opts.OnTurnStarted != nil {
		opts.OnTurnStarted("turn-sent")
	}
	return "turn-sent", nil
}

func (f *fakeClient) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, turnID)
	return nil
}

func (f *fakeClient) InterruptLatestTurn(ctx context.Context, threadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, "latest:"+threadID)
	return "turn-latest", nil
}

func (f *fakeClient) ResolveApproval(ctx context.Context, id, decision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id+":"+decision)
	return nil
}

func (f *fakeClient) ResolveUserInput(context.Context, string, map[string]string) error {
	return nil
}

func (f *fakeClient) SetNotificationHandler(bridge.NotificationHandler) {}
func (f *fakeClient) Close() error                                      { return nil }

func (f *fakeClient) threadFetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount[id]
}

// ========================================
// 测试工具
// ========================================

func newTestSession(t *testing.T, api bridge.Client) *Session {
	t.Helper()
	store := threadstate.NewStore(60 * time.Second)
	// 轮询间隔拉长, 避免轮询干扰非轮询测试。
	s := New(store, api, Options{
		ResyncDebounce: 50 * time.Millisecond,
		PollActive:     time.Hour,
		PollIdle:       time.Hour,
	})
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ========================================
// 场景测试
// ========================================

func TestUnscopedEventWithoutFocusIsNoop(t *testing.T) {
	api := newFakeClient()
	s := newTestSession(t, api)

	// 无焦点 + 无线程 id: 不 panic, 不产生状态。
	s.HandleNotification("item/agentMessage/delta", map[string]any{"delta": "orphan"})
	s.HandleNotification("turn/completed", nil)

	if view := s.VisibleState(); view.ThreadID != "" || view.StreamingText != "" {
		t.Fatalf("view mutated: %+v", view)
	}
	if snaps := s.store.Snapshots(); len(snaps) != 0 {
		t.Fatalf("snapshots created: %v", snaps)
	}
}

func TestStreamingLifecycleOnFocusedThread(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	s.HandleNotification("turn/started", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1"},
	})
	if view := s.VisibleState(); view.ActiveTurnID != "turn-1" {
		t.Fatalf("ActiveTurnID = %q", view.ActiveTurnID)
	}

	s.HandleNotification("item/agentMessage/delta", map[string]any{"threadId": "t-1", "delta": "Hel"})
	if view := s.VisibleState(); view.StreamingText != "Hel" {
		t.Fatalf("StreamingText = %q", view.StreamingText)
	}

	// cumulative 重发分支
	s.HandleNotification("item/agentMessage/delta", map[string]any{"threadId": "t-1", "delta": "Hello"})
	if view := s.VisibleState(); view.StreamingText != "Hello" {
		t.Fatalf("StreamingText = %q", view.StreamingText)
	}

	s.HandleNotification("turn/completed", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1", "status": "completed"},
	})
	view := s.VisibleState()
	if view.StreamingText != "" {
		t.Fatalf("StreamingText not cleared: %q", view.StreamingText)
	}
	if view.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID not cleared: %q", view.ActiveTurnID)
	}
	if view.Activity.Tone != threadstate.ToneComplete {
		t.Fatalf("tone = %q", view.Activity.Tone)
	}
}

func TestStopRequestedDowngradesInterrupt(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1", bridge.Message{ID: "m1", Role: "user", Text: "go"})
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.VisibleState().Thread != nil })

	s.HandleNotification("turn/started", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1"},
	})
	if err := s.StopTurn(context.Background()); err != nil {
		t.Fatalf("StopTurn: %v", err)
	}
	s.HandleNotification("turn/completed", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1", "status": "interrupted"},
	})

	view := s.VisibleState()
	if view.Activity.Tone != threadstate.ToneComplete {
		t.Fatalf("tone = %q, want complete", view.Activity.Tone)
	}
	var synthetic int
	for _, m := range view.Thread.Messages {
		if m.Role == "system" && m.Text == stoppedByUserText {
			synthetic++
		}
	}
	if synthetic != 1 {
		t.Fatalf("synthetic system messages = %d, want exactly 1", synthetic)
	}

	// 重放同一终止事件不得追加第二条。
	s.HandleNotification("turn/completed", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1", "status": "interrupted"},
	})
	view = s.VisibleState()
	synthetic = 0
	for _, m := range view.Thread.Messages {
		if m.Role == "system" && m.Text == stoppedByUserText {
			synthetic++
		}
	}
	if synthetic != 1 {
		t.Fatalf("after replay synthetic = %d", synthetic)
	}
}

func TestTurnFailedSurfacesError(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	s.HandleNotification("turn/started", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1"},
	})
	s.HandleNotification("turn/failed", map[string]any{
		"threadId": "t-1",
		"turn":     map[string]any{"id": "turn-1", "status": "failed", "error": "model exploded"},
	})

	view := s.VisibleState()
	if view.Activity.Tone != threadstate.ToneError {
		t.Fatalf("tone = %q, want error", view.Activity.Tone)
	}
	if view.Activity.Detail != "model exploded" {
		t.Fatalf("detail = %q", view.Activity.Detail)
	}
}

func TestTurnFailedFallbackDetail(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	s.HandleNotification("turn/failed", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"status": "failed"},
	})
	if view := s.VisibleState(); view.Activity.Detail != "Turn failed" {
		t.Fatalf("fallback detail = %q", view.Activity.Detail)
	}
}

func TestStaleLoadSuppression(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-A", bridge.Message{ID: "a1", Role: "user", Text: "from A"})
	api.addThread("t-B", bridge.Message{ID: "b1", Role: "user", Text: "from B"})
	blockA := make(chan struct{})
	api.fetchBlock["t-A"] = blockA

	s := newTestSession(t, api)
	if err := s.OpenThread("t-A"); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenThread("t-B"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.VisibleState().Thread != nil })

	// A 的迟到结果必须被丢弃。
	close(blockA)
	time.Sleep(50 * time.Millisecond)

	view := s.VisibleState()
	if view.ThreadID != "t-B" {
		t.Fatalf("focused = %q", view.ThreadID)
	}
	if view.Thread == nil || view.Thread.ID != "t-B" {
		t.Fatalf("thread = %+v, want t-B", view.Thread)
	}
}

func TestBackgroundThreadNeverTouchesView(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	// 后台线程的事件只进它自己的快照。
	s.HandleNotification("item/agentMessage/delta", map[string]any{"threadId": "t-2", "delta": "background"})
	s.HandleNotification("item/commandExecution/started", map[string]any{"threadId": "t-2", "command": "ls"})

	view := s.VisibleState()
	if view.StreamingText != "" || len(view.ActiveCommands) != 0 {
		t.Fatalf("view polluted by background thread: %+v", view)
	}
	snap, ok := s.store.Snapshot("t-2")
	if !ok || snap.StreamingText != "background" || len(snap.ActiveCommands) != 1 {
		t.Fatalf("background snapshot = %+v", snap)
	}

	// 切回 t-2 时快照直接可用。
	if err := s.OpenThread("t-2"); err != nil {
		t.Fatal(err)
	}
	view = s.VisibleState()
	if view.StreamingText != "background" {
		t.Fatalf("resumed StreamingText = %q", view.StreamingText)
	}
}

func TestResyncBurstCoalesces(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.VisibleState().Thread != nil })
	base := api.threadFetches("t-1")

	// 外部活动心跳连发: 合并为远少于 N 次的拉取。
	for i := 0; i < 8; i++ {
		s.HandleNotification("task_started", map[string]any{"threadId": "t-1"})
	}
	time.Sleep(200 * time.Millisecond)

	extra := api.threadFetches("t-1") - base
	if extra == 0 {
		t.Fatal("external activity should trigger a resync")
	}
	if extra > 2 {
		t.Fatalf("burst produced %d fetches, want coalesced", extra)
	}
}

func TestFocusChangeDropsQueuedResync(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	api.addThread("t-2")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	// 把防抖窗口推到未来, 让排队的重拉停在定时器里。
	s.mu.Lock()
	s.resyncNext = time.Now().Add(time.Hour)
	s.scheduleResyncLocked("t-1", false)
	queued := s.resyncPending
	s.mu.Unlock()
	if queued != "t-1" {
		t.Fatalf("resyncPending = %q", queued)
	}

	// 焦点切换丢弃排队请求, 不重定向。
	if err := s.OpenThread("t-2"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	queued = s.resyncPending
	timer := s.resyncTimer
	s.mu.Unlock()
	if queued != "" || timer != nil {
		t.Fatalf("queued resync survived focus change: pending=%q", queued)
	}
}

func TestPollerTrustsExplicitServerStatus(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	api.mu.Lock()
	api.summaries["t-1"] = &bridge.ThreadSummary{ID: "t-1", TurnStatus: "completed"}
	api.mu.Unlock()

	store := threadstate.NewStore(60 * time.Second)
	s := New(store, api, Options{
		ResyncDebounce: 50 * time.Millisecond,
		PollActive:     20 * time.Millisecond,
		PollIdle:       20 * time.Millisecond,
	})
	t.Cleanup(s.Close)

	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}
	// 看门狗未过期也拦不住服务端的显式终止状态。
	s.HandleNotification("task_started", map[string]any{"threadId": "t-1"})

	waitFor(t, 2*time.Second, func() bool {
		view := s.VisibleState()
		return view.Activity.Tone == threadstate.ToneComplete && view.ActiveTurnID == ""
	})
}

func TestApprovalSetsIdleTone(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	s.HandleNotification("bridge/approval.requested", map[string]any{
		"threadId": "t-1", "id": "appr-1", "command": "rm -rf build",
	})
	view := s.VisibleState()
	if view.Activity.Tone != threadstate.ToneIdle {
		t.Fatalf("tone = %q, want idle while approval pending", view.Activity.Tone)
	}
	if view.PendingApproval == nil || view.PendingApproval.ID != "appr-1" {
		t.Fatalf("PendingApproval = %+v", view.PendingApproval)
	}

	if err := s.ResolveApproval(context.Background(), "appr-1", "approve"); err != nil {
		t.Fatal(err)
	}
	if view := s.VisibleState(); view.PendingApproval != nil {
		t.Fatal("approval not cleared after resolve")
	}
}

func TestResolutionWithoutThreadIDClears(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	s.HandleNotification("bridge/approval.requested", map[string]any{
		"threadId": "t-1", "id": "appr-1", "command": "make deploy",
	})
	s.HandleNotification("bridge/userInput.requested", map[string]any{
		"threadId": "t-1", "id": "inp-1",
		"questions": []any{map[string]any{"id": "q1", "question": "which env?"}},
	})

	// resolution 通知经常不带线程 id, 只按请求 id 匹配。
	s.HandleNotification("bridge/approval.resolved", map[string]any{"id": "appr-1"})
	if view := s.VisibleState(); view.PendingApproval != nil {
		t.Fatalf("pending approval survived id-only resolution: %+v", view.PendingApproval)
	}
	s.HandleNotification("bridge/userInput.resolved", map[string]any{"id": "inp-1"})
	if view := s.VisibleState(); view.PendingUserInput != nil {
		t.Fatalf("pending user input survived id-only resolution: %+v", view.PendingUserInput)
	}
}

func TestViewThreadIsDetachedCopy(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1", bridge.Message{ID: "m1", Role: "user", Text: "go"})
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return s.VisibleState().Thread != nil })

	before := s.VisibleState()
	got := len(before.Thread.Messages)

	// 合成消息追加发生在读取方持有旧快照期间, 不得改写旧快照。
	s.HandleNotification("turn/started", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1"},
	})
	if err := s.StopTurn(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.HandleNotification("turn/completed", map[string]any{
		"threadId": "t-1", "turn": map[string]any{"id": "turn-1", "status": "interrupted"},
	})

	if len(before.Thread.Messages) != got {
		t.Fatalf("earlier view mutated: %d -> %d messages", got, len(before.Thread.Messages))
	}
	after := s.VisibleState()
	if len(after.Thread.Messages) != got+1 {
		t.Fatalf("new view messages = %d, want %d", len(after.Thread.Messages), got+1)
	}
}

func TestPendingApprovalRecoveredOnOpen(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	api.mu.Lock()
	api.approvals["t-1"] = []bridge.ApprovalInfo{{
		ID: "appr-lost", Kind: "commandExecution", ThreadID: "t-1", Command: "make deploy",
	}}
	api.mu.Unlock()

	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	// 审批通知丢失的情况下, 打开线程也必须恢复阻塞请求。
	waitFor(t, time.Second, func() bool {
		view := s.VisibleState()
		return view.PendingApproval != nil && view.PendingApproval.ID == "appr-lost"
	})
	if view := s.VisibleState(); view.Activity.Tone != threadstate.ToneIdle {
		t.Fatalf("tone = %q, want idle", view.Activity.Tone)
	}
}

func TestSendMessageRegistersTurnBeforeReturn(t *testing.T) {
	api := newFakeClient()
	api.addThread("t-1")
	s := newTestSession(t, api)
	if err := s.OpenThread("t-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if view := s.VisibleState(); view.ActiveTurnID != "turn-sent" {
		t.Fatalf("ActiveTurnID = %q", view.ActiveTurnID)
	}
}
