// reconciler.go — 分类事件 → 快照/可见状态的状态机。
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/bridge"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/notify"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
)

// stoppedByUserText 用户主动打断后的合成系统消息。
const stoppedByUserText = "Turn stopped by user."

// eventHandlers Kind → 处理函数。注册在包级, 零分配热路径分发。
var eventHandlers = map[notify.Kind]func(*Session, string, notify.Event){
	notify.KindTaskStarted:        (*Session).onTaskStarted,
	notify.KindTurnStarted:        (*Session).onTurnStarted,
	notify.KindTurnCompleted:      (*Session).onTurnTerminal,
	notify.KindTurnAborted:        (*Session).onTurnTerminal,
	notify.KindTurnFailed:         (*Session).onTurnTerminal,
	notify.KindMessageDelta:       (*Session).onMessageDelta,
	notify.KindReasoningDelta:     (*Session).onReasoningDelta,
	notify.KindCommandBegin:       (*Session).onCommandBegin,
	notify.KindCommandEnd:         (*Session).onCommandEnd,
	notify.KindToolBegin:          (*Session).onToolBegin,
	notify.KindToolEnd:            (*Session).onToolEnd,
	notify.KindWebSearchBegin:     (*Session).onWebSearchBegin,
	notify.KindBackgroundEvent:    (*Session).onBackgroundEvent,
	notify.KindApprovalRequested:  (*Session).onApprovalRequested,
	notify.KindApprovalResolved:   (*Session).onApprovalResolved,
	notify.KindUserInputRequested: (*Session).onUserInputRequested,
	notify.KindUserInputResolved:  (*Session).onUserInputResolved,
	notify.KindPlanUpdated:        (*Session).onPlanUpdated,
}

// HandleNotification 通知入口, 可直接挂在 bridge 客户端上。
//
// 任何一条畸形通知都不会中断后续通知的处理:
// 分类失败降级为忽略, 处理函数内部不向外抛错。
func (s *Session) HandleNotification(method string, params map[string]any) {
	ev, ok := notify.Classify(method, params)
	if !ok {
		return
	}

	s.mu.Lock()
	threadID := ev.ThreadID
	if threadID == "" {
		switch {
		case (ev.IsHeartbeat() || ev.IsTerminal()) && s.focused != "":
			// 无线程 id 的 run 事件只可能指向活跃上下文。
			threadID = s.focused
		case ev.Kind == notify.KindApprovalResolved || ev.Kind == notify.KindUserInputResolved:
			// resolution 只按请求 id 跨线程匹配, 不需要路由线程 id。
		default:
			s.mu.Unlock()
			return
		}
	}
	focused := threadID != "" && threadID == s.focused
	selfInitiated := s.selfInitiated[threadID]
	s.mu.Unlock()

	if ev.IsHeartbeat() {
		s.store.ExtendWatchdog(threadID)
		// 非本客户端发起的 turn 的心跳说明别处有活动, 需要重拉权威状态。
		if focused && !selfInitiated {
			s.mu.Lock()
			s.scheduleResyncLocked(threadID, false)
			s.mu.Unlock()
		}
	}

	handler, ok := eventHandlers[ev.Kind]
	if !ok {
		logger.Debug("session: no handler for event",
			logger.FieldEventType, string(ev.Kind), logger.FieldThreadID, threadID)
		return
	}
	handler(s, threadID, ev)

	if focused {
		s.emitChange()
	}
}

// ========================================
// Turn 生命周期
// ========================================

func (s *Session) onTaskStarted(threadID string, ev notify.Event) {
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:  threadstate.ToneRunning,
		Title: "Working",
	})
}

func (s *Session) onTurnStarted(threadID string, ev notify.Event) {
	if ev.TurnID != "" {
		// 一个线程同时只跟踪一个 turn: 新 turn 总是替换。
		s.store.SetActiveTurn(threadID, ev.TurnID)
	}
	s.mu.Lock()
	delete(s.stopRequested, threadID)
	// 新 turn 的流开始后, 上一轮的本地 "stopped" 提示不再重放。
	delete(s.synthetic, threadID)
	s.mu.Unlock()
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:  threadstate.ToneRunning,
		Title: "Working",
	})
}

// onTurnTerminal 处理 turn 终止 (completed / aborted / failed)。
//
// failed/interrupted 且本地 stopRequested 命中 → 用户主动停止,
// 不报错, 只追加一条合成系统消息; 否则 failed/interrupted 报 Error。
func (s *Session) onTurnTerminal(threadID string, ev notify.Event) {
	status := notify.ExtractTurnStatus(ev.Payload)
	if status == "" {
		switch ev.Kind {
		case notify.KindTurnAborted:
			status = "interrupted"
		case notify.KindTurnFailed:
			status = "failed"
		default:
			status = "completed"
		}
	}

	s.mu.Lock()
	wasStopRequested := s.stopRequested[threadID]
	delete(s.stopRequested, threadID)
	delete(s.selfInitiated, threadID)
	s.mu.Unlock()

	activity := threadstate.Activity{Tone: threadstate.ToneComplete, Title: "Completed"}
	switch status {
	case "failed", "interrupted", "aborted":
		if wasStopRequested {
			activity = threadstate.Activity{Tone: threadstate.ToneComplete, Title: "Stopped"}
			s.appendSyntheticSystemMessage(threadID, stoppedByUserText)
		} else {
			detail := notify.ExtractErrorMessage(ev.Payload)
			if detail == "" {
				detail = "Turn " + status
			}
			activity = threadstate.Activity{
				Tone:   threadstate.ToneError,
				Title:  "Turn failed",
				Detail: detail,
			}
		}
	}

	s.store.ClearTurn(threadID)
	s.store.SetActivity(threadID, activity)

	// 终止事件不可信赖地携带最终消息列表, 焦点线程强制权威重拉。
	s.mu.Lock()
	if threadID == s.focused {
		s.scheduleResyncLocked(threadID, true)
	}
	s.mu.Unlock()

	logger.Info("session: turn terminal",
		logger.FieldThreadID, threadID,
		logger.FieldTurnID, ev.TurnID,
		logger.FieldStatus, status,
		"stop_requested", wasStopRequested)
}

// appendSyntheticSystemMessage 向焦点线程的本地副本追加合成系统消息。
// 消息同时登记到 synthetic 表, 后续权威重载替换消息列表时重放;
// stopRequested 已清除, 不会出现第二条。
func (s *Session) appendSyntheticSystemMessage(threadID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused != threadID || s.thread == nil {
		return
	}
	msg := bridge.Message{
		ID:        uuid.NewString(),
		Role:      "system",
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.synthetic[threadID] = append(s.synthetic[threadID], msg)
	s.thread.Messages = append(s.thread.Messages, msg)
}

// ========================================
// 流式文本
// ========================================

func (s *Session) onMessageDelta(threadID string, ev notify.Event) {
	delta := notify.ExtractDelta(ev.Payload)
	if delta == "" {
		return
	}
	merged := s.store.AppendMessageDelta(threadID, delta)
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Responding",
		Detail: threadstate.CompactOneLine(merged, 64),
	})
}

func (s *Session) onReasoningDelta(threadID string, ev notify.Event) {
	if strings.Contains(ev.Type, "sectionbreak") {
		s.store.BreakTickerSection(threadID)
		// 分节后上一段的标题作废, 立即用新缓冲的投影刷掉。
		if snap, ok := s.store.Snapshot(threadID); ok && snap.Activity.Title == "Thinking" {
			s.store.SetActivity(threadID, threadstate.Activity{
				Tone:   threadstate.ToneRunning,
				Title:  "Thinking",
				Detail: s.store.TickerTitle(threadID),
			})
		}
		return
	}
	delta := notify.ExtractDelta(ev.Payload)
	if delta == "" {
		return
	}
	title := s.store.AppendReasoningDelta(threadID, delta)
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Thinking",
		Detail: title,
	})
}

// ========================================
// 命令 / 工具 / 搜索时间线
// ========================================

func (s *Session) onCommandBegin(threadID string, ev notify.Event) {
	command := notify.ExtractCommand(ev.Payload)
	s.store.AppendRunEvent(threadID, threadstate.RunEventCommandRunning, command)
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Running command",
		Detail: threadstate.CompactOneLine(command, 64),
	})
}

func (s *Session) onCommandEnd(threadID string, ev notify.Event) {
	command := notify.ExtractCommand(ev.Payload)
	eventType := threadstate.RunEventCommandCompleted
	if exitCode, ok := notify.ExtractInt(ev.Payload["exitCode"]); ok && exitCode != 0 {
		eventType = threadstate.RunEventCommandError
	}
	s.store.AppendRunEvent(threadID, eventType, command)
}

func (s *Session) onToolBegin(threadID string, ev notify.Event) {
	tool := toolLabel(ev.Payload)
	s.store.AppendRunEvent(threadID, threadstate.RunEventToolRunning, tool)
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Calling tool",
		Detail: tool,
	})
}

func (s *Session) onToolEnd(threadID string, ev notify.Event) {
	tool := toolLabel(ev.Payload)
	eventType := threadstate.RunEventToolCompleted
	if ok, present := notify.ExtractBool(ev.Payload, "success"); present && !ok {
		eventType = threadstate.RunEventToolError
	}
	s.store.AppendRunEvent(threadID, eventType, tool)
}

func (s *Session) onWebSearchBegin(threadID string, ev notify.Event) {
	query := notify.FirstString(ev.Payload, "query", "search", "text")
	s.store.AppendRunEvent(threadID, threadstate.RunEventWebSearchRunning, query)
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Searching the web",
		Detail: threadstate.CompactOneLine(query, 64),
	})
}

func (s *Session) onBackgroundEvent(threadID string, ev notify.Event) {
	message := notify.FirstString(ev.Payload, "message", "status")
	if message == "" {
		return
	}
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneRunning,
		Title:  "Working",
		Detail: threadstate.CompactOneLine(message, 64),
	})
}

func toolLabel(payload map[string]any) string {
	if label := notify.FirstString(payload, "tool", "toolName", "tool_name", "name"); label != "" {
		return label
	}
	return notify.NestedFirstString(payload,
		[]string{"item", "tool"},
		[]string{"item", "name"},
	)
}

// ========================================
// 审批 / 用户输入
// ========================================

func (s *Session) onApprovalRequested(threadID string, ev notify.Event) {
	id := notify.FirstString(ev.Payload, "id", "approvalId", "approval_id", "requestId")
	if id == "" {
		id = notify.ExtractItemID(ev.Payload)
	}
	if id == "" {
		logger.Warn("session: approval request without id dropped",
			logger.FieldThreadID, threadID)
		return
	}
	kind := threadstate.ApprovalCommandExecution
	if strings.Contains(ev.Type, "filechange") {
		kind = threadstate.ApprovalFileChange
	}
	command := notify.ExtractCommand(ev.Payload)
	reason := notify.FirstString(ev.Payload, "reason")
	s.store.SetPendingApproval(threadID, &threadstate.PendingApproval{
		ID:          id,
		Kind:        kind,
		ThreadID:    threadID,
		TurnID:      ev.TurnID,
		ItemID:      notify.ExtractItemID(ev.Payload),
		RequestedAt: ev.At,
		Reason:      reason,
		Command:     command,
		Cwd:         notify.FirstString(ev.Payload, "cwd"),
	})

	// 等人不是干活: 审批挂起期间 tone 永远是 Idle。
	detail := command
	if detail == "" {
		detail = reason
	}
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneIdle,
		Title:  "Approval required",
		Detail: threadstate.CompactOneLine(detail, 64),
	})
}

func (s *Session) onApprovalResolved(threadID string, ev notify.Event) {
	id := notify.FirstString(ev.Payload, "id", "approvalId", "approval_id", "requestId")
	if id == "" {
		return
	}
	hit, ok := s.store.ResolveApproval(id)
	if !ok {
		return
	}
	// 通知可能不带线程 id, 命中线程由 store 按 id 反查。
	s.mu.Lock()
	hitFocused := hit == s.focused
	s.mu.Unlock()
	if hitFocused {
		s.emitChange()
	}
}

func (s *Session) onUserInputRequested(threadID string, ev notify.Event) {
	id := notify.FirstString(ev.Payload, "id", "requestId", "request_id")
	if id == "" {
		id = notify.ExtractItemID(ev.Payload)
	}
	if id == "" {
		logger.Warn("session: user input request without id dropped",
			logger.FieldThreadID, threadID)
		return
	}
	questions := parseQuestions(ev.Payload["questions"])
	s.store.SetPendingUserInput(threadID, &threadstate.PendingUserInput{
		ID:          id,
		ThreadID:    threadID,
		TurnID:      ev.TurnID,
		ItemID:      notify.ExtractItemID(ev.Payload),
		RequestedAt: ev.At,
		Questions:   questions,
	})

	detail := ""
	if len(questions) > 0 {
		detail = questions[0].Question
	}
	s.store.SetActivity(threadID, threadstate.Activity{
		Tone:   threadstate.ToneIdle,
		Title:  "Input required",
		Detail: threadstate.CompactOneLine(detail, 64),
	})
}

func (s *Session) onUserInputResolved(threadID string, ev notify.Event) {
	id := notify.FirstString(ev.Payload, "id", "requestId", "request_id")
	if id == "" {
		return
	}
	hit, ok := s.store.ResolveUserInput(id)
	if !ok {
		return
	}
	s.mu.Lock()
	hitFocused := hit == s.focused
	s.mu.Unlock()
	if hitFocused {
		s.emitChange()
	}
}

func parseQuestions(raw any) []threadstate.UserInputQuestion {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	questions := make([]threadstate.UserInputQuestion, 0, len(items))
	for _, item := range items {
		q, ok := item.(map[string]any)
		if !ok {
			continue
		}
		question := threadstate.UserInputQuestion{
			ID:       notify.FirstString(q, "id"),
			Header:   notify.FirstString(q, "header"),
			Question: notify.FirstString(q, "question", "text"),
			Options:  notify.ExtractStringList(q["options"]),
		}
		question.IsOther, _ = notify.ExtractBool(q, "isOther")
		question.IsSecret, _ = notify.ExtractBool(q, "isSecret")
		if question.Question == "" {
			continue
		}
		questions = append(questions, question)
	}
	return questions
}

// ========================================
// 计划
// ========================================

func (s *Session) onPlanUpdated(threadID string, ev notify.Event) {
	turnID := ev.TurnID
	explanation := notify.FirstString(ev.Payload, "explanation")
	deltaText := notify.ExtractDelta(ev.Payload)
	steps := parsePlanSteps(ev.Payload["plan"])
	if len(steps) == 0 {
		steps = parsePlanSteps(ev.Payload["steps"])
	}
	if explanation == "" && deltaText == "" && len(steps) == 0 {
		return
	}
	s.store.ApplyPlanUpdate(threadID, turnID, explanation, steps, deltaText)
}

func parsePlanSteps(raw any) []threadstate.PlanStep {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	steps := make([]threadstate.PlanStep, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step := notify.FirstString(m, "step", "text", "title")
		if step == "" {
			continue
		}
		status := threadstate.PlanStepPending
		switch strings.ToLower(notify.FirstString(m, "status", "state")) {
		case "in_progress", "inprogress", "running":
			status = threadstate.PlanStepInProgress
		case "completed", "complete", "done":
			status = threadstate.PlanStepCompleted
		}
		steps = append(steps, threadstate.PlanStep{Step: step, Status: status})
	}
	return steps
}
