// Package notify 将远端 bridge 的松散通知归一化为封闭事件集。
//
// 通知流的特性: 无跨线程顺序保证、可能丢失、可能重复、字段命名不稳定。
// 本包只做归一化与分类, 不持有状态; 状态归并由 session/threadstate 负责。
package notify

import "time"

// Kind 归一化后的语义事件类型 (封闭集合)。
type Kind string

const (
	// KindNone 未识别, 调用方应忽略。
	KindNone Kind = ""

	// ── Turn 生命周期 ──

	KindTaskStarted   Kind = "task_started"
	KindTurnStarted   Kind = "turn_started"
	KindTurnCompleted Kind = "turn_completed"
	// KindTurnAborted 用户侧中断 (interrupted/aborted)。与 KindTurnFailed
	// 分开: abort 可能是用户主动行为, 不应按错误上报。
	KindTurnAborted Kind = "turn_aborted"
	KindTurnFailed  Kind = "turn_failed"

	// ── 流式内容 ──

	KindMessageDelta   Kind = "message_delta"
	KindReasoningDelta Kind = "reasoning_delta"

	// ── 工作证明事件 ──

	KindCommandBegin    Kind = "command_begin"
	KindCommandEnd      Kind = "command_end"
	KindToolBegin       Kind = "tool_begin"
	KindToolEnd         Kind = "tool_end"
	KindWebSearchBegin  Kind = "web_search_begin"
	KindBackgroundEvent Kind = "background_event"

	// ── 阻塞式人工请求 ──

	KindApprovalRequested  Kind = "approval_requested"
	KindApprovalResolved   Kind = "approval_resolved"
	KindUserInputRequested Kind = "user_input_requested"
	KindUserInputResolved  Kind = "user_input_resolved"

	// ── 计划 ──

	KindPlanUpdated Kind = "plan_updated"
)

// Event 分类后的通知事件。
//
// ThreadID 为 best-effort 提取结果, 可能为空 (无作用域事件);
// Payload 保留原始参数供下游按需提取。
type Event struct {
	ThreadID string
	TurnID   string
	Kind     Kind
	Type     string // 归一化原始类型 (小写, 去除非字母数字)
	Payload  map[string]any
	At       time.Time
}

// heartbeatKinds 证明远端进程仍在工作的事件集合。
var heartbeatKinds = map[Kind]struct{}{
	KindTaskStarted:     {},
	KindReasoningDelta:  {},
	KindMessageDelta:    {},
	KindCommandBegin:    {},
	KindCommandEnd:      {},
	KindToolBegin:       {},
	KindWebSearchBegin:  {},
	KindBackgroundEvent: {},
}

// terminalKinds 结束 turn 的事件集合。
var terminalKinds = map[Kind]struct{}{
	KindTurnCompleted: {},
	KindTurnAborted:   {},
	KindTurnFailed:    {},
}

// IsHeartbeat 返回事件是否属于心跳集合。
func (e Event) IsHeartbeat() bool {
	_, ok := heartbeatKinds[e.Kind]
	return ok
}

// IsTerminal 返回事件是否结束一个 turn。
func (e Event) IsTerminal() bool {
	_, ok := terminalKinds[e.Kind]
	return ok
}
