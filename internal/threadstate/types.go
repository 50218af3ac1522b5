// Package threadstate 缓存每个线程的 turn 运行时状态。
//
// Store 是前台事件路径与后台轮询/通知路径唯一共享的资源:
// 所有变更必须经过 Store 的方法 (内部走归并函数), 禁止裸字段覆盖,
// 保证后台更新与焦点切换不会竞争出半套用状态。
package threadstate

import "time"

// Tone 活动状态基调。
type Tone string

const (
	ToneIdle     Tone = "idle"
	ToneRunning  Tone = "running"
	ToneComplete Tone = "complete"
	ToneError    Tone = "error"
)

// Activity 线程当前活动的可见描述。
//
// 不变式: Tone == ToneRunning 蕴含看门狗未过期或刚收到心跳;
// ToneIdle 仅作为静息态出现。
type Activity struct {
	Tone   Tone   `json:"tone"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// RunEvent 单条工作时间线记录 (命令/工具/搜索的开始与结束)。
//
// 时间线是 append-only 的: end 事件不会移除对应的 running 记录。
type RunEvent struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	EventType string    `json:"eventType"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// RunEvent 类型常量。
const (
	RunEventCommandRunning   = "command_running"
	RunEventCommandCompleted = "command_completed"
	RunEventCommandError     = "command_error"
	RunEventToolRunning      = "tool_running"
	RunEventToolCompleted    = "tool_completed"
	RunEventToolError        = "tool_error"
	RunEventWebSearchRunning = "web_search_running"
)

// maxRunEvents activeCommands 上限。
const maxRunEvents = 16

// ApprovalKind 审批请求种类。
type ApprovalKind string

const (
	ApprovalCommandExecution ApprovalKind = "command_execution"
	ApprovalFileChange       ApprovalKind = "file_change"
)

// PendingApproval 阻塞中的审批请求 (每线程至多一个)。
//
// 由 bridge/approval.requested 创建; 由 bridge/approval.resolved 或本地
// resolve 调用销毁。匹配按 id 而非线程 — resolution 通知不一定带线程 id。
type PendingApproval struct {
	ID          string       `json:"id"`
	Kind        ApprovalKind `json:"kind"`
	ThreadID    string       `json:"threadId"`
	TurnID      string       `json:"turnId,omitempty"`
	ItemID      string       `json:"itemId,omitempty"`
	RequestedAt time.Time    `json:"requestedAt"`
	Reason      string       `json:"reason,omitempty"`
	Command     string       `json:"command,omitempty"`
	Cwd         string       `json:"cwd,omitempty"`
}

// UserInputQuestion 用户输入请求中的单个问题。
type UserInputQuestion struct {
	ID       string   `json:"id"`
	Header   string   `json:"header,omitempty"`
	Question string   `json:"question"`
	IsOther  bool     `json:"isOther,omitempty"`
	IsSecret bool     `json:"isSecret,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// PendingUserInput 阻塞中的用户输入请求 (每线程至多一个)。
// 生命周期同 PendingApproval。
type PendingUserInput struct {
	ID          string              `json:"id"`
	ThreadID    string              `json:"threadId"`
	TurnID      string              `json:"turnId,omitempty"`
	ItemID      string              `json:"itemId,omitempty"`
	RequestedAt time.Time           `json:"requestedAt"`
	Questions   []UserInputQuestion `json:"questions"`
}

// PlanStepStatus 计划步骤状态。
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

// PlanStep 计划中的一步。
type PlanStep struct {
	Step   string         `json:"step"`
	Status PlanStepStatus `json:"status"`
}

// ActivePlan 当前 turn 的执行计划。
//
// 同一 (threadId, turnId) 内累积; 不同的 pair 出现计划事件时整体重置。
type ActivePlan struct {
	ThreadID    string     `json:"threadId"`
	TurnID      string     `json:"turnId"`
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps"`
	DeltaText   string     `json:"deltaText,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RuntimeSnapshot 单线程运行时状态快照。
//
// 懒创建 (首个事件触发), 进程存活期内不主动淘汰。
type RuntimeSnapshot struct {
	ThreadID         string            `json:"threadId"`
	Activity         Activity          `json:"activity"`
	ActiveCommands   []RunEvent        `json:"activeCommands"`
	StreamingText    string            `json:"streamingText,omitempty"`
	PendingApproval  *PendingApproval  `json:"pendingApproval,omitempty"`
	PendingUserInput *PendingUserInput `json:"pendingUserInputRequest,omitempty"`
	Plan             *ActivePlan       `json:"activePlan,omitempty"`
	ActiveTurnID     string            `json:"activeTurnId,omitempty"`
	RunWatchdogUntil time.Time         `json:"runWatchdogUntil"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone 深拷贝快照, 供跨 goroutine 读取。
func (s RuntimeSnapshot) Clone() RuntimeSnapshot {
	out := s
	if len(s.ActiveCommands) > 0 {
		out.ActiveCommands = append([]RunEvent(nil), s.ActiveCommands...)
	}
	if s.PendingApproval != nil {
		approval := *s.PendingApproval
		out.PendingApproval = &approval
	}
	if s.PendingUserInput != nil {
		input := *s.PendingUserInput
		if len(s.PendingUserInput.Questions) > 0 {
			input.Questions = append([]UserInputQuestion(nil), s.PendingUserInput.Questions...)
		}
		out.PendingUserInput = &input
	}
	if s.Plan != nil {
		plan := *s.Plan
		if len(s.Plan.Steps) > 0 {
			plan.Steps = append([]PlanStep(nil), s.Plan.Steps...)
		}
		out.Plan = &plan
	}
	return out
}
