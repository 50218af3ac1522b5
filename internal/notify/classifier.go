// classifier.go — 原始通知 → 封闭事件集分类。
package notify

import (
	"strings"
	"time"
)

// NormalizeType 归一化通知 method: 小写 + 去除非字母数字。
//
// "item/agentMessage/delta" 和 "item_agent_message_delta" 归一化后等价,
// 分类不再受 bridge 版本间命名风格漂移影响。
func NormalizeType(method string) string {
	var b strings.Builder
	b.Grow(len(method))
	for _, r := range strings.ToLower(strings.TrimSpace(method)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Classify 将原始通知分类为语义事件。
//
// 返回 ok=false 表示未识别, 调用方忽略即可。字段缺失永远降级为忽略,
// 不会 panic: payload 为 nil 时按空 map 处理。
func Classify(method string, params map[string]any) (Event, bool) {
	normalized := NormalizeType(method)
	if normalized == "" {
		return Event{}, false
	}
	if params == nil {
		params = map[string]any{}
	}

	kind := classifyType(normalized)
	if kind == KindNone {
		return Event{}, false
	}

	return Event{
		ThreadID: ExtractThreadID(params),
		TurnID:   ExtractTurnID(params),
		Kind:     kind,
		Type:     normalized,
		Payload:  params,
		At:       time.Now(),
	}, true
}

// classifyType 按归一化类型匹配。每个语义事件列出已知的 bridge 命名变体。
func classifyType(normalized string) Kind {
	switch normalized {
	// ── Turn 生命周期 ──
	case "taskstarted", "codexeventtaskstarted":
		return KindTaskStarted
	case "turnstarted", "threadturnstarted":
		return KindTurnStarted
	case "turncompleted", "turncomplete", "taskcomplete", "codexeventtaskcomplete":
		return KindTurnCompleted
	case "turnaborted", "turninterrupted":
		return KindTurnAborted
	case "turnfailed", "error", "streamerror", "codexeventstreamerror":
		return KindTurnFailed

	// ── Assistant 消息流 ──
	case "itemagentmessagedelta", "agentmessagedelta", "agentmessagecontentdelta":
		return KindMessageDelta

	// ── Reasoning 流 (3 种变体) ──
	case "itemreasoningdelta", "agentreasoningdelta",
		"itemreasoningrawdelta", "agentreasoningrawdelta",
		"agentreasoningsectionbreak", "itemreasoningsectionbreak":
		return KindReasoningDelta

	// ── 命令执行 ──
	case "itemcommandexecutionstarted", "execcommandbegin":
		return KindCommandBegin
	case "itemcommandexecutioncompleted", "execcommandend":
		return KindCommandEnd

	// ── MCP 工具 / 搜索 / 后台 ──
	case "itemmcptoolcallstarted", "mcptoolcallbegin":
		return KindToolBegin
	case "itemmcptoolcallcompleted", "mcptoolcallend":
		return KindToolEnd
	case "itemwebsearchstarted", "websearchbegin":
		return KindWebSearchBegin
	case "backgroundevent", "codexeventbackgroundevent":
		return KindBackgroundEvent

	// ── 审批 / 用户输入 ──
	case "bridgeapprovalrequested", "execapprovalrequest", "filechangeapprovalrequest":
		return KindApprovalRequested
	case "bridgeapprovalresolved":
		return KindApprovalResolved
	case "bridgeuserinputrequested", "userinputrequest":
		return KindUserInputRequested
	case "bridgeuserinputresolved":
		return KindUserInputResolved

	// ── 计划 ──
	case "turnplanupdated", "plandelta", "planupdate":
		return KindPlanUpdated
	}
	return KindNone
}
