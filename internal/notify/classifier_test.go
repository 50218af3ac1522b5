package notify

import "testing"

func TestNormalizeType(t *testing.T) {
	cases := []struct {
		method string
		want   string
	}{
		{"item/agentMessage/delta", "itemagentmessagedelta"},
		{"item_agent_message_delta", "itemagentmessagedelta"},
		{"turn/completed", "turncompleted"},
		{"  Turn/Started  ", "turnstarted"},
		{"bridge/approval.requested", "bridgeapprovalrequested"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeType(tc.method); got != tc.want {
			t.Errorf("NormalizeType(%q) = %q, want %q", tc.method, got, tc.want)
		}
	}
}

func TestClassifyKnownMethods(t *testing.T) {
	cases := []struct {
		method string
		want   Kind
	}{
		{"turn/started", KindTurnStarted},
		{"turn_started", KindTurnStarted},
		{"turn/completed", KindTurnCompleted},
		{"task_complete", KindTurnCompleted},
		{"turn/aborted", KindTurnAborted},
		{"stream_error", KindTurnFailed},
		{"item/agentMessage/delta", KindMessageDelta},
		{"agent_reasoning_delta", KindReasoningDelta},
		{"agent_reasoning_raw_delta", KindReasoningDelta},
		{"agent_reasoning_section_break", KindReasoningDelta},
		{"item/commandExecution/started", KindCommandBegin},
		{"exec_command_end", KindCommandEnd},
		{"mcp_tool_call_begin", KindToolBegin},
		{"item/webSearch/started", KindWebSearchBegin},
		{"background_event", KindBackgroundEvent},
		{"bridge/approval.requested", KindApprovalRequested},
		{"bridge/approval.resolved", KindApprovalResolved},
		{"bridge/userInput.requested", KindUserInputRequested},
		{"turn/plan/updated", KindPlanUpdated},
		{"task_started", KindTaskStarted},
	}
	for _, tc := range cases {
		ev, ok := Classify(tc.method, nil)
		if !ok {
			t.Errorf("Classify(%q) not recognized", tc.method)
			continue
		}
		if ev.Kind != tc.want {
			t.Errorf("Classify(%q).Kind = %q, want %q", tc.method, ev.Kind, tc.want)
		}
	}
}

func TestClassifyUnknownIgnored(t *testing.T) {
	for _, method := range []string{"thread/tokenUsage/updated", "some/new/thing", ""} {
		if _, ok := Classify(method, map[string]any{"threadId": "t-1"}); ok {
			t.Errorf("Classify(%q) should be ignored", method)
		}
	}
}

func TestClassifyNilParams(t *testing.T) {
	ev, ok := Classify("turn/started", nil)
	if !ok {
		t.Fatal("turn/started should classify")
	}
	if ev.Payload == nil {
		t.Fatal("payload should be non-nil for downstream extraction")
	}
	if ev.ThreadID != "" {
		t.Fatalf("ThreadID = %q, want empty", ev.ThreadID)
	}
}

func TestHeartbeatAndTerminalSets(t *testing.T) {
	heartbeats := []Kind{
		KindTaskStarted, KindReasoningDelta, KindMessageDelta,
		KindCommandBegin, KindCommandEnd, KindToolBegin,
		KindWebSearchBegin, KindBackgroundEvent,
	}
	for _, k := range heartbeats {
		if !(Event{Kind: k}).IsHeartbeat() {
			t.Errorf("%q should be a heartbeat", k)
		}
	}

	terminals := []Kind{KindTurnCompleted, KindTurnAborted, KindTurnFailed}
	for _, k := range terminals {
		if !(Event{Kind: k}).IsTerminal() {
			t.Errorf("%q should be terminal", k)
		}
		if (Event{Kind: k}).IsHeartbeat() {
			t.Errorf("%q should not be a heartbeat", k)
		}
	}

	// 审批请求既不是心跳也不是终止 — 等待人工决定不算"工作中"。
	if (Event{Kind: KindApprovalRequested}).IsHeartbeat() {
		t.Error("approval request must not count as heartbeat")
	}
	if (Event{Kind: KindToolEnd}).IsHeartbeat() {
		t.Error("tool end is not in the heartbeat set")
	}
}
