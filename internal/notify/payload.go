// payload.go — 松散 payload 的容错提取工具。
//
// bridge 通知的字段名与嵌套层级在版本间漂移, 所有提取都是 best-effort:
// 取不到就返回零值, 绝不 panic。
package notify

import (
	"encoding/json"
	"strings"
)

// FirstString 返回 payload 中第一个非空字符串字段。
func FirstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if text, ok := value.(string); ok {
			trimmed := strings.TrimSpace(text)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// NestedFirstString 按路径列表依次尝试提取嵌套字符串。
func NestedFirstString(payload map[string]any, paths ...[]string) string {
	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		current := any(payload)
		matched := true
		for _, key := range path {
			nextMap, ok := current.(map[string]any)
			if !ok {
				matched = false
				break
			}
			next, ok := nextMap[key]
			if !ok {
				matched = false
				break
			}
			current = next
		}
		if !matched {
			continue
		}
		if text, ok := current.(string); ok {
			trimmed := strings.TrimSpace(text)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// ExtractThreadID best-effort 提取线程 id。
//
// 已知变体: threadId / thread_id / conversationId / thread.id / msg.threadId。
func ExtractThreadID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if id := FirstString(payload, "threadId", "thread_id", "conversationId", "conversation_id"); id != "" {
		return id
	}
	return NestedFirstString(payload,
		[]string{"thread", "id"},
		[]string{"msg", "threadId"},
		[]string{"msg", "thread_id"},
		[]string{"params", "threadId"},
	)
}

// ExtractTurnID best-effort 提取 turn id。
func ExtractTurnID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if turn, ok := payload["turn"].(map[string]any); ok {
		if id := FirstString(turn, "id", "turnId", "turn_id"); id != "" {
			return id
		}
	}
	if id := FirstString(payload, "turnId", "turn_id"); id != "" {
		return id
	}
	return NestedFirstString(payload,
		[]string{"msg", "turnId"},
		[]string{"msg", "turn_id"},
	)
}

// ExtractItemID best-effort 提取 item id。
func ExtractItemID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if item, ok := payload["item"].(map[string]any); ok {
		if id := FirstString(item, "id", "itemId", "item_id"); id != "" {
			return id
		}
	}
	return FirstString(payload, "itemId", "item_id")
}

// ExtractTurnStatus 提取 turn 最终状态 (completed/failed/interrupted)。
func ExtractTurnStatus(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if turn, ok := payload["turn"].(map[string]any); ok {
		if status := FirstString(turn, "status", "state"); status != "" {
			return strings.ToLower(status)
		}
	}
	return strings.ToLower(FirstString(payload, "status", "state"))
}

// ExtractErrorMessage 提取错误消息文本。
func ExtractErrorMessage(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if msg := FirstString(payload, "error", "message", "reason"); msg != "" {
		return msg
	}
	return NestedFirstString(payload,
		[]string{"turn", "error"},
		[]string{"error", "message"},
		[]string{"msg", "message"},
	)
}

// ExtractDelta 提取流式文本增量。优先级: delta > text > content > message。
func ExtractDelta(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	for _, key := range []string{"delta", "text", "content", "message"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return NestedFirstString(payload,
		[]string{"item", "delta"},
		[]string{"item", "text"},
		[]string{"msg", "delta"},
	)
}

// ExtractCommand 提取命令展示文本。
func ExtractCommand(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if cmd := FirstString(payload, "command", "commandDisplay", "command_display"); cmd != "" {
		return cmd
	}
	return NestedFirstString(payload,
		[]string{"item", "command"},
		[]string{"process", "command"},
	)
}

// ExtractBool 容错提取布尔字段。
func ExtractBool(payload map[string]any, key string) (bool, bool) {
	if payload == nil {
		return false, false
	}
	v, ok := payload[key].(bool)
	return v, ok
}

// ExtractInt 容错提取整数字段 (JSON 数字解码为 float64)。
func ExtractInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// ExtractStringList 容错提取字符串列表。
func ExtractStringList(raw any) []string {
	switch value := raw.(type) {
	case []string:
		items := make([]string, 0, len(value))
		for _, item := range value {
			if text := strings.TrimSpace(item); text != "" {
				items = append(items, text)
			}
		}
		return items
	case []any:
		items := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok {
				if trimmed := strings.TrimSpace(text); trimmed != "" {
					items = append(items, trimmed)
				}
			}
		}
		return items
	default:
		return nil
	}
}
