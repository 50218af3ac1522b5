// Package bridge 定义与 agent bridge 服务的客户端接口。
//
// bridge 是事实源: 本地缓存只是它的投影。接口刻意窄 —
// 引擎只需要抓取线程、发消息、打断 turn 和回传审批决定。
package bridge

import (
	"context"
	"time"
)

// Message 线程内的一条消息。
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user / assistant / system
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread 完整线程 (消息 + turn 状态)。
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Messages     []Message `json:"messages"`
	ActiveTurnID string    `json:"activeTurnId,omitempty"`
	TurnStatus   string    `json:"turnStatus,omitempty"` // running / completed / failed / interrupted
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ThreadSummary 轻量线程摘要, 轮询路径用它避免拉全量消息。
type ThreadSummary struct {
	ID           string    `json:"id"`
	ActiveTurnID string    `json:"activeTurnId,omitempty"`
	TurnStatus   string    `json:"turnStatus,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ApprovalInfo 服务端登记的待审批请求。
type ApprovalInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	Command  string `json:"command,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SendOptions 发送消息的回调挂点。
//
// OnTurnStarted 在服务端确认 turn 创建后、SendMessage 返回前调用,
// 让调用方在解除发送锁之前就把活跃 turn 登记进状态。
type SendOptions struct {
	OnTurnStarted func(turnID string)
}

// NotificationHandler 服务端推送通知回调。
// params 已解码为松散 map, 回调方自行做容错提取。
type NotificationHandler func(method string, params map[string]any)

// Client bridge 客户端接口。
//
// 所有方法阻塞直到响应或 ctx 取消; 错误统一走 pkg/errors 包装。
type Client interface {
	// FetchThread 拉取完整线程。
	FetchThread(ctx context.Context, threadID string) (*Thread, error)
	// FetchThreadSummary 拉取轻量摘要。
	FetchThreadSummary(ctx context.Context, threadID string) (*ThreadSummary, error)
	// ListPendingApprovals 拉取线程的待审批列表。
	ListPendingApprovals(ctx context.Context, threadID string) ([]ApprovalInfo, error)
	// SendMessage 发送用户消息并等待 turn 创建, 返回新 turn id。
	SendMessage(ctx context.Context, threadID, text string, opts SendOptions) (string, error)
	// InterruptTurn 打断指定 turn。
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	// InterruptLatestTurn 打断线程最新的活跃 turn, 返回被打断的 turn id。
	// 本地不知道活跃 turn 时的兜底路径。
	InterruptLatestTurn(ctx context.Context, threadID string) (string, error)
	// ResolveApproval 回传审批决定 (approve / deny)。
	ResolveApproval(ctx context.Context, id, decision string) error
	// ResolveUserInput 回传用户输入答案, key 为问题 id。
	ResolveUserInput(ctx context.Context, id string, answers map[string]string) error
	// SetNotificationHandler 注册服务端通知回调。
	SetNotificationHandler(h NotificationHandler)
	// Close 断开连接并停止重连。
	Close() error
}
