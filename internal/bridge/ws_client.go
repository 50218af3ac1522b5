// ws_client.go — WebSocket 传输层: 连接、重连、JSON-RPC 通信。
//
// bridge 走 JSON-RPC 2.0 (WebSocket):
//   - Client → Server: {jsonrpc,id,method,params} (请求)
//   - Server → Client: {jsonrpc,id,result} (响应) 或 {jsonrpc,method,params} (通知)
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/errors"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

const (
	readIdleTimeout    = 75 * time.Second
	pingInterval       = 25 * time.Second
	writeWait          = 10 * time.Second
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 15 * time.Second
	reconnectMaxTries  = 8
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCMessage 通用读取信封。ID 为 nil 表示通知。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// pendingCall 等待响应的 JSON-RPC 调用。
type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// ========================================
// WSClient
// ========================================

// WSClient Client 的 WebSocket 实现。
//
// 锁职责:
//
//	wsMu:      保护 ws (写序列化 + 换连接)
//	handlerMu: 保护 handler 注册/读取
//
// 两者独立, 不嵌套获取。
type WSClient struct {
	url         string
	dialTimeout time.Duration
	callTimeout time.Duration

	ws        *websocket.Conn
	wsMu      sync.Mutex
	handler   NotificationHandler
	handlerMu sync.RWMutex
	onState   func(connected bool)
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall
}

var _ Client = (*WSClient)(nil)

// NewWSClient 创建客户端, 不立即连接。
func NewWSClient(url string, dialTimeout, callTimeout time.Duration) *WSClient {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		url:         url,
		dialTimeout: dialTimeout,
		callTimeout: callTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetNotificationHandler 注册服务端通知回调。
func (c *WSClient) SetNotificationHandler(h NotificationHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// SetConnectionStateHandler 注册连接状态回调 (连接/断开)。
// 走单独通道而不是伪造服务端通知, 避免污染事件分类。
func (c *WSClient) SetConnectionStateHandler(fn func(connected bool)) {
	c.handlerMu.Lock()
	c.onState = fn
	c.handlerMu.Unlock()
}

// Connect 建立连接并启动读循环。
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return apperrors.Wrap(err, "WSClient.Connect", "ws connect")
	}
	c.replaceConn(conn)
	util.SafeGo(func() { c.readLoop(conn) })
	util.SafeGo(func() { c.pingLoop(conn) })
	c.emitState(true)
	logger.Info("bridge: connected", logger.FieldAddr, c.url)
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.dialTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.dialTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	return conn, nil
}

func (c *WSClient) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *WSClient) currentConn() *websocket.Conn {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

// Close 断开连接并停止重连。
func (c *WSClient) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()
	c.wsMu.Lock()
	conn := c.ws
	c.ws = nil
	c.wsMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// ========================================
// 读循环 / 心跳 / 重连
// ========================================

// readLoop 持续读取 JSON-RPC 消息, 连接断开时进入重连。
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		if c.stopped.Load() {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.stopped.Load() {
				return
			}
			// 换连接后旧 readLoop 自然退出, 不触发二次重连。
			if c.currentConn() != conn {
				return
			}
			c.emitState(false)
			logger.Warn("bridge: connection lost", logger.FieldAddr, c.url, logger.FieldError, err)
			c.reconnect(err)
			return
		}

		var msg jsonRPCMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("bridge: unparseable JSON-RPC message",
				logger.FieldError, err, "raw_len", len(message))
			continue
		}

		if c.handleResponse(msg) {
			continue
		}
		c.handleNotification(msg)
	}
}

// pingLoop 周期性发送 ping, 连接被替换或关闭时退出。
func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			c.wsMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// reconnect 指数退避重连。重试耗尽后停在断开态, 等下一次调用失败再触发。
func (c *WSClient) reconnect(lastErr error) {
	for attempt := 1; attempt <= reconnectMaxTries; attempt++ {
		if c.stopped.Load() {
			return
		}
		if !c.sleepWithContext(reconnectDelay(attempt)) {
			return
		}
		conn, err := c.dial(c.ctx)
		if err != nil {
			lastErr = err
			logger.Warn("bridge: reconnect attempt failed",
				logger.FieldAddr, c.url,
				"attempt", attempt,
				"max_retries", reconnectMaxTries,
				logger.FieldError, err)
			continue
		}
		c.replaceConn(conn)
		util.SafeGo(func() { c.readLoop(conn) })
		util.SafeGo(func() { c.pingLoop(conn) })
		c.emitState(true)
		logger.Info("bridge: reconnected", logger.FieldAddr, c.url, "attempt", attempt)
		return
	}
	logger.Error("bridge: reconnect exhausted",
		logger.FieldAddr, c.url,
		"max_retries", reconnectMaxTries,
		logger.FieldError, lastErr)
}

func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return reconnectBaseDelay
	}
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}

func (c *WSClient) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *WSClient) emitState(connected bool) {
	c.handlerMu.RLock()
	fn := c.onState
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

// handleResponse 把响应交给 pending call。返回 true 表示已消费。
func (c *WSClient) handleResponse(msg jsonRPCMessage) bool {
	if msg.ID == nil || msg.Method != "" {
		return false
	}
	// LoadAndDelete: 同一 id 的重复响应走孤儿分支, 不会二次 close done。
	value, ok := c.pending.LoadAndDelete(*msg.ID)
	if !ok {
		logger.Warn("bridge: orphan RPC response", "id", *msg.ID)
		return true
	}
	pc := value.(*pendingCall)
	if msg.Error != nil {
		pc.err = apperrors.Newf("WSClient.readLoop", "rpc error: %s (code %d)", msg.Error.Message, msg.Error.Code)
	} else {
		pc.result = msg.Result
	}
	close(pc.done)
	return true
}

// handleNotification 解码通知 params 并交给 handler。
func (c *WSClient) handleNotification(msg jsonRPCMessage) {
	if msg.Method == "" {
		return
	}
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		return
	}
	var params map[string]any
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("bridge: notification params decode failed",
				logger.FieldMethod, msg.Method, logger.FieldError, err)
			params = nil
		}
	}
	h(msg.Method, params)
}

// ========================================
// JSON-RPC 请求
// ========================================

// call 发送请求并等待响应。
func (c *WSClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.Wrapf(apperrors.ErrTimeout, "WSClient.call", "%s timeout", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, apperrors.Wrap(apperrors.ErrClosed, "WSClient.call", "client closed")
	}
}

// writeJSON 线程安全写入。
func (c *WSClient) writeJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return apperrors.Wrap(apperrors.ErrClosed, "WSClient.writeJSON", "ws not connected")
	}
	return c.ws.WriteJSON(v)
}

// ========================================
// 协议方法
// ========================================

func (c *WSClient) FetchThread(ctx context.Context, threadID string) (*Thread, error) {
	result, err := c.call(ctx, "thread/get", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, apperrors.Wrap(err, "WSClient.FetchThread", "thread/get")
	}
	var resp struct {
		Thread Thread `json:"thread"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, apperrors.Wrap(err, "WSClient.FetchThread", "thread/get decode")
	}
	if resp.Thread.ID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "WSClient.FetchThread", "thread %s", threadID)
	}
	return &resp.Thread, nil
}

func (c *WSClient) FetchThreadSummary(ctx context.Context, threadID string) (*ThreadSummary, error) {
	result, err := c.call(ctx, "thread/summary", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, apperrors.Wrap(err, "WSClient.FetchThreadSummary", "thread/summary")
	}
	var resp struct {
		Thread ThreadSummary `json:"thread"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, apperrors.Wrap(err, "WSClient.FetchThreadSummary", "thread/summary decode")
	}
	if resp.Thread.ID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "WSClient.FetchThreadSummary", "thread %s", threadID)
	}
	return &resp.Thread, nil
}

func (c *WSClient) ListPendingApprovals(ctx context.Context, threadID string) ([]ApprovalInfo, error) {
	result, err := c.call(ctx, "approvals/listPending", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, apperrors.Wrap(err, "WSClient.ListPendingApprovals", "approvals/listPending")
	}
	var resp struct {
		Approvals []ApprovalInfo `json:"approvals"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, apperrors.Wrap(err, "WSClient.ListPendingApprovals", "approvals decode")
	}
	return resp.Approvals, nil
}

func (c *WSClient) SendMessage(ctx context.Context, threadID, text string, opts SendOptions) (string, error) {
	result, err := c.call(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	})
	if err != nil {
		return "", apperrors.Wrap(err, "WSClient.SendMessage", "turn/start")
	}
	var resp struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrap(err, "WSClient.SendMessage", "turn/start decode")
	}
	if resp.Turn.ID != "" && opts.OnTurnStarted != nil {
		opts.OnTurnStarted(resp.Turn.ID)
	}
	return resp.Turn.ID, nil
}

func (c *WSClient) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := c.call(ctx, "turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
	if err != nil {
		return apperrors.Wrap(err, "WSClient.InterruptTurn", "turn/interrupt")
	}
	return nil
}

func (c *WSClient) InterruptLatestTurn(ctx context.Context, threadID string) (string, error) {
	result, err := c.call(ctx, "turn/interruptLatest", map[string]any{"threadId": threadID})
	if err != nil {
		return "", apperrors.Wrap(err, "WSClient.InterruptLatestTurn", "turn/interruptLatest")
	}
	var resp struct {
		TurnID string `json:"turnId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrap(err, "WSClient.InterruptLatestTurn", "decode")
	}
	if resp.TurnID == "" {
		return "", apperrors.Wrapf(apperrors.ErrNoActiveTurn, "WSClient.InterruptLatestTurn", "thread %s", threadID)
	}
	return resp.TurnID, nil
}

func (c *WSClient) ResolveApproval(ctx context.Context, id, decision string) error {
	_, err := c.call(ctx, "approval/resolve", map[string]any{
		"id":       id,
		"decision": decision,
	})
	if err != nil {
		return apperrors.Wrap(err, "WSClient.ResolveApproval", "approval/resolve")
	}
	return nil
}

func (c *WSClient) ResolveUserInput(ctx context.Context, id string, answers map[string]string) error {
	_, err := c.call(ctx, "userInput/resolve", map[string]any{
		"id":      id,
		"answers": answers,
	})
	if err != nil {
		return apperrors.Wrap(err, "WSClient.ResolveUserInput", "userInput/resolve")
	}
	return nil
}
