package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/errors"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeBridge 起一个最小 JSON-RPC WebSocket 服务端。
// respond 返回 nil 表示该请求不回复 (用于测超时)。
func fakeBridge(t *testing.T, respond func(method string, params map[string]any) any) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg jsonRPCMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ID == nil {
				continue
			}
			var params map[string]any
			if len(msg.Params) > 0 {
				_ = json.Unmarshal(msg.Params, &params)
			}
			result := respond(msg.Method, params)
			if result == nil {
				continue
			}
			resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestFetchThreadRoundTrip(t *testing.T) {
	srv, wsURL := fakeBridge(t, func(method string, params map[string]any) any {
		if method != "thread/get" {
			t.Errorf("unexpected method %q", method)
		}
		return map[string]any{"thread": map[string]any{
			"id": params["threadId"],
			"messages": []map[string]any{
				{"id": "m1", "role": "user", "text": "hi"},
			},
		}}
	})
	defer srv.Close()

	c := NewWSClient(wsURL, time.Second, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	thread, err := c.FetchThread(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("FetchThread: %v", err)
	}
	if thread.ID != "t-1" || len(thread.Messages) != 1 {
		t.Fatalf("thread = %+v", thread)
	}
}

func TestFetchThreadNotFound(t *testing.T) {
	srv, wsURL := fakeBridge(t, func(string, map[string]any) any {
		return map[string]any{"thread": map[string]any{}}
	})
	defer srv.Close()

	c := NewWSClient(wsURL, time.Second, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err := c.FetchThread(context.Background(), "t-404")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCallTimeout(t *testing.T) {
	srv, wsURL := fakeBridge(t, func(string, map[string]any) any {
		return nil // 不回复
	})
	defer srv.Close()

	c := NewWSClient(wsURL, time.Second, 100*time.Millisecond)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err := c.FetchThreadSummary(context.Background(), "t-1")
	if !apperrors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSendMessageInvokesTurnStarted(t *testing.T) {
	srv, wsURL := fakeBridge(t, func(method string, _ map[string]any) any {
		if method != "turn/start" {
			t.Errorf("unexpected method %q", method)
		}
		return map[string]any{"turn": map[string]any{"id": "turn-7"}}
	})
	defer srv.Close()

	c := NewWSClient(wsURL, time.Second, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	var started atomic.Value
	turnID, err := c.SendMessage(context.Background(), "t-1", "hello", SendOptions{
		OnTurnStarted: func(id string) { started.Store(id) },
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if turnID != "turn-7" {
		t.Fatalf("turnID = %q", turnID)
	}
	if got, _ := started.Load().(string); got != "turn-7" {
		t.Fatalf("OnTurnStarted got %q", got)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg jsonRPCMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ID == nil {
				continue
			}
			resp := map[string]any{
				"jsonrpc": "2.0", "id": *msg.ID,
				"result": map[string]any{"thread": map[string]any{"id": "t-1"}},
			}
			// 同一 id 回两次: 第二份必须按孤儿丢弃, 不得炸掉读循环。
			_ = conn.WriteJSON(resp)
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewWSClient(wsURL, time.Second, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if _, err := c.FetchThreadSummary(context.Background(), "t-1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// 读循环仍然活着, 后续调用照常工作。
	if _, err := c.FetchThreadSummary(context.Background(), "t-1"); err != nil {
		t.Fatalf("call after duplicate response: %v", err)
	}
}

func TestNotificationDelivery(t *testing.T) {
	notifyCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-notifyCh
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "turn/completed",
			"params":  map[string]any{"threadId": "t-1", "turn": map[string]any{"id": "turn-1", "status": "completed"}},
		})
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewWSClient(wsURL, time.Second, 2*time.Second)
	got := make(chan string, 1)
	c.SetNotificationHandler(func(method string, params map[string]any) {
		if params["threadId"] == "t-1" {
			got <- method
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	close(notifyCh)
	select {
	case method := <-got:
		if method != "turn/completed" {
			t.Fatalf("method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	if d := reconnectDelay(1); d != reconnectBaseDelay {
		t.Fatalf("delay(1) = %v", d)
	}
	if d := reconnectDelay(2); d != 2*reconnectBaseDelay {
		t.Fatalf("delay(2) = %v", d)
	}
	if d := reconnectDelay(100); d != reconnectMaxDelay {
		t.Fatalf("delay(100) = %v", d)
	}
}
