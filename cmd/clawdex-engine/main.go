// cmd/clawdex-engine — turn 生命周期引擎主入口。
//
// 装配: config → logger → prefstore → bridge 客户端 → session → 状态面板。
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/bridge"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/config"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/prefstore"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/session"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/statepanel"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/internal/threadstate"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/logger"
	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Error("log file init failed", logger.FieldError, err)
			os.Exit(1)
		}
		defer logger.ShutdownFileHandler()
	} else {
		logger.Init(os.Getenv("APP_ENV"))
	}

	prefs, err := prefstore.Open(cfg.PreferenceDBPath)
	if err != nil {
		logger.Error("preference store init failed", logger.FieldError, err)
		os.Exit(1)
	}
	defer prefs.Close()

	client := bridge.NewWSClient(cfg.BridgeURL,
		time.Duration(cfg.BridgeDialTimeoutSec)*time.Second,
		time.Duration(cfg.BridgeCallTimeoutSec)*time.Second)
	if err := client.Connect(ctx); err != nil {
		logger.Error("bridge connect failed",
			logger.FieldAddr, cfg.BridgeURL, logger.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	store := threadstate.NewStore(cfg.WatchdogGrace())

	// OnChange 在 bridge 读循环的 goroutine 上触发, 面板在 session
	// 之后才构造, 引用必须原子发布。
	var panelRef atomic.Pointer[statepanel.Server]
	sess := session.New(store, client, session.Options{
		ResyncDebounce: cfg.ResyncDebounce(),
		PollActive:     cfg.PollActive(),
		PollIdle:       cfg.PollIdle(),
		OnChange: func(view session.View) {
			if p := panelRef.Load(); p != nil {
				p.PublishView(view)
			}
		},
		OnFocusChange: func(threadID string) {
			// 记住最近聚焦的线程, 重启后恢复。
			persistCtx, persistCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer persistCancel()
			if err := prefs.Set(persistCtx, prefstore.KeyLastFocusedThread, threadID); err != nil {
				logger.Warn("persist focus failed", logger.FieldError, err)
			}
		},
	})
	defer sess.Close()

	client.SetNotificationHandler(sess.HandleNotification)
	client.SetConnectionStateHandler(func(connected bool) {
		// 断线窗口内的通知已丢失, 重连后焦点线程强制重拉。
		if connected {
			sess.ResyncFocused()
		}
	})

	panel := statepanel.NewServer(store, sess)
	panelRef.Store(panel)
	util.SafeGo(func() {
		if err := panel.Run(cfg.StatePanelAddr); err != nil {
			logger.Error("statepanel failed", logger.FieldError, err)
			cancel()
		}
	})

	// 恢复上次焦点。
	if last, err := prefs.GetString(ctx, prefstore.KeyLastFocusedThread); err == nil && last != "" {
		if err := sess.OpenThread(last); err != nil {
			logger.Warn("restore focus failed",
				logger.FieldThreadID, last, logger.FieldError, err)
		} else {
			logger.Info("restored last focused thread", logger.FieldThreadID, last)
		}
	}

	logger.Info("clawdex-engine started",
		logger.FieldAddr, cfg.StatePanelAddr,
		"bridge_url", cfg.BridgeURL)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := panel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("statepanel shutdown failed", logger.FieldError, err)
	}
}
