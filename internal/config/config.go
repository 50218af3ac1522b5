// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/Mohit-Patil/clawdex-mobile-sub000/pkg/util"
)

// Config 应用全局配置，字段名与环境变量一一对应。
type Config struct {
	// Bridge (远端 agent 进程)
	BridgeURL            string `env:"CLAWDEX_BRIDGE_URL" default:"ws://127.0.0.1:8290"`
	BridgeDialTimeoutSec int    `env:"CLAWDEX_BRIDGE_DIAL_TIMEOUT_SEC" default:"5" min:"1"`
	BridgeCallTimeoutSec int    `env:"CLAWDEX_BRIDGE_CALL_TIMEOUT_SEC" default:"30" min:"1"`

	// Turn 生命周期
	RunWatchdogGraceSec int `env:"CLAWDEX_RUN_WATCHDOG_GRACE_SEC" default:"60" min:"5"`
	ResyncDebounceMS    int `env:"CLAWDEX_RESYNC_DEBOUNCE_MS" default:"1500" min:"100"`
	PollActiveMS        int `env:"CLAWDEX_POLL_ACTIVE_MS" default:"2000" min:"250"`
	PollIdleMS          int `env:"CLAWDEX_POLL_IDLE_MS" default:"2500" min:"250"`

	// 本地偏好缓存
	PreferenceDBPath string `env:"CLAWDEX_PREF_DB_PATH" default:".clawdex/preferences.db"`

	// 状态面板
	StatePanelAddr string `env:"CLAWDEX_STATE_PANEL_ADDR" default:"127.0.0.1:8291"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"CLAWDEX_LOG_DIR" default:""`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// WatchdogGrace 返回心跳看门狗宽限期。
func (c *Config) WatchdogGrace() time.Duration {
	return time.Duration(c.RunWatchdogGraceSec) * time.Second
}

// ResyncDebounce 返回 resync 防抖窗口。
func (c *Config) ResyncDebounce() time.Duration {
	return time.Duration(c.ResyncDebounceMS) * time.Millisecond
}

// PollActive 返回活跃 turn 轮询间隔。
func (c *Config) PollActive() time.Duration {
	return time.Duration(c.PollActiveMS) * time.Millisecond
}

// PollIdle 返回空闲轮询间隔。
func (c *Config) PollIdle() time.Duration {
	return time.Duration(c.PollIdleMS) * time.Millisecond
}
