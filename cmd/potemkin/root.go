package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"potemkin/internal/api"
	"potemkin/internal/browser"
	"potemkin/internal/cdp"
	"potemkin/internal/config"
	"potemkin/internal/driver"
	"potemkin/internal/forwarder"
	"potemkin/internal/handler"
	"potemkin/internal/interceptlog"
	"potemkin/internal/logger"
	"potemkin/internal/rules"
	"potemkin/internal/session"
	"potemkin/internal/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCmd 创建根命令，命令行参数绑定到 viper 后与配置文件、环境变量合并
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "potemkin",
		Short: "potemkin - 为浏览器自动化测试提供 JSON 接口模拟的 WebDriver 前置服务",
		Long: `potemkin 在真实浏览器与 chromedriver 之前提供自动化协议入口，
并通过调试协议拦截 XHR 请求，按已安装的规则返回模拟的 JSON 应答。

规则通过 POST /api/patterns 安装，拦截记录通过 GET /api/log 读取。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	d := config.NewConfig()
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "配置文件路径 (yaml)")
	f.IntP("port", "p", d.Server.Port, "监听端口")
	f.Bool("keep-browser-open", d.Browser.KeepOpen, "会话结束后保留浏览器")
	f.Bool("headless", d.Browser.Headless, "以无头模式启动浏览器")
	f.String("driver", d.Driver.Bin, "chromedriver 可执行文件")
	f.Int("driver-port", d.Driver.Port, "chromedriver 监听端口")
	f.String("log-level", d.Log.Level, "日志级别 (debug/info/warn/error)")

	for key, name := range map[string]string{
		"server.port":       "port",
		"browser.keep_open": "keep-browser-open",
		"browser.headless":  "headless",
		"driver.bin":        "driver",
		"driver.port":       "driver-port",
		"log.level":         "log-level",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
	return cmd
}

// run 组装各组件并阻塞到收到退出信号
func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Writer: cfg.Log.Writer,
		File:   cfg.Log.File,
	})

	store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	if err != nil {
		return fmt.Errorf("打开拦截历史存储失败: %w", err)
	}
	defer store.Close()

	engine := rules.New(nil)
	ilog := interceptlog.New()
	h := handler.New(handler.Config{
		Engine:          engine,
		Log:             ilog,
		Recorder:        store,
		DecisionTimeout: cfg.Timeouts.Decision,
		Logger:          l,
	})

	cdpMgr := cdp.New(h, l.With("component", "cdp"))
	launcher := browser.NewLauncher(browser.Config{
		Bin:      cfg.Browser.Bin,
		Headless: cfg.Browser.Headless,
		Flags:    cfg.Browser.Flags,
	}, l.With("component", "browser"))
	starter := driver.NewStarter(driver.Config{
		Bin:  cfg.Driver.Bin,
		Host: cfg.Driver.Host,
		Port: cfg.Driver.Port,
		W3C:  cfg.Driver.W3C,
	}, l.With("component", "driver"))
	fwd := forwarder.New(&http.Client{}, cfg.Timeouts.Forward, l.With("component", "forwarder"))

	ctrl := session.NewController(session.Deps{
		Engine:     engine,
		Launcher:   session.BrowserLauncher{Launcher: launcher},
		Starter:    session.ChromeDriverStarter{Starter: starter},
		Subscriber: session.InterceptionSubscriber{Manager: cdpMgr},
		Seeder:     cdpMgr,
		Forwarder:  fwd,
	}, session.Options{
		KeepOpen:      cfg.Browser.KeepOpen,
		LaunchTimeout: cfg.Timeouts.Launch,
		DrainTimeout:  cfg.Timeouts.Drain,
		SeedTimeout:   cfg.Timeouts.Seed,
	}, l.With("component", "session"))

	srv := api.New(fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.Prefix, api.Deps{
		Engine:     engine,
		Log:        ilog,
		Controller: ctrl,
		Store:      store,
	}, l.With("component", "api"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	l.Info("potemkin 已启动", "port", cfg.Server.Port, "prefix", cfg.Server.Prefix, "driver", cfg.DriverURL())

	select {
	case err = <-errCh:
	case <-ctx.Done():
		l.Info("收到退出信号，开始关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		l.Warn("关闭 HTTP 服务失败", "error", serr)
	}
	ctrl.Shutdown(shutdownCtx)
	return err
}
