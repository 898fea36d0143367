package session

import (
	"context"

	"potemkin/internal/browser"
	"potemkin/internal/cdp"
	"potemkin/internal/driver"
)

// BrowserLauncher 适配 browser.Launcher
type BrowserLauncher struct{ *browser.Launcher }

// Launch 启动浏览器
func (a BrowserLauncher) Launch(ctx context.Context) (Browser, error) {
	b, err := a.Launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ChromeDriverStarter 适配 driver.Starter
type ChromeDriverStarter struct{ *driver.Starter }

// Start 启动驱动
func (a ChromeDriverStarter) Start(ctx context.Context) (Driver, error) {
	d, err := a.Starter.Start(ctx)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// InterceptionSubscriber 适配 cdp.Manager
type InterceptionSubscriber struct{ *cdp.Manager }

// Subscribe 订阅拦截事件
func (a InterceptionSubscriber) Subscribe(ctx context.Context, sessionID, debuggerAddress string) (Subscription, error) {
	s, err := a.Manager.Subscribe(ctx, sessionID, debuggerAddress)
	if err != nil {
		return nil, err
	}
	return s, nil
}
