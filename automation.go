package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Automation owns the browser process and the single tab the run drives.
type Automation struct {
	config   *Config
	logger   *zap.Logger
	browser  *rod.Browser
	page     *rod.Page
	host     *RodPage
	launcher *launcher.Launcher
	stopChan chan bool
}

func NewAutomation(config *Config, logger *zap.Logger) *Automation {
	return &Automation{
		config:   config,
		logger:   logger.Named("browser"),
		stopChan: make(chan bool, 1),
	}
}

func (a *Automation) Close() {
	select {
	case a.stopChan <- true:
	default:
	}

	fmt.Println(T("cleaning_up"))

	if a.page != nil {
		a.page.Close()
	}

	if a.browser != nil {
		a.browser.Close()
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
	}

	fmt.Println(T("browser_destroyed"))
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	if _, err := a.browser.Version(); err != nil {
		a.logger.Debug("Browser version check failed", zap.Error(err))
		return false
	}

	if a.page != nil {
		if _, err := a.page.Info(); err != nil {
			a.logger.Debug("Page info check failed", zap.Error(err))
			return false
		}
	}

	return true
}

// watchBrowser calls onGone once if the user closes the browser or the tab.
func (a *Automation) watchBrowser(ctx context.Context, onGone func()) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			if !a.isBrowserAlive() {
				fmt.Println(T("browser_closed_by_user"))
				onGone()
				return
			}
		}
	}
}

func (a *Automation) setupBrowser() error {
	fmt.Println(T("browser_launching"))

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	chromePath, chromeExists := launcher.LookPath()

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless)

	// Must be set before Bin() to be applied.
	if a.config.BrowserProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.config.BrowserProfilePath)
		a.logger.Debug("Browser profile set", zap.String("path", a.config.BrowserProfilePath))
	}

	if chromeExists {
		a.launcher = a.launcher.Bin(chromePath)
		fmt.Println(T("browser_using_system_chrome"))
		a.logger.Debug("Chrome binary", zap.String("path", chromePath))
	} else {
		fmt.Println(T("browser_chrome_not_found"))
	}

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			fmt.Println(T("error_chrome_already_running"))
			return fmt.Errorf("browser profile is locked by another Chrome: %w", err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	a.browser = rod.New().ControlURL(url)
	if err := a.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	fmt.Println(T("browser_launched"))
	return nil
}

// openPage creates the stealth tab and loads url.
func (a *Automation) openPage(url string) (*RodPage, error) {
	var err error
	a.page, err = stealth.Page(a.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := a.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		a.logger.Debug("Failed to set User-Agent", zap.Error(err))
	}

	a.host, err = NewRodPage(a.page, time.Duration(a.config.PageLoadTimeout)*time.Second, a.logger)
	if err != nil {
		return nil, err
	}

	if url != "" {
		fmt.Printf(T("loading_page")+"\n", url)
		if err := a.host.Navigate(url); err != nil {
			return nil, err
		}
	}
	return a.host, nil
}
