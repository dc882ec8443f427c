package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

var ErrControlMissing = errors.New("control not found on page")

const inspectJS = `(selector, guard) => {
	const el = document.querySelector(selector);
	if (!el) return null;
	const style = window.getComputedStyle(el);
	return {
		disabledProp: el.disabled === true,
		disabledAttr: el.hasAttribute('disabled') && el.getAttribute('disabled') !== 'false',
		ariaDisabled: el.getAttribute('aria-disabled') || '',
		classes: Array.from(el.classList),
		pointerEvents: style ? style.pointerEvents : '',
		guardPresent: guard ? document.querySelector(guard) !== null : true,
	};
}`

const clickJS = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	el.click();
	return true;
}`

// RodPage adapts a rod page to HostPage.
type RodPage struct {
	page        *rod.Page
	loadTimeout time.Duration
	logger      *zap.Logger
}

func NewRodPage(page *rod.Page, loadTimeout time.Duration, logger *zap.Logger) (*RodPage, error) {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	return &RodPage{
		page:        page,
		loadTimeout: loadTimeout,
		logger:      logger.Named("page"),
	}, nil
}

func (p *RodPage) URL() (string, error) {
	info, err := p.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *RodPage) Inspect(spec ControlSpec) (*ControlSignals, error) {
	res, err := p.page.Eval(inspectJS, spec.Selector, spec.GuardSelector)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	var sig ControlSignals
	if err := res.Value.Unmarshal(&sig); err != nil {
		return nil, fmt.Errorf("failed to decode control signals: %w", err)
	}
	return &sig, nil
}

func (p *RodPage) Click(selector string) error {
	res, err := p.page.Eval(clickJS, selector)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return fmt.Errorf("%w: %s", ErrControlMissing, selector)
	}
	return nil
}

func (p *RodPage) Reload() error {
	if err := p.page.Reload(); err != nil {
		return err
	}
	return p.page.Timeout(p.loadTimeout).WaitLoad()
}

// Navigate opens url and waits for the load event.
func (p *RodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := p.page.Timeout(p.loadTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	return nil
}

// SubscribeActivity reports Fetch/XHR requests starting and finishing.
func (p *RodPage) SubscribeActivity(onActivity func()) func() {
	ctx, cancel := context.WithCancel(p.page.GetContext())

	var mu sync.Mutex
	tracked := make(map[proto.NetworkRequestID]struct{})
	finish := func(id proto.NetworkRequestID) {
		mu.Lock()
		_, ok := tracked[id]
		delete(tracked, id)
		mu.Unlock()
		if ok {
			onActivity()
		}
	}

	wait := p.page.Context(ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Type != proto.NetworkResourceTypeFetch && e.Type != proto.NetworkResourceTypeXHR {
				return
			}
			mu.Lock()
			tracked[e.RequestID] = struct{}{}
			mu.Unlock()
			onActivity()
		},
		func(e *proto.NetworkLoadingFinished) { finish(e.RequestID) },
		func(e *proto.NetworkLoadingFailed) { finish(e.RequestID) },
	)
	go wait()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			p.logger.Debug("Network activity subscription released")
		})
	}
}
