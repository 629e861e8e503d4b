package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/playwright-community/playwright-go"
)

// DefaultTimeout is the page-level operation timeout in milliseconds.
const DefaultTimeout = 300000

// PlaywrightDriver launches Chromium through playwright with a persistent
// context per profile directory.
type PlaywrightDriver struct {
	settings config.BrowserSettings

	mu          sync.Mutex
	playwright  *playwright.Playwright
	initialized bool
}

// NewPlaywrightDriver creates a driver. Initialize must be called before Open.
func NewPlaywrightDriver(settings config.BrowserSettings) *PlaywrightDriver {
	return &PlaywrightDriver{settings: settings}
}

// Initialize installs the playwright driver and starts it, writing installer
// output to w. Browsers are not downloaded when an executable path is
// configured.
func (d *PlaywrightDriver) Initialize(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	if w == nil {
		w = io.Discard
	}
	opts := &playwright.RunOptions{
		Browsers:            []string{"chromium"},
		SkipInstallBrowsers: d.settings.ExecutablePath != "",
		Verbose:             false,
		Stdout:              w,
		Stderr:              w,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	d.playwright = pw
	d.initialized = true
	return nil
}

// Open launches Chromium on the profile directory.
func (d *PlaywrightDriver) Open(ctx context.Context, profile Profile) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	pw := d.playwright
	initialized := d.initialized
	d.mu.Unlock()
	if !initialized {
		return nil, fmt.Errorf("playwright driver not initialized")
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(d.settings.Headless),
		Args:     d.settings.Args,
		Viewport: &playwright.Size{
			Width:  d.settings.Width,
			Height: d.settings.Height,
		},
	}
	if d.settings.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(d.settings.ExecutablePath)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(profile.Dir, launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser for %s: %w", profile.ID.Name(), err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			bctx.Close()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
	}
	page.SetDefaultTimeout(DefaultTimeout)
	page.SetDefaultNavigationTimeout(DefaultTimeout)

	return &playwrightSession{context: bctx, page: page}, nil
}

// Close stops playwright.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized && d.playwright != nil {
		if err := d.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		d.initialized = false
	}
	return nil
}

type playwrightSession struct {
	context playwright.BrowserContext
	page    playwright.Page

	closeOnce sync.Once
	closeErr  error
}

// navigate runs a page navigation and stops waiting for it when ctx is done.
// The navigation itself ends when the session is closed.
func navigate(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *playwrightSession) Goto(ctx context.Context, url string) error {
	return navigate(ctx, func() error {
		if _, err := s.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		}); err != nil {
			return fmt.Errorf("navigation failed: %w", err)
		}
		return nil
	})
}

func (s *playwrightSession) Reload(ctx context.Context) error {
	return navigate(ctx, func() error {
		if _, err := s.page.Reload(playwright.PageReloadOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		}); err != nil {
			return fmt.Errorf("reload failed: %w", err)
		}
		return nil
	})
}

func (s *playwrightSession) Query(ctx context.Context, selector string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, err := s.page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return &playwrightElement{handle: handle}, nil
}

func (s *playwrightSession) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles, err := s.page.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	elements := make([]Element, 0, len(handles))
	for _, h := range handles {
		elements = append(elements, &playwrightElement{handle: h})
	}
	return elements, nil
}

func (s *playwrightSession) Evaluate(ctx context.Context, script string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := s.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

func (s *playwrightSession) Screenshot(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	}
	if path != "" {
		opts.Path = playwright.String(path)
	}
	data, err := s.page.Screenshot(opts)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// Close closes every page with beforeunload handlers, waits grace, then
// closes the context. Page close errors are ignored.
func (s *playwrightSession) Close(ctx context.Context, grace time.Duration) error {
	s.closeOnce.Do(func() {
		for _, p := range s.context.Pages() {
			_ = p.Close(playwright.PageCloseOptions{RunBeforeUnload: playwright.Bool(true)})
		}

		if grace > 0 {
			timer := time.NewTimer(grace)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}

		if err := s.context.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close browser: %w", err)
		}
	})
	return s.closeErr
}

type playwrightElement struct {
	handle playwright.ElementHandle
}

func (e *playwrightElement) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.handle.Click()
}

func (e *playwrightElement) DoubleClick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.handle.Click(playwright.ElementHandleClickOptions{
		ClickCount: playwright.Int(2),
	})
}

func (e *playwrightElement) Type(ctx context.Context, text string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.handle.Type(text, playwright.ElementHandleTypeOptions{
		Delay: playwright.Float(float64(delay.Milliseconds())),
	})
}

var _ Driver = (*PlaywrightDriver)(nil)
