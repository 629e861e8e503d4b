// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
)

// PNG is the image returned by fake screenshots.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Driver hands out fake sessions. Setup, when set, prepares each new session.
type Driver struct {
	Setup   func(*Session)
	OpenErr error

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

// Open returns a new fake session for profile.
func (d *Driver) Open(ctx context.Context, profile browser.Profile) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}

	s := NewSession(profile)
	if d.Setup != nil {
		d.Setup(s)
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Sessions returns every session opened so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// Last returns the most recently opened session, or nil.
func (d *Driver) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Session is a scripted page. Selectors are absent unless shown.
type Session struct {
	Profile browser.Profile

	mu          sync.Mutex
	visible     map[string]int // selector -> elements, for QueryAll
	after       map[string]int // selector -> queries before it appears
	failures    map[string]error
	queries     map[string]int
	onClick     map[string]func(*Session)
	eval        func(script string) (interface{}, error)
	clicks      []string
	typed       []string
	visits      []string
	reloads     int
	screenshots []string
	closed      bool
	closeErr    error
}

// NewSession creates an empty page.
func NewSession(profile browser.Profile) *Session {
	return &Session{
		Profile:  profile,
		visible:  make(map[string]int),
		after:    make(map[string]int),
		failures: make(map[string]error),
		queries:  make(map[string]int),
		onClick:  make(map[string]func(*Session)),
	}
}

// Show makes selector match one element.
func (s *Session) Show(selector string) *Session {
	return s.ShowN(selector, 1)
}

// ShowN makes selector match n elements.
func (s *Session) ShowN(selector string, n int) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible[selector] = n
	delete(s.after, selector)
	return s
}

// ShowAfter makes selector appear once it has been queried n times.
func (s *Session) ShowAfter(selector string, n int) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible[selector] = 1
	s.after[selector] = n
	return s
}

// Hide removes selector from the page.
func (s *Session) Hide(selector string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.visible, selector)
	delete(s.after, selector)
	return s
}

// Fail makes queries for selector return err.
func (s *Session) Fail(selector string, err error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[selector] = err
	return s
}

// OnClick runs fn when an element matching selector is clicked.
func (s *Session) OnClick(selector string, fn func(*Session)) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClick[selector] = fn
	return s
}

// OnEvaluate sets the script handler. Without one Evaluate returns nil.
func (s *Session) OnEvaluate(fn func(script string) (interface{}, error)) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eval = fn
	return s
}

// FailClose makes Close return err.
func (s *Session) FailClose(err error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
	return s
}

func (s *Session) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.visits = append(s.visits, url)
	return nil
}

func (s *Session) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.reloads++
	return nil
}

// count returns how many elements match selector now. Must be called with
// mu held.
func (s *Session) count(selector string) (int, error) {
	s.queries[selector]++
	if err, ok := s.failures[selector]; ok {
		return 0, err
	}
	n, ok := s.visible[selector]
	if !ok {
		return 0, nil
	}
	if wait, ok := s.after[selector]; ok && s.queries[selector] <= wait {
		return 0, nil
	}
	return n, nil
}

func (s *Session) Query(ctx context.Context, selector string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.count(selector)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, selector)
	}
	return &Element{session: s, selector: selector}, nil
}

func (s *Session) QueryAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.count(selector)
	if err != nil {
		return nil, err
	}
	elements := make([]browser.Element, 0, n)
	for i := 0; i < n; i++ {
		elements = append(elements, &Element{session: s, selector: selector})
	}
	return elements, nil
}

func (s *Session) Evaluate(ctx context.Context, script string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	eval := s.eval
	s.mu.Unlock()
	if eval == nil {
		return nil, nil
	}
	return eval(script)
}

func (s *Session) Screenshot(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, PNG, 0600); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.screenshots = append(s.screenshots, path)
	s.mu.Unlock()
	return PNG, nil
}

func (s *Session) Close(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

// Clicks lists clicked selectors in order. Double clicks are prefixed "dbl:".
func (s *Session) Clicks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicks...)
}

// Typed lists typed texts in order.
func (s *Session) Typed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed...)
}

// Visits lists navigated URLs.
func (s *Session) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

// Reloads counts page reloads.
func (s *Session) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// Queries counts lookups of selector.
func (s *Session) Queries(selector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[selector]
}

// Screenshots lists capture paths in order.
func (s *Session) Screenshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.screenshots...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Element is a fake element handle.
type Element struct {
	session  *Session
	selector string
}

func (e *Element) click(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := e.session
	s.mu.Lock()
	s.clicks = append(s.clicks, prefix+e.selector)
	fn := s.onClick[e.selector]
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return nil
}

func (e *Element) Click(ctx context.Context) error {
	return e.click(ctx, "")
}

func (e *Element) DoubleClick(ctx context.Context) error {
	return e.click(ctx, "dbl:")
}

func (e *Element) Type(ctx context.Context, text string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.session.mu.Lock()
	defer e.session.mu.Unlock()
	e.session.typed = append(e.session.typed, text)
	return nil
}

var (
	_ browser.Driver  = (*Driver)(nil)
	_ browser.Session = (*Session)(nil)
	_ browser.Element = (*Element)(nil)
)
