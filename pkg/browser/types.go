package browser

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/fleet/pkg/types"
)

// ErrNotFound is returned by Query when no element matches.
var ErrNotFound = errors.New("element not found")

// Driver opens browser sessions on worker profiles.
type Driver interface {
	// Open launches a browser on the profile directory.
	Open(ctx context.Context, profile Profile) (Session, error)

	// Close releases the driver. Sessions must be closed first.
	Close() error
}

// Profile identifies the persistent browser profile of a worker.
type Profile struct {
	ID  types.WorkerID
	Dir string
}

// Session is one open browser with a single active page.
type Session interface {
	// Goto navigates and returns once the DOM is loaded.
	Goto(ctx context.Context, url string) error

	// Reload reloads the current page.
	Reload(ctx context.Context) error

	// Query returns the first element matching selector, or ErrNotFound.
	Query(ctx context.Context, selector string) (Element, error)

	// QueryAll returns every element matching selector.
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// Evaluate runs a script in the page and returns its JSON result.
	Evaluate(ctx context.Context, script string) (interface{}, error)

	// Screenshot captures the full page. When path is not empty the image is
	// also written there.
	Screenshot(ctx context.Context, path string) ([]byte, error)

	// Close closes every page, waits grace, then closes the browser.
	Close(ctx context.Context, grace time.Duration) error
}

// Element is a handle to a located DOM element.
type Element interface {
	Click(ctx context.Context) error
	DoubleClick(ctx context.Context) error

	// Type sends text one key at a time, delay apart.
	Type(ctx context.Context, text string, delay time.Duration) error
}
