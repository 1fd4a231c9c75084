// Package browser abstracts the underlying browser automation driver.
// The pool only ever sees the Handle and Launcher interfaces; the rod
// implementation lives alongside them so the driver can be swapped (or
// faked in tests) without touching pool code.
package browser

import (
	"context"
	"time"

	"github.com/jthomasson/bookpool/pkg/version"
)

// Handle is one live browser a session owns exclusively.
// A Handle is not safe for concurrent use; the pool guarantees at most
// one caller holds it at a time.
type Handle interface {
	// Navigate loads the given URL and waits for the page load event,
	// bounded by the handle's page-load timeout.
	Navigate(ctx context.Context, url string) error

	// Ping verifies the browser is still responsive. A failed Ping means
	// the handle must be restarted, not repaired.
	Ping(ctx context.Context) error

	// Close tears down the browser process. Safe to call once; the owning
	// session guards against double close.
	Close() error
}

// Launcher spawns new browser handles. Launch involves external process
// startup and can take seconds; callers must treat it as blocking.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Handle, error)
}

// Options is the fixed configuration applied to every handle a pool
// creates. Per-source variation (image loading, user agent) is expressed
// here rather than forked pool code.
type Options struct {
	Headless     bool
	BrowserPath  string
	UserAgent    string
	WindowWidth  int
	WindowHeight int

	// LoadImages keeps image fetching enabled. Sites whose price widgets
	// are rendered with images need this; everything else runs faster
	// without.
	LoadImages bool

	// PageLoadTimeout bounds each Navigate call.
	PageLoadTimeout time.Duration
}

// WithDefaults fills in zero-valued fields with the standard scraping
// configuration.
func (o Options) WithDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = version.UserAgent
	}
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1920
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 1080
	}
	if o.PageLoadTimeout <= 0 {
		o.PageLoadTimeout = 15 * time.Second
	}
	return o
}
