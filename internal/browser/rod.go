package browser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

const pingTimeout = 5 * time.Second

// RodLauncher is the production Launcher backed by go-rod/Chrome.
type RodLauncher struct{}

// NewRodLauncher returns a Launcher that spawns real Chrome processes.
func NewRodLauncher() *RodLauncher {
	return &RodLauncher{}
}

// Launch starts a Chrome process, connects over CDP and prepares a single
// page with the stealth patches and fingerprint overrides applied.
// Each call builds a fresh rod launcher since launchers are single-use.
func (rl *RodLauncher) Launch(ctx context.Context, opts Options) (Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	opts = opts.WithDefaults()
	l := buildLauncher(opts)

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	// Install the stealth patches before any navigation so page scripts
	// never observe the automation markers.
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		log.Warn().Err(err).Msg("Failed to install stealth script, continuing without it")
	}

	if err := (proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}).Call(page); err != nil {
		log.Warn().Err(err).Msg("Failed to override user agent on page")
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.WindowWidth,
		Height:            opts.WindowHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	log.Debug().Str("url", url).Msg("Browser spawned")

	return &rodHandle{
		browser:     b,
		page:        page,
		loadTimeout: opts.PageLoadTimeout,
	}, nil
}

// buildLauncher creates a configured rod launcher. The flag set mirrors
// what the bookseller scraping layer relies on: headless, no GPU, fixed
// window size and user agent, and the AutomationControlled blink feature
// disabled so navigator.webdriver stays hidden.
func buildLauncher(opts Options) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// GPU / hardware acceleration off; these boxes have no GPU and the
	// price pages render fine on the software path.
	l = l.Set("disable-gpu").
		Set("disable-gpu-sandbox").
		Set("disable-software-rasterizer").
		Set("disable-accelerated-2d-canvas")

	// Anti-detection: keep navigator.webdriver undefined and drop the
	// automation switch entirely.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// Realistic browser behavior
	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars")

	l = l.Set("window-size", strconv.Itoa(opts.WindowWidth)+","+strconv.Itoa(opts.WindowHeight))
	l = l.Set("user-agent", opts.UserAgent)

	// Performance and stability
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Set("mute-audio")

	if !opts.LoadImages {
		l = l.Set("blink-settings", "imagesEnabled=false")
	}

	return l
}

// rodHandle wraps one rod browser plus the single page a session drives.
type rodHandle struct {
	browser     *rod.Browser
	page        *rod.Page
	loadTimeout time.Duration
}

// Navigate loads the URL on the handle's page, bounded by the page-load
// timeout or the caller's context, whichever ends first.
func (h *rodHandle) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, h.loadTimeout)
	defer cancel()

	page := h.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// Ping evaluates document.readyState as a liveness probe. Any CDP error
// or an empty result means the browser is wedged.
func (h *rodHandle) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	obj, err := h.page.Context(pingCtx).Eval("() => document.readyState")
	if err != nil {
		return fmt.Errorf("ping eval: %w", err)
	}
	if readyState(obj.Value) == "" {
		return fmt.Errorf("ping: empty readyState")
	}
	return nil
}

// readyState decodes the eval result. Split out so the gson handling is
// testable without a browser.
func readyState(v gson.JSON) string {
	return v.Str()
}

// Close tears down the page and the browser process.
func (h *rodHandle) Close() error {
	if h.page != nil {
		if err := h.page.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing page during handle close")
		}
		h.page = nil
	}
	if h.browser != nil {
		err := h.browser.Close()
		h.browser = nil
		if err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	return nil
}
