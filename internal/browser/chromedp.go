package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// stealthScript hides the obvious automation tells before any page script
// runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) =>
    parameters.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : originalQuery(parameters);
`

// blockMarkers are substrings whose presence in the page body indicates an
// anti-bot interstitial rather than real results.
var blockMarkers = []string{
	"unusual traffic",
	"recaptcha",
	"g-recaptcha",
	"are you a robot",
	"access denied",
}

// Chromedp drives a real Chrome over the DevTools protocol.
type Chromedp struct {
	ctx    context.Context
	cancel context.CancelFunc

	// onClose runs after the chromedp context is torn down; the factory
	// uses it to stop the backing container.
	onClose func(context.Context) error
}

// NewChromedp attaches to the devtools websocket at connectURL and applies
// the device identity.
func NewChromedp(ctx context.Context, connectURL string, profile models.DeviceProfile) (*Chromedp, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, connectURL)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		taskCancel()
		allocCancel()
	}

	err := chromedp.Run(taskCtx,
		emulation.SetUserAgentOverride(profile.UserAgent).
			WithPlatform(profile.Platform).
			WithAcceptLanguage(profile.Locale),
		emulation.SetDeviceMetricsOverride(
			int64(profile.ViewportWidth), int64(profile.ViewportHeight),
			deviceScale(profile), profile.IsMobile),
		emulation.SetTouchEmulationEnabled(profile.HasTouch),
		setTimezone(profile.Timezone),
		installStealth(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("browser: apply device profile: %w", err)
	}

	return &Chromedp{ctx: taskCtx, cancel: cancel}, nil
}

func deviceScale(p models.DeviceProfile) float64 {
	if p.DeviceType == "desktop" {
		return 1
	}
	return 2
}

func setTimezone(tz string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetTimezoneOverride(tz).Do(ctx)
	})
}

func installStealth() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})
}

// runTasks executes chromedp actions under the caller's deadline.
func (c *Chromedp) runTasks(ctx context.Context, tasks ...chromedp.Action) error {
	tctx := c.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(c.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(tctx, tasks...)
}

// Navigate implements Driver. Timeouts and dropped connections come back
// transient; a recognizable interstitial comes back as a hard block.
func (c *Chromedp) Navigate(ctx context.Context, url string) error {
	err := c.runTasks(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	)
	if err != nil {
		return classify("navigate", err)
	}

	var body string
	if err := c.runTasks(ctx,
		chromedp.Evaluate(`document.body ? document.body.innerText.slice(0, 4000) : ""`, &body),
	); err != nil {
		return classify("navigate", err)
	}
	lower := strings.ToLower(body)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%q on %s: %w", marker, url, ErrHardBlock)
		}
	}
	return nil
}

// Click implements Driver: activates the target-th external result link.
func (c *Chromedp) Click(ctx context.Context, target int) (string, error) {
	js := fmt.Sprintf(`(() => {
		const links = [...document.querySelectorAll('a[href^="http"]')]
			.filter(a => a.hostname !== location.hostname);
		if (links.length === 0) return "";
		const link = links[Math.min(%d, links.length - 1)];
		const href = link.href;
		link.click();
		return href;
	})()`, target)

	var href string
	if err := c.runTasks(ctx, chromedp.Evaluate(js, &href)); err != nil {
		return "", classify("click", err)
	}
	if href == "" {
		return "", Transient("click", fmt.Errorf("no result links on page"))
	}
	if err := c.runTasks(ctx, chromedp.WaitReady("body")); err != nil {
		return href, classify("click", err)
	}
	return href, nil
}

// Scroll implements Driver.
func (c *Chromedp) Scroll(ctx context.Context, delta int) error {
	js := fmt.Sprintf(`window.scrollBy({top: %d, behavior: "smooth"})`, delta)
	if err := c.runTasks(ctx, chromedp.Evaluate(js, nil)); err != nil {
		return classify("scroll", err)
	}
	return nil
}

// DwellWait implements Driver.
func (c *Chromedp) DwellWait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-t.C:
		return nil
	}
}

// CurrentState implements Driver.
func (c *Chromedp) CurrentState(ctx context.Context) (PageState, error) {
	var state PageState
	err := c.runTasks(ctx,
		chromedp.Location(&state.URL),
		chromedp.Title(&state.Title),
		chromedp.Evaluate(`Math.round(window.scrollY)`, &state.ScrollY),
		chromedp.Evaluate(`[...document.querySelectorAll('a[href^="http"]')]
			.filter(a => a.hostname !== location.hostname)
			.slice(0, 20).map(a => a.href)`, &state.ResultLinks),
	)
	if err != nil {
		return PageState{}, classify("read_state", err)
	}
	return state, nil
}

// Close implements Driver.
func (c *Chromedp) Close(ctx context.Context) error {
	c.cancel()
	if c.onClose != nil {
		return c.onClose(ctx)
	}
	return nil
}

// classify maps chromedp failures into the driver error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, err)
}

// DockerFactory builds drivers backed by per-session Chrome containers.
// Closing a driver also stops its container.
func DockerFactory(pool *ChromePool) Factory {
	return func(ctx context.Context, profile models.DeviceProfile, egressAddr string) (Driver, error) {
		sessionID := uuid.New().String()
		instance, err := pool.Launch(ctx, sessionID, egressAddr)
		if err != nil {
			return nil, err
		}

		drv, err := NewChromedp(ctx, instance.ConnectURL, profile)
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = pool.Stop(stopCtx, instance.ContainerID)
			return nil, err
		}
		drv.onClose = func(closeCtx context.Context) error {
			return pool.Stop(closeCtx, instance.ContainerID)
		}
		return drv, nil
	}
}
