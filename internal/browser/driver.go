// Package browser is the boundary to the page-driving capability. The core
// treats it as opaque: navigate, click, scroll, wait, read state.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// ErrHardBlock signals a detected anti-bot countermeasure (CAPTCHA, ban
// interstitial). Never retried; the session fails and the egress point is
// downgraded immediately.
var ErrHardBlock = errors.New("browser: hard block detected")

// TransientError wraps a recoverable per-action fault (navigation timeout,
// dropped connection). The simulator retries these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("browser: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient tags err as recoverable for the given operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable. Deadline expiry counts: a
// timed-out action may succeed on the next attempt.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsHardBlock reports whether err carries the hard-block signal.
func IsHardBlock(err error) bool {
	return errors.Is(err, ErrHardBlock)
}

// PageState is a snapshot of what the driver currently sees.
type PageState struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	ResultLinks []string `json:"resultLinks,omitempty"`
	ScrollY     int      `json:"scrollY"`
}

// Driver is the capability set consumed by the simulator. Every call honors
// its context; cancellation surfaces as ctx.Err().
type Driver interface {
	// Navigate loads the URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// Click activates the search result at the given rank and returns the
	// destination URL.
	Click(ctx context.Context, target int) (string, error)

	// Scroll moves the viewport down by delta pixels.
	Scroll(ctx context.Context, delta int) error

	// DwellWait lingers on the current page for the duration.
	DwellWait(ctx context.Context, d time.Duration) error

	// CurrentState reads what the page looks like right now.
	CurrentState(ctx context.Context) (PageState, error)

	// Close releases the underlying browser resources.
	Close(ctx context.Context) error
}

// Factory produces one driver per session, configured with the session's
// device identity and egress address.
type Factory func(ctx context.Context, profile models.DeviceProfile, egressAddr string) (Driver, error)
