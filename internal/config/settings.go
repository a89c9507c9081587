package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"premiumgate/internal/types"
)

// defaultGraceWindow extends an expired entitlement while a renewal payment
// settles. Webhook delivery and retry can lag the actual charge.
const defaultGraceWindow = 24 * time.Hour

// settingsDebounce coalesces the burst of filesystem events editors and
// config-management tools produce for a single logical change.
const settingsDebounce = 250 * time.Millisecond

// RuntimeSettings is one immutable snapshot of the operator-tunable settings.
// Handlers capture a snapshot at the start of a request and use it
// throughout, so a concurrent reload never changes a decision mid-flight.
// Fields are read-only after publication.
type RuntimeSettings struct {
	// Version increments with every published snapshot. Diagnostic only.
	Version int64

	// Enabled is the master switch. When false every access decision
	// allows and webhooks are acknowledged without processing.
	Enabled bool

	StripeAPIKey        types.SecretString
	StripeWebhookSecret types.SecretString

	// ProductID is the Stripe product whose subscriptions grant access.
	// Events for other products are ignored.
	ProductID string

	// CouponID, when set, is offered on checkout and attached to the
	// price listing.
	CouponID string

	// ReplacementVideoURL locates the stand-in video served to
	// non-subscribers in place of premium content, by playlist URL or by
	// the video's UUID. Empty disables substitution (denied playback
	// fails open).
	ReplacementVideoURL string

	// AgentAllowlist matches User-Agent values that bypass gating, such
	// as link preview crawlers. Nil disables the bypass.
	AgentAllowlist *regexp.Regexp

	// CustomerPortalURL is surfaced on the subscription endpoint so the
	// UI can link to Stripe's hosted portal.
	CustomerPortalURL string

	// GraceWindow extends entitlements past paid_until.
	GraceWindow time.Duration
}

// StripeReady reports whether the snapshot carries the credentials required
// to talk to Stripe.
func (s *RuntimeSettings) StripeReady() bool {
	return s.StripeAPIKey.IsSet() && s.ProductID != ""
}

// SettingsStore owns the current RuntimeSettings snapshot. Readers get the
// snapshot through Current; reloads publish a fresh snapshot atomically and
// never mutate a published one.
type SettingsStore struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[RuntimeSettings]
	version atomic.Int64
}

// NewSettingsStore creates a store reading from the given settings file.
// An empty path reads the process environment instead; such a store never
// reloads.
func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	return &SettingsStore{path: path, logger: logger}
}

// Load reads the settings source and publishes a new snapshot. On parse
// failure the previous snapshot stays in place.
func (s *SettingsStore) Load() error {
	values, err := s.read()
	if err != nil {
		return &ConfigError{Type: ErrSettings, Message: "failed to read runtime settings", Err: err}
	}

	snap, err := parseSettings(values, s.version.Add(1))
	if err != nil {
		return &ConfigError{Type: ErrSettings, Message: "failed to parse runtime settings", Err: err}
	}

	s.current.Store(snap)
	return nil
}

// Current returns the latest published snapshot. Before the first Load it
// returns a disabled snapshot, which fails open on the content path.
func (s *SettingsStore) Current() *RuntimeSettings {
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	return &RuntimeSettings{GraceWindow: defaultGraceWindow}
}

// StripeAPIKey exposes the current Stripe secret key for the outbound
// client.
func (s *SettingsStore) StripeAPIKey() (string, bool) {
	snap := s.Current()
	return snap.StripeAPIKey.Unmask(), snap.StripeAPIKey.IsSet()
}

// Watch blocks until ctx is done, republishing the snapshot whenever the
// settings file changes. Stores without a file return immediately.
//
// The parent directory is watched rather than the file itself: most
// deployment tools replace the file via rename, which drops a watch on the
// file but not one on the directory.
func (s *SettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(settingsDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(settingsDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WarnContext(ctx, "settings watcher error", "error", err)
		case <-fire:
			debounce = nil
			fire = nil
			if err := s.Load(); err != nil {
				s.logger.ErrorContext(ctx, "settings reload failed, keeping previous snapshot", "error", err)
				continue
			}
			snap := s.Current()
			s.logger.InfoContext(ctx, "runtime settings reloaded",
				"version", snap.Version,
				"enabled", snap.Enabled,
				"product_id", snap.ProductID)
		}
	}
}

// read returns the raw key/value settings from the file, or from the
// process environment when no file is configured.
func (s *SettingsStore) read() (map[string]string, error) {
	if s.path == "" {
		values := make(map[string]string, len(settingsKeys))
		for _, key := range settingsKeys {
			if v, ok := os.LookupEnv(key); ok {
				values[key] = v
			}
		}
		return values, nil
	}
	return godotenv.Read(s.path)
}

var settingsKeys = []string{
	"PLUGIN_ENABLED",
	"STRIPE_API_KEY",
	"STRIPE_WEBHOOK_SECRET",
	"STRIPE_PRODUCT_ID",
	"STRIPE_COUPON_ID",
	"REPLACEMENT_VIDEO_URL",
	"UA_ALLOWLIST_REGEX",
	"CUSTOMER_PORTAL_URL",
	"GRACE_WINDOW",
}

func parseSettings(values map[string]string, version int64) (*RuntimeSettings, error) {
	snap := &RuntimeSettings{
		Version:             version,
		StripeAPIKey:        types.SecretString(values["STRIPE_API_KEY"]),
		StripeWebhookSecret: types.SecretString(values["STRIPE_WEBHOOK_SECRET"]),
		ProductID:           values["STRIPE_PRODUCT_ID"],
		CouponID:            values["STRIPE_COUPON_ID"],
		ReplacementVideoURL: values["REPLACEMENT_VIDEO_URL"],
		CustomerPortalURL:   values["CUSTOMER_PORTAL_URL"],
		GraceWindow:         defaultGraceWindow,
	}

	if raw, ok := values["PLUGIN_ENABLED"]; ok && raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("PLUGIN_ENABLED: %w", err)
		}
		snap.Enabled = enabled
	}

	if raw := values["UA_ALLOWLIST_REGEX"]; raw != "" {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("UA_ALLOWLIST_REGEX: %w", err)
		}
		snap.AgentAllowlist = re
	}

	if raw := values["GRACE_WINDOW"]; raw != "" {
		grace, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("GRACE_WINDOW: %w", err)
		}
		if grace < 0 {
			return nil, fmt.Errorf("GRACE_WINDOW: must not be negative")
		}
		snap.GraceWindow = grace
	}

	return snap, nil
}
