// Package device resolves and caches the device type and app version attached
// to every telemetry event and error report.
package device

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
)

// DefaultAppVersion is reported until the version lookup succeeds, and forever
// if it fails.
const DefaultAppVersion = "1.0.0"

// resolveTimeout bounds a single version lookup.
const resolveTimeout = 5 * time.Second

// ErrVersionUnknown is returned by a VersionResolver with nothing to report.
var ErrVersionUnknown = xerrors.New("app version unknown")

// VersionResolver looks up the running app version. It may be slow.
type VersionResolver func(ctx context.Context) (string, error)

// PlatformResolver returns the platform identifier.
type PlatformResolver func() string

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	Platform        PlatformResolver
	Version         VersionResolver
	FallbackVersion string
	Logger          slog.Logger
}

// Cache resolves the platform once and the app version once, asynchronously.
// Accessors never block and never fail.
type Cache struct {
	opts Options
	log  slog.Logger

	platformOnce sync.Once
	platform     string

	versionOnce sync.Once
	mu          sync.RWMutex
	version     string
	resolved    chan struct{}
}

// New returns a Cache. Nothing is resolved until the first accessor call or Warm.
func New(opts Options) *Cache {
	if opts.Platform == nil {
		opts.Platform = func() string { return runtime.GOOS }
	}
	if opts.Version == nil {
		opts.Version = BuildInfoVersion
	}
	if opts.FallbackVersion == "" {
		opts.FallbackVersion = DefaultAppVersion
	}
	return &Cache{
		opts:     opts,
		log:      opts.Logger.Named("device"),
		resolved: make(chan struct{}),
	}
}

// DeviceType returns the cached platform identifier.
func (c *Cache) DeviceType() string {
	c.platformOnce.Do(func() {
		c.platform = strings.TrimSpace(c.opts.Platform())
		if c.platform == "" {
			c.platform = "unknown"
		}
	})
	return c.platform
}

// AppVersion returns the resolved app version, or the fallback while the
// lookup is in progress or after it failed.
func (c *Cache) AppVersion() string {
	c.startResolve()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.version == "" {
		return c.opts.FallbackVersion
	}
	return c.version
}

// Warm starts the version lookup and waits for it to finish or for ctx to be done.
func (c *Cache) Warm(ctx context.Context) {
	resolved := c.startResolve()
	select {
	case <-resolved:
	case <-ctx.Done():
	}
}

// Reset forgets the cached values so the next call resolves again. It must
// not run concurrently with other Cache methods.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.platformOnce = sync.Once{}
	c.platform = ""
	c.versionOnce = sync.Once{}
	c.version = ""
	c.resolved = make(chan struct{})
}

func (c *Cache) startResolve() <-chan struct{} {
	c.mu.RLock()
	resolved := c.resolved
	c.mu.RUnlock()
	c.versionOnce.Do(func() {
		go c.resolve(resolved)
	})
	return resolved
}

func (c *Cache) resolve(done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	version, err := c.lookup(ctx)
	if err != nil {
		c.log.Warn(ctx, "app version lookup failed, using fallback",
			slog.F("fallback", c.opts.FallbackVersion),
			slog.Error(err),
		)
		return
	}
	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
}

func (c *Cache) lookup(ctx context.Context) (version string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("version resolver panicked: %v", r)
		}
	}()
	version, err = c.opts.Version(ctx)
	if err != nil {
		return "", err
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return "", ErrVersionUnknown
	}
	return version, nil
}

// StaticVersion returns a resolver that reports v, or ErrVersionUnknown when v is empty.
func StaticVersion(v string) VersionResolver {
	return func(context.Context) (string, error) {
		if strings.TrimSpace(v) == "" {
			return "", ErrVersionUnknown
		}
		return v, nil
	}
}

// BuildInfoVersion reports the main module version embedded by the Go toolchain.
func BuildInfoVersion(context.Context) (string, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ErrVersionUnknown
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		return "", ErrVersionUnknown
	}
	return strings.TrimPrefix(v, "v"), nil
}
