package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/require"
)

func TestCache_DeviceTypeResolvedOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := New(Options{
		Platform: func() string {
			calls.Add(1)
			return "android"
		},
		Version: StaticVersion("2.3.1"),
	})
	for i := 0; i < 5; i++ {
		require.Equal(t, "android", c.DeviceType())
	}
	require.EqualValues(t, 1, calls.Load())
}

func TestCache_EmptyPlatformIsUnknown(t *testing.T) {
	t.Parallel()
	c := New(Options{Platform: func() string { return "  " }})
	require.Equal(t, "unknown", c.DeviceType())
}

func TestCache_AppVersionResolved(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := New(Options{
		Version: func(context.Context) (string, error) {
			calls.Add(1)
			return "2.3.1", nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Warm(ctx)

	require.Equal(t, "2.3.1", c.AppVersion())
	require.Equal(t, "2.3.1", c.AppVersion())
	require.EqualValues(t, 1, calls.Load())
}

func TestCache_AppVersionFallbackOnError(t *testing.T) {
	t.Parallel()
	c := New(Options{
		Version: func(context.Context) (string, error) { return "", errors.New("bundle unreadable") },
		Logger:  slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Warm(ctx)
	require.Equal(t, DefaultAppVersion, c.AppVersion())
}

func TestCache_AppVersionFallbackOnPanic(t *testing.T) {
	t.Parallel()
	c := New(Options{
		Version:         func(context.Context) (string, error) { panic("boom") },
		FallbackVersion: "0.9.0",
		Logger:          slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Warm(ctx)
	require.Equal(t, "0.9.0", c.AppVersion())
}

func TestCache_AppVersionDoesNotBlock(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := New(Options{
		Version: func(ctx context.Context) (string, error) {
			<-release
			return "3.0.0", nil
		},
	})
	defer close(release)

	done := make(chan string, 1)
	go func() { done <- c.AppVersion() }()
	select {
	case v := <-done:
		require.Equal(t, DefaultAppVersion, v)
	case <-time.After(time.Second):
		t.Fatal("AppVersion blocked on a slow lookup")
	}
}

func TestCache_Reset(t *testing.T) {
	t.Parallel()
	platform := "ios"
	c := New(Options{Platform: func() string { return platform }, Version: StaticVersion("1.2.0")})
	require.Equal(t, "ios", c.DeviceType())

	c.Reset()
	platform = "android"
	require.Equal(t, "android", c.DeviceType())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Warm(ctx)
	require.Equal(t, "1.2.0", c.AppVersion())
}

func TestStaticVersion_Empty(t *testing.T) {
	t.Parallel()
	_, err := StaticVersion("")(context.Background())
	require.ErrorIs(t, err, ErrVersionUnknown)
}
