package audit

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/audit/domain"
	auditrepo "campus-telemetry/internal/audit/repository"
)

type failingRepo struct {
	auditrepo.Repository
}

func (failingRepo) Create(context.Context, *domain.AuditLog) error {
	return xerrors.New("database is down")
}

func TestLogger_LogEvent(t *testing.T) {
	t.Parallel()
	clk := quartz.NewMock(t)
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	clk.Set(now)
	repo := auditrepo.NewMemoryRepository()
	actor := func(context.Context) (string, string, bool) { return "campus-app", "key-1", true }
	l := NewLogger(repo, actor, clk, slogtest.Make(t, nil))

	l.LogEvent(context.Background(), ActionStatusChanged, PatternResource("abc"), `{"status":"fixed"}`)
	l.LogEvent(context.Background(), ActionStatusChanged, PatternResource("other"), "")

	entries, err := repo.ListByResource(context.Background(), PatternResource("abc"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.NotEmpty(t, e.ID)
	require.Equal(t, "campus-app", e.AppID)
	require.Equal(t, "key-1", e.KeyID)
	require.Equal(t, ActionStatusChanged, e.Action)
	require.Equal(t, "error_pattern:abc", e.Resource)
	require.Equal(t, `{"status":"fixed"}`, e.Metadata)
	require.Equal(t, now, e.CreatedAt)
}

func TestLogger_LogEvent_NoActor(t *testing.T) {
	t.Parallel()
	repo := auditrepo.NewMemoryRepository()
	l := NewLogger(repo, func(context.Context) (string, string, bool) { return "", "", false }, nil, slogtest.Make(t, nil))
	l.LogEvent(context.Background(), ActionStatusChanged, "r", "")
	l = NewLogger(repo, nil, nil, slogtest.Make(t, nil))
	l.LogEvent(context.Background(), ActionStatusChanged, "r", "")

	entries, err := repo.ListByResource(context.Background(), "r", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, SystemActor, e.AppID)
		require.Empty(t, e.KeyID)
	}
}

func TestLogger_LogEvent_RepoError(t *testing.T) {
	t.Parallel()
	l := NewLogger(failingRepo{}, nil, nil, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	require.NotPanics(t, func() {
		l.LogEvent(context.Background(), ActionStatusChanged, "r", "")
	})
}

func TestLogger_LogEvent_NilRepo(t *testing.T) {
	t.Parallel()
	l := NewLogger(nil, nil, nil, slogtest.Make(t, nil))
	require.NotPanics(t, func() {
		l.LogEvent(context.Background(), ActionStatusChanged, "r", "")
	})
}

func TestMemoryRepository_ListByResource(t *testing.T) {
	t.Parallel()
	repo := auditrepo.NewMemoryRepository()
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, repo.Create(ctx, &domain.AuditLog{ID: id, Resource: "r"}))
	}
	entries, err := repo.ListByResource(ctx, "r", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "3", entries[0].ID)
	require.Equal(t, "2", entries[1].ID)

	entries, err = repo.ListByResource(ctx, "missing", 5)
	require.NoError(t, err)
	require.Empty(t, entries)
}
