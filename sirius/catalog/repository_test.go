package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/postgres/postgrestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by one second on every reading.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRepository(t *testing.T) (*Repository, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewRepository(postgrestest.Open(t), nil).WithClock(clock.Now)
	return repo, clock
}

func richAdvisory(id string) feed.Advisory {
	return feed.Advisory{
		ID:               id,
		Title:            "Remote code execution in WidgetPro",
		Description:      "A crafted request allows remote code execution.",
		Severity:         "CRITICAL",
		CVSSScore:        9.8,
		AffectedProducts: []string{"acme widgetpro"},
		PublishedDate:    time.Date(2024, 2, 27, 10, 0, 0, 0, time.UTC),
		References:       []string{"https://acme.example/advisory/1"},
		Source:           feed.SourceRichFeed,
	}
}

func kevAdvisory(id string) feed.Advisory {
	added := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	return feed.Advisory{
		ID:               id,
		Title:            "Acme WidgetPro Command Injection",
		Description:      "WidgetPro contains a command injection vulnerability.",
		Severity:         feed.SeverityHigh,
		CVSSScore:        7.5,
		Exploited:        true,
		AffectedProducts: []string{"acme widgetpro"},
		PublishedDate:    added,
		ExploitedDate:    &added,
		Source:           feed.SourceExploitedList,
	}
}

func TestNormalizeID(t *testing.T) {
	valid := map[string]string{
		"CVE-2024-0001":     "CVE-2024-0001",
		" cve-2023-123456 ": "CVE-2023-123456",
	}
	for in, want := range valid {
		got, err := NormalizeID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "CVE-24-0001", "CVE-2024-001", "GHSA-xxxx-yyyy", "CVE-2024-0001x", "CVE_2024_0001"} {
		_, err := NormalizeID(in)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, in)
	}
}

func TestUpsertRejectsInvalidIdentifier(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, richAdvisory("NOT-A-CVE"))
	assert.True(t, errors.Is(err, ErrInvalidIdentifier))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertTwiceKeepsSingleEntry(t *testing.T) {
	t.Log("\n🔍 Testing idempotent catalog upsert...")

	repo, _ := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, richAdvisory("cve-2024-0001"))
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-0001", first.ID)

	second, err := repo.Upsert(ctx, richAdvisory("CVE-2024-0001"))
	require.NoError(t, err)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "UpdatedAt should be refreshed")

	stored, err := repo.Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme widgetpro"}, stored.AffectedProducts)
	assert.Equal(t, "critical", stored.Severity)

	t.Log("\n✅ Idempotent catalog upsert test passed")
}

func TestExploitedListThenRichFeed(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, kevAdvisory("CVE-2024-0002"))
	require.NoError(t, err)

	merged, err := repo.Upsert(ctx, richAdvisory("CVE-2024-0002"))
	require.NoError(t, err)

	assert.Equal(t, "critical", merged.Severity)
	assert.Equal(t, 9.8, merged.CVSSScore)
	assert.True(t, merged.Exploited, "exploited flag must survive a rich-feed write")
	assert.NotNil(t, merged.ExploitedDate)
	assert.Equal(t, string(feed.SourceRichFeed), merged.Source)
	assert.Equal(t, "Remote code execution in WidgetPro", merged.Title)
}

func TestRichFeedThenExploitedListNeverDowngrades(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	rich := richAdvisory("CVE-2024-0003")
	rich.AffectedProducts = []string{"acme widgetpro server"}
	_, err := repo.Upsert(ctx, rich)
	require.NoError(t, err)

	merged, err := repo.Upsert(ctx, kevAdvisory("CVE-2024-0003"))
	require.NoError(t, err)

	assert.Equal(t, "critical", merged.Severity)
	assert.Equal(t, 9.8, merged.CVSSScore)
	assert.Equal(t, "Remote code execution in WidgetPro", merged.Title)
	assert.Equal(t, string(feed.SourceRichFeed), merged.Source)
	assert.True(t, merged.Exploited)
	require.NotNil(t, merged.ExploitedDate)
	assert.Equal(t, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), merged.ExploitedDate.UTC())
	assert.ElementsMatch(t, []string{"acme widgetpro server", "acme widgetpro"}, merged.AffectedProducts)
}

func TestRichFeedWithoutMetricsKeepsDefaults(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, kevAdvisory("CVE-2024-0004"))
	require.NoError(t, err)

	rich := richAdvisory("CVE-2024-0004")
	rich.Severity = ""
	rich.CVSSScore = 0
	merged, err := repo.Upsert(ctx, rich)
	require.NoError(t, err)

	assert.Equal(t, "high", merged.Severity)
	assert.Equal(t, 7.5, merged.CVSSScore)
}

func TestUpsertBatch(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	res := repo.UpsertBatch(ctx, []feed.Advisory{
		richAdvisory("CVE-2024-1000"),
		richAdvisory("bogus"),
		kevAdvisory("CVE-2024-1001"),
		kevAdvisory("CVE-2024-1000"),
	})
	assert.Equal(t, BatchResult{Stored: 3, Rejected: 1}, res)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPublishedSinceAndPrune(t *testing.T) {
	repo, clock := newTestRepository(t)
	ctx := context.Background()

	// Written long ago and never refreshed since.
	clock.t = time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC)
	old := richAdvisory("CVE-2023-0001")
	old.PublishedDate = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := repo.Upsert(ctx, old)
	require.NoError(t, err)

	clock.t = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = repo.Upsert(ctx, richAdvisory("CVE-2024-0005"))
	require.NoError(t, err)

	entries, err := repo.PublishedSince(ctx, clock.t.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CVE-2024-0005", entries[0].ID)

	pruned, err := repo.Prune(ctx, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = repo.Prune(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = repo.Get(ctx, "CVE-2023-0001")
	assert.Error(t, err)
	_, err = repo.Get(ctx, "CVE-2024-0005")
	assert.NoError(t, err)
}

func TestMergeUnion(t *testing.T) {
	got := union([]string{"a", "b"}, []string{"b", "", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, union(nil, nil))
}

func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, "medium", normalizeSeverity("MEDIUM", 9.9))
	assert.Equal(t, "critical", normalizeSeverity("", 9.1))
	assert.Equal(t, "high", normalizeSeverity("unknown", 7.0))
	assert.Equal(t, "medium", normalizeSeverity("", 4.0))
	assert.Equal(t, "low", normalizeSeverity("", 0))
}
