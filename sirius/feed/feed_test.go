package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hangingAdapter struct{}

func (hangingAdapter) Name() string { return "hang" }

func (hangingAdapter) Fetch(ctx context.Context, _ int) ([]Advisory, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixedAdapter struct {
	name       string
	advisories []Advisory
	err        error
}

func (f fixedAdapter) Name() string { return f.name }

func (f fixedAdapter) Fetch(context.Context, int) ([]Advisory, error) {
	return f.advisories, f.err
}

func TestFetchAllTimesOutHungAdapter(t *testing.T) {
	t.Log("\n🔍 Testing per-adapter fetch timeout...")

	working := fixedAdapter{
		name:       "ok",
		advisories: []Advisory{{ID: "CVE-2024-0001", Source: SourceExploitedList}},
	}

	start := time.Now()
	res := FetchAll(context.Background(), nil, []Adapter{hangingAdapter{}, working}, 7, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Len(t, res, 2)
	assert.Equal(t, "hang", res[0].Source)
	assert.Equal(t, "ok", res[1].Source)

	assert.ErrorIs(t, res[0].Err, ErrFeedUnavailable)
	assert.ErrorIs(t, res[0].Err, context.DeadlineExceeded)
	assert.Empty(t, res[0].Advisories)

	require.NoError(t, res[1].Err)
	require.Len(t, res[1].Advisories, 1)
	assert.Equal(t, "CVE-2024-0001", res[1].Advisories[0].ID)

	assert.Less(t, elapsed, 5*time.Second, "hung adapter must not outlive its timeout")

	t.Log("✅ Hung adapter timed out without affecting its sibling")
}

func TestFetchAllKeepsUnavailableSentinel(t *testing.T) {
	already := fixedAdapter{name: "rich-feed", err: errors.Join(ErrFeedUnavailable, errors.New("status 503"))}
	plain := fixedAdapter{name: "exploited-list", err: errors.New("connection refused")}

	res := FetchAll(context.Background(), nil, []Adapter{already, plain}, 7, time.Second)

	require.Len(t, res, 2)
	assert.ErrorIs(t, res[0].Err, ErrFeedUnavailable)
	assert.ErrorIs(t, res[1].Err, ErrFeedUnavailable)
	assert.Contains(t, res[1].Err.Error(), "exploited-list")
}

func TestSeverityForScore(t *testing.T) {
	cases := map[float64]string{
		10:  SeverityCritical,
		9.0: SeverityCritical,
		8.9: SeverityHigh,
		7.0: SeverityHigh,
		4.0: SeverityMedium,
		3.9: SeverityLow,
		0:   SeverityLow,
	}
	for score, want := range cases {
		assert.Equal(t, want, SeverityForScore(score), "score %v", score)
	}
}
