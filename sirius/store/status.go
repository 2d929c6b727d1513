package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Keys under which the engine mirrors its state for the API layer.
const (
	StatusKey          = "threatintel:status"
	LastCycleKey       = "threatintel:cycle:last"
	cycleHistoryPrefix = "threatintel:cycle:history:"

	// DefaultHistoryTTL keeps per-cycle reports for thirty days.
	DefaultHistoryTTL = 30 * 24 * 60 * 60

	historyTimeLayout = "20060102T150405Z"
)

// StatusPublisher mirrors orchestrator status and cycle reports into a KVStore.
type StatusPublisher struct {
	kv         KVStore
	historyTTL int
}

// NewStatusPublisher returns a publisher writing to kv. A non-positive
// historyTTL uses DefaultHistoryTTL.
func NewStatusPublisher(kv KVStore, historyTTL int) *StatusPublisher {
	if historyTTL <= 0 {
		historyTTL = DefaultHistoryTTL
	}
	return &StatusPublisher{kv: kv, historyTTL: historyTTL}
}

// PublishStatus stores the JSON form of status under StatusKey.
func (p *StatusPublisher) PublishStatus(ctx context.Context, status any) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.kv.SetValue(ctx, StatusKey, string(data)); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

// PublishCycle stores report as the latest cycle and appends it to the
// expiring cycle history.
func (p *StatusPublisher) PublishCycle(ctx context.Context, cycleID string, startedAt time.Time, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle report: %w", err)
	}
	if err := p.kv.SetValue(ctx, LastCycleKey, string(data)); err != nil {
		return fmt.Errorf("failed to store cycle report: %w", err)
	}
	key := cycleHistoryPrefix + startedAt.UTC().Format(historyTimeLayout) + ":" + cycleID
	if err := p.kv.SetValueWithTTL(ctx, key, string(data), p.historyTTL); err != nil {
		return fmt.Errorf("failed to store cycle history: %w", err)
	}
	return nil
}

// ReadStatus decodes the last published status into out.
func (p *StatusPublisher) ReadStatus(ctx context.Context, out any) error {
	return p.read(ctx, StatusKey, out)
}

// ReadLastCycle decodes the last published cycle report into out.
func (p *StatusPublisher) ReadLastCycle(ctx context.Context, out any) error {
	return p.read(ctx, LastCycleKey, out)
}

// CycleHistory returns up to limit stored cycle reports, newest first.
func (p *StatusPublisher) CycleHistory(ctx context.Context, limit int) ([]json.RawMessage, error) {
	keys, err := p.kv.ListKeys(ctx, cycleHistoryPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle history: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	reports := make([]json.RawMessage, 0, len(keys))
	for _, key := range keys {
		value, err := p.kv.GetValue(ctx, key)
		if err != nil {
			// expired between KEYS and GET
			continue
		}
		reports = append(reports, json.RawMessage(value))
	}
	return reports, nil
}

// Reset removes the mirrored status, the last cycle report and every
// stored history entry. It returns the number of keys deleted.
func (p *StatusPublisher) Reset(ctx context.Context) (int, error) {
	keys, err := p.kv.ListKeys(ctx, cycleHistoryPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to list cycle history: %w", err)
	}
	keys = append(keys, StatusKey, LastCycleKey)

	deleted := 0
	for _, key := range keys {
		if _, err := p.kv.GetValue(ctx, key); err != nil {
			continue
		}
		if err := p.kv.DeleteValue(ctx, key); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}

func (p *StatusPublisher) read(ctx context.Context, key string, out any) error {
	value, err := p.kv.GetValue(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}
