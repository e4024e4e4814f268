package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Source reads schedules from a feed. It returns whatever record is newest;
// freshness and duplicate checks belong to the cycle.
type Source struct {
	client *Client
	key    string
}

// NewSource creates a schedule source for the given feed key.
func NewSource(c *Client, feedKey string) *Source {
	return &Source{client: c, key: feedKey}
}

// FetchLatest implements logic.ScheduleSource.
func (s *Source) FetchLatest(ctx context.Context) (*logic.FeedRecord, error) {
	p, err := s.client.Latest(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("fetch schedule feed %q: %w", s.key, err)
	}
	if p == nil {
		return nil, nil
	}
	return &logic.FeedRecord{CreatedAt: p.CreatedAt, Value: p.Value}, nil
}

// Reporter publishes JSON status objects to a feed.
type Reporter struct {
	client *Client
	handle Handle
}

// NewReporter creates a reporter for an initialized feed.
func NewReporter(c *Client, h Handle) *Reporter {
	return &Reporter{client: c, handle: h}
}

// PublishStatus implements logic.StatusReporter.
func (r *Reporter) PublishStatus(ctx context.Context, c logic.Confirmation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return r.client.Send(ctx, r.handle, string(data))
}
