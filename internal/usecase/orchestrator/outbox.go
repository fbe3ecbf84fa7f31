package orchestrator

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"omniclaw/internal/domain"
)

// outbox sends replies through their channel, one token bucket per channel.
type outbox struct {
	mu       sync.Mutex
	channels map[string]domain.Channel
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newOutbox(channels []domain.Channel, perSecond float64, burst int) *outbox {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	b := &outbox{
		channels: make(map[string]domain.Channel, len(channels)),
		limiters: make(map[string]*rate.Limiter, len(channels)),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
	for _, ch := range channels {
		b.channels[ch.Name()] = ch
	}
	return b
}

func (b *outbox) limiter(channel string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[channel]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[channel] = l
	}
	return l
}

// Send waits for the channel's rate limit and sends msg.
func (b *outbox) Send(ctx context.Context, channel string, msg domain.OutboundMessage) error {
	ch, ok := b.channels[channel]
	if !ok {
		return domain.NewSubSystemError("orchestrator", "outbox.Send", domain.ErrNotFound, "channel "+channel)
	}
	if err := b.limiter(channel).Wait(ctx); err != nil {
		return domain.WrapOp("outbox.Send", err)
	}
	return ch.Send(ctx, msg)
}

func (b *outbox) list() []domain.Channel {
	out := make([]domain.Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
