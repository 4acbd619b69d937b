package tracker

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/models"
)

// Prober is a Connectivity implementation that periodically issues a
// cheap HEAD request against the acceptor and reports transitions.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	online atomic.Bool
}

// NewProber builds a connectivity prober for the given URL.
func NewProber(url string, interval time.Duration, log *zap.Logger) *Prober {
	if interval == 0 {
		interval = 10 * time.Second
	}
	p := &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
	// Assume online until the first probe says otherwise, so a store
	// performed right after startup still attempts an immediate send.
	p.online.Store(true)
	return p
}

// Online reports the last observed connectivity state.
func (p *Prober) Online() bool { return p.online.Load() }

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	// Any response at all means the network path is up; the acceptor
	// may still refuse individual records.
	return true
}

// Changes starts probing and delivers the new state on each transition
// until the context is cancelled.
func (p *Prober) Changes(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := p.probe(ctx)
				was := p.online.Swap(now)
				if was == now {
					continue
				}
				p.log.Info("connectivity changed", zap.Bool("online", now))
				select {
				case ch <- now:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// ChannelSource is a push-fed PositionSource. The local API feeds raw
// fixes into it; tests drive it directly.
type ChannelSource struct {
	ch chan models.PositionSample
}

// NewChannelSource returns a source buffering up to size samples.
func NewChannelSource(size int) *ChannelSource {
	if size <= 0 {
		size = 16
	}
	return &ChannelSource{ch: make(chan models.PositionSample, size)}
}

// Watch returns the sample stream. The stream is shared; Watch does not
// restart it.
func (s *ChannelSource) Watch(ctx context.Context) (<-chan models.PositionSample, error) {
	return s.ch, nil
}

// Push offers one raw fix. It reports false when the buffer is full and
// the sample was dropped; raw fixes are ephemeral, so backpressure here
// must never block the sensor callback.
func (s *ChannelSource) Push(sample models.PositionSample) bool {
	select {
	case s.ch <- sample:
		return true
	default:
		return false
	}
}
