package board

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PollerSettings struct {
	PollInterval time.Duration
}

func DefaultPollerSettings() *PollerSettings {
	return &PollerSettings{
		PollInterval: 5 * time.Second,
	}
}

// Poller is the reconciliation fallback: a periodic "what changed
// since T" pull that self-heals the cache independent of push
// transport health. applying the same changed set twice is a no-op
// because cache writes are full-record replaces.
type Poller struct {
	ctx    context.Context
	cancel context.CancelFunc

	api   *BoardApi
	cache *Cache

	settings *PollerSettings

	mutex     sync.Mutex
	watermark time.Time

	kick chan struct{}
}

func NewPollerWithDefaults(ctx context.Context, api *BoardApi, cache *Cache) *Poller {
	return NewPoller(ctx, api, cache, DefaultPollerSettings())
}

func NewPoller(ctx context.Context, api *BoardApi, cache *Cache, settings *PollerSettings) *Poller {
	cancelCtx, cancel := context.WithCancel(ctx)
	poller := &Poller{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		cache:    cache,
		settings: settings,
		kick:     make(chan struct{}, 1),
	}
	go poller.run()
	return poller
}

// Kick polls immediately. used after a push reconnect as defense
// against events missed while disconnected.
func (self *Poller) Kick() {
	select {
	case self.kick <- struct{}{}:
	default:
	}
}

func (self *Poller) Watermark() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.watermark
}

func (self *Poller) Close() {
	self.cancel()
}

func (self *Poller) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.kick:
		case <-time.After(self.settings.PollInterval):
		}

		self.PollOnce(self.ctx)
	}
}

// PollOnce pulls and applies one round of changes. the watermark only
// advances, even when a poll returns zero changes, to bound staleness.
func (self *Poller) PollOnce(ctx context.Context) error {
	since := self.Watermark()

	result, err := self.api.PollChangesSync(ctx, since)
	if err != nil {
		glog.V(2).Infof("[p]poll error = %s\n", err)
		return err
	}

	for _, record := range result.Records {
		if record.Deleted {
			self.cache.Remove(record.RecordId)
		} else {
			self.cache.Apply(record)
		}
	}

	self.mutex.Lock()
	if self.watermark.Before(result.Timestamp) {
		self.watermark = result.Timestamp
	}
	self.mutex.Unlock()

	if 0 < len(result.Records) {
		glog.V(2).Infof("[p]applied %d changes\n", len(result.Records))
	}
	return nil
}
