package board

import (
	"context"

	"github.com/golang/glog"
)

type BoardClientSettings struct {
	TransportSettings *PushTransportSettings
	PollerSettings    *PollerSettings
}

func DefaultBoardClientSettings() *BoardClientSettings {
	return &BoardClientSettings{
		TransportSettings: DefaultPushTransportSettings(),
		PollerSettings:    DefaultPollerSettings(),
	}
}

// BoardClient composes the sync core for one operator session:
// optimistic engine, offline queue, push transport, and the
// reconciliation poller. on every transition to connected the queue
// drains and the poller kicks, covering mutations and events missed
// while offline.
type BoardClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId string

	api       *BoardApi
	cache     *Cache
	queue     *OfflineQueue
	engine    *MutationEngine
	transport *PushTransport
	poller    *Poller

	removeCallbacks []func()
}

func NewBoardClientWithDefaults(
	ctx context.Context,
	apiUrl string,
	connectUrl string,
	byJwt string,
	userId string,
	queuePath string,
) (*BoardClient, error) {
	return NewBoardClient(ctx, apiUrl, connectUrl, byJwt, userId, queuePath, DefaultBoardClientSettings())
}

func NewBoardClient(
	ctx context.Context,
	apiUrl string,
	connectUrl string,
	byJwt string,
	userId string,
	queuePath string,
	settings *BoardClientSettings,
) (*BoardClient, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	queue, err := OpenOfflineQueue(queuePath)
	if err != nil {
		cancel()
		return nil, err
	}

	api := NewBoardApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(byJwt)

	cache := NewCache()
	engine := NewMutationEngine(api, queue, cache, userId)
	transport := NewPushTransport(cancelCtx, connectUrl, byJwt, settings.TransportSettings)
	poller := NewPoller(cancelCtx, api, cache, settings.PollerSettings)

	client := &BoardClient{
		ctx:       cancelCtx,
		cancel:    cancel,
		userId:    userId,
		api:       api,
		cache:     cache,
		queue:     queue,
		engine:    engine,
		transport: transport,
		poller:    poller,
	}

	removeState := transport.AddStateCallback(func(state TransportState) {
		if state == TransportStateConnected {
			if connectionId, ok := transport.ConnectionId(); ok {
				api.SetConnectionId(connectionId.String())
			}
			go client.recover()
		}
	})

	removeChanged := transport.AddEventCallback(EventTypeRecordChanged, func(event *Event) {
		// safe to receive our own echo: a full-record replace is
		// idempotent
		switch {
		case event.Change == RecordChangeDeleted && event.RecordId != nil:
			cache.Remove(*event.RecordId)
		case event.Record != nil:
			if event.Record.Deleted {
				cache.Remove(event.Record.RecordId)
			} else {
				cache.Apply(event.Record)
			}
		}
	})

	client.removeCallbacks = []func(){removeState, removeChanged}

	return client, nil
}

// connectivity regained: replay the queue, then re-pull state
func (self *BoardClient) recover() {
	result, err := self.queue.Drain(self.ctx, self.api.DispatchSync)
	if err != nil {
		glog.Infof("[c]drain error = %s\n", err)
	} else if result.Processed+result.Failed+result.Conflicts > 0 {
		glog.Infof("[c]drain processed=%d failed=%d conflicts=%d\n", result.Processed, result.Failed, result.Conflicts)
	}
	self.poller.Kick()
}

func (self *BoardClient) Apply(ctx context.Context, mutation *Mutation) (*ApplyResult, error) {
	return self.engine.Apply(ctx, mutation)
}

func (self *BoardClient) PendingCount(ctx context.Context) (int, error) {
	return self.queue.PendingCount(ctx)
}

func (self *BoardClient) Api() *BoardApi {
	return self.api
}

func (self *BoardClient) Cache() *Cache {
	return self.cache
}

func (self *BoardClient) Queue() *OfflineQueue {
	return self.queue
}

func (self *BoardClient) Transport() *PushTransport {
	return self.transport
}

func (self *BoardClient) Poller() *Poller {
	return self.poller
}

func (self *BoardClient) Close() {
	for _, removeCallback := range self.removeCallbacks {
		removeCallback()
	}
	self.transport.Disconnect()
	self.poller.Close()
	self.api.Close()
	self.queue.Close()
	self.cancel()
}
