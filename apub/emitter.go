package apub

import (
	"context"
	"errors"
	"log/slog"
)

// ErrEmitterBacklog is returned by Submit when the outbound queue is full.
var ErrEmitterBacklog = errors.New("outbound activity queue is full")

// Activity describes one outbound federation activity. Delivery (signing,
// HTTP, retries) happens entirely behind the Emitter; a submitted activity is
// out of our hands.
type Activity struct {
	Type        string
	ActorApID   string
	TargetApID  string
	CommunityID uint

	// Ban payload, set for ban/unban activities.
	Ban        bool
	Reason     *string
	RemoveData *bool
	Expires    *int64
}

// Emitter accepts fully-formed outbound activities for asynchronous delivery.
// Submit either accepts the activity immediately or rejects it; delivery
// failures never surface here.
type Emitter interface {
	Submit(ctx context.Context, act *Activity) error
}

// DeliverFunc hands an activity to the actual delivery transport.
type DeliverFunc func(ctx context.Context, act *Activity) error

// QueueEmitter buffers submitted activities on a channel and drains them to a
// DeliverFunc in the background.
type QueueEmitter struct {
	queue   chan *Activity
	deliver DeliverFunc
	log     *slog.Logger
}

func NewQueueEmitter(size int, deliver DeliverFunc) *QueueEmitter {
	log := slog.With("source", "activity_emitter")
	if deliver == nil {
		deliver = func(ctx context.Context, act *Activity) error {
			log.Info("dropping outbound activity, no delivery transport configured", "type", act.Type, "community_id", act.CommunityID)
			return nil
		}
	}

	return &QueueEmitter{
		queue:   make(chan *Activity, size),
		deliver: deliver,
		log:     log,
	}
}

func (e *QueueEmitter) Submit(ctx context.Context, act *Activity) error {
	select {
	case e.queue <- act:
		return nil
	default:
		return ErrEmitterBacklog
	}
}

// Run drains the queue until ctx is cancelled. Delivery errors are logged and
// the activity is dropped; retry policy belongs to the transport.
func (e *QueueEmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-e.queue:
			if err := e.deliver(ctx, act); err != nil {
				e.log.Error("activity delivery failed", "type", act.Type, "community_id", act.CommunityID, "err", err)
			}
		}
	}
}
