// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-sms-bridge/pkg/bridge/store"
)

// queueStore is the slice of the store the scheduler needs.
type queueStore interface {
	Insert(ctx context.Context, msg *store.QueuedMessage) error
	Get(ctx context.Context, msgID int64) (*store.QueuedMessage, error)
	GetAll(ctx context.Context) ([]*store.QueuedMessage, error)
	Delete(ctx context.Context, msgID int64) error
}

// membershipOracle answers room membership questions for the engines.
type membershipOracle interface {
	IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error)
	ContainsAll(ctx context.Context, roomID id.RoomID, userIDs []id.UserID) (bool, error)
	RoomsContainingExactly(ctx context.Context, members []id.UserID, ignored id.UserID, limit int) ([]id.RoomID, error)
}

const (
	defaultSweepInterval = 10 * time.Second
	defaultAbandonAfter  = 3 * 24 * time.Hour
)

// Scheduler is the durable queue of pending outbound room messages. A
// message is dispatched once its scheduled time has passed and all required
// receivers are joined; a message that stays undeliverable for longer than
// the grace period (measured from its scheduled time) is dropped. Persisted
// rows are mutated and deleted by the scheduler only.
type Scheduler struct {
	db      queueStore
	gateway MatrixGateway
	oracle  membershipOracle
	log     zerolog.Logger

	interval     time.Duration
	abandonAfter time.Duration
	clock        func() time.Time

	stop context.CancelFunc
	done chan struct{}
}

// NewScheduler creates a scheduler sweeping at the default interval with the
// default three-day abandonment grace period.
func NewScheduler(db queueStore, gateway MatrixGateway, oracle membershipOracle, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:           db,
		gateway:      gateway,
		oracle:       oracle,
		log:          log.With().Str("component", "scheduler").Logger(),
		interval:     defaultSweepInterval,
		abandonAfter: defaultAbandonAfter,
		clock:        time.Now,
	}
}

// Enqueue runs the delivery state machine for a new message. A due message
// whose receivers are present is dispatched immediately and never persisted;
// otherwise the message is stored and picked up by subsequent sweeps. Errors
// from an immediate dispatch attempt propagate to the caller.
func (s *Scheduler) Enqueue(ctx context.Context, msg *store.QueuedMessage) error {
	return s.process(ctx, msg, true)
}

// process is the single state transition shared by Enqueue and the sweep.
func (s *Scheduler) process(ctx context.Context, msg *store.QueuedMessage, isNew bool) error {
	now := s.clock()
	if now.Before(msg.ScheduledAt) {
		if isNew {
			return s.persist(ctx, msg)
		}
		return nil
	}

	present, err := s.oracle.ContainsAll(ctx, msg.RoomID, msg.RequiredReceivers)
	if err != nil {
		return err
	}
	if present {
		if err = s.dispatch(ctx, msg); err != nil {
			s.log.Err(err).
				Int64("message_id", msg.ID).
				Stringer("room_id", msg.RoomID).
				Msg("Failed to dispatch queued message")
			if now.Sub(msg.ScheduledAt) > s.abandonAfter {
				return s.abandon(ctx, msg)
			}
			return err
		}
		messagesDispatchedCounter.Inc()
		if msg.ID != 0 {
			return s.db.Delete(ctx, msg.ID)
		}
		return nil
	}

	if !isNew {
		if now.Sub(msg.ScheduledAt) > s.abandonAfter {
			return s.abandon(ctx, msg)
		}
		// Receivers still absent, wait for the next sweep.
		return nil
	}
	// Reschedule to now so the abandonment clock starts at first persist.
	msg.ScheduledAt = now
	return s.persist(ctx, msg)
}

func (s *Scheduler) persist(ctx context.Context, msg *store.QueuedMessage) error {
	if err := s.db.Insert(ctx, msg); err != nil {
		return err
	}
	messagesQueuedCounter.Inc()
	s.log.Debug().
		Int64("message_id", msg.ID).
		Stringer("room_id", msg.RoomID).
		Time("scheduled_at", msg.ScheduledAt).
		Msg("Persisted queued message")
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, msg *store.QueuedMessage) error {
	var err error
	if msg.IsNotice {
		_, err = s.gateway.SendNotice(ctx, msg.RoomID, msg.Body)
	} else {
		_, err = s.gateway.SendText(ctx, msg.RoomID, msg.Body, "")
	}
	return err
}

// abandon drops a message that stayed undeliverable past the grace period.
// TODO there is no path to notify the original sender about the drop.
func (s *Scheduler) abandon(ctx context.Context, msg *store.QueuedMessage) error {
	messagesAbandonedCounter.Inc()
	s.log.Warn().
		Int64("message_id", msg.ID).
		Stringer("room_id", msg.RoomID).
		Time("scheduled_at", msg.ScheduledAt).
		Msg("Abandoning undeliverable queued message")
	if msg.ID != 0 {
		return s.db.Delete(ctx, msg.ID)
	}
	return nil
}

// ProcessQueue runs one sweep over every persisted message. Records are
// processed sequentially; a failing record is logged and the sweep moves on.
func (s *Scheduler) ProcessQueue(ctx context.Context) {
	msgs, err := s.db.GetAll(ctx)
	if err != nil {
		s.log.Err(err).Msg("Failed to load queued messages")
		return
	}
	for _, msg := range msgs {
		if err = s.process(ctx, msg, false); err != nil {
			s.log.Err(err).Int64("message_id", msg.ID).Msg("Sweep iteration failed")
		}
	}
}

// Start launches the periodic sweep. A new sweep only begins after the
// previous one has finished.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.stop = cancel
	s.done = make(chan struct{})
	s.log.Info().Dur("interval", s.interval).Msg("Starting delivery sweep")
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("Delivery sweep stopped")
				return
			case <-ticker.C:
				s.ProcessQueue(ctx)
			}
		}
	}()
}

// Stop cancels the sweep and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
		<-s.done
	}
}
