package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalis-ai/tts-client/internal/audio"
	"github.com/vocalis-ai/tts-client/internal/observability"
)

// ErrStopped is returned by Enqueue once the scheduler has been stopped
var ErrStopped = errors.New("playback scheduler is stopped")

// Result is the outcome of playing one queued item
type Result struct {
	Item Item
	Err  error
}

// Scheduler plays assembled payloads strictly in the order they were
// enqueued. A single worker drains the queue, so each payload finishes
// before the next one starts and no payload is skipped or reordered.
// A stopped scheduler stays stopped; sessions build a fresh one.
type Scheduler struct {
	sink   Sink
	queue  chan Item
	logger zerolog.Logger

	onResult func(Result)

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	pending atomic.Int64
	idle    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a scheduler buffering up to depth payloads
// ahead of the sink
func NewScheduler(sink Sink, depth int, logger zerolog.Logger) *Scheduler {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sink:   sink,
		queue:  make(chan Item, depth),
		logger: logger.With().Str("component", "playback").Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		idle:   make(chan struct{}, 1),
	}
}

// OnResult registers a callback invoked from the playback goroutine
// after each item finishes. Set it before Start.
func (s *Scheduler) OnResult(fn func(Result)) {
	s.onResult = fn
}

// Start launches the playback worker
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

// Enqueue adds an assembled payload to the tail of the queue. It
// blocks while the queue is full and fails once the scheduler has
// been stopped.
func (s *Scheduler) Enqueue(item Item) error {
	select {
	case <-s.ctx.Done():
		return ErrStopped
	default:
	}
	s.pending.Add(1)
	select {
	case s.queue <- item:
		observability.SetPlaybackQueueDepth(len(s.queue))
		return nil
	case <-s.ctx.Done():
		s.settle()
		return ErrStopped
	}
}

// Pending reports how many payloads are queued or mid-play
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// Drain blocks until every accepted payload has finished playing or
// the context ends. Payloads discarded by Stop count as finished.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		if s.pending.Load() == 0 {
			return nil
		}
		select {
		case <-s.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// settle retires one payload and wakes Drain when the last one is done
func (s *Scheduler) settle() {
	if s.pending.Add(-1) == 0 {
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}
}

// Stop halts playback immediately, killing any in-progress player, and
// discards queued-but-unplayed payloads
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}

		discarded := 0
		for {
			select {
			case <-s.queue:
				discarded++
				s.settle()
				observability.RecordPlayback("discarded")
			default:
				observability.SetPlaybackQueueDepth(0)
				if discarded > 0 {
					s.logger.Info().Int("discarded", discarded).Msg("Discarded queued payloads")
				}
				return
			}
		}
	})
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.queue:
			observability.SetPlaybackQueueDepth(len(s.queue))
			s.play(item)
		}
	}
}

func (s *Scheduler) play(item Item) {
	defer s.settle()

	start := time.Now()
	err := s.sink.Play(s.ctx, item)

	if s.ctx.Err() != nil {
		// Stopped mid-payload during teardown.
		observability.RecordPlayback("discarded")
		return
	}

	if err != nil {
		observability.RecordPlayback("failed")
		observability.RecordError("playback", "playback")
		s.logger.Error().
			Err(err).
			Int("seq", item.Seq).
			Str("message_id", item.MessageID).
			Msg("Playback failed")
	} else {
		observability.RecordPlayback("played")
		if info, perr := audio.Probe(item.Audio); perr == nil {
			observability.RecordPlaybackAudio(info.Duration())
		}
		s.logger.Debug().
			Int("seq", item.Seq).
			Int("bytes", len(item.Audio)).
			Dur("took", time.Since(start)).
			Msg("Payload played")
	}

	if s.onResult != nil {
		s.onResult(Result{Item: item, Err: err})
	}
}
