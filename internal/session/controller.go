package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalis-ai/tts-client/internal/assembler"
	"github.com/vocalis-ai/tts-client/internal/config"
	"github.com/vocalis-ai/tts-client/internal/events"
	"github.com/vocalis-ai/tts-client/internal/observability"
	"github.com/vocalis-ai/tts-client/internal/playback"
	"github.com/vocalis-ai/tts-client/internal/protocol"
	"github.com/vocalis-ai/tts-client/internal/segment"
	"github.com/vocalis-ai/tts-client/internal/transport"
)

// State of the session lifecycle
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateSpeaking
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// SegmentResult is the terminal outcome of one submitted segment. Err
// is nil when the segment's audio was assembled and handed to playback.
type SegmentResult struct {
	Segment   segment.Segment
	MessageID protocol.MessageID
	Bytes     int
	Elapsed   time.Duration
	Err       error
}

// Transport is the connection surface the controller drives.
// *transport.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(cmd protocol.Command) error
	Events() <-chan transport.Event
	State() transport.State
	LastPong() time.Time
}

// waiter tracks the single in-flight synthesis request. The service
// assigns the message id, so the id binds on the first processing or
// audio_chunk frame seen while the request is outstanding.
type waiter struct {
	id   protocol.MessageID
	done chan waitOutcome
}

type waitOutcome struct {
	completed *assembler.Completed
	err       error
}

// Controller orchestrates one logical synthesis session: it segments
// input text, submits segments one at a time, matches inbound fragments
// to the in-flight request, and feeds assembled audio to playback in
// submission order. All transport events funnel through a single run
// loop, so session state has one writer.
type Controller struct {
	cfg    *config.Config
	tr     Transport
	sink   playback.Sink
	logger zerolog.Logger
	id     string

	dispatcher *events.Dispatcher
	metrics    *observability.SessionMetrics

	speakMu sync.Mutex

	mu        sync.Mutex
	state     State
	started   bool // Session start has been recorded and needs a matching end
	voices    []string
	voice     string
	want      string
	asm       *assembler.Assembler
	sched     *playback.Scheduler
	waiter    *waiter
	handshake chan *protocol.ServerFrame
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New creates an idle controller. The configured voice, if any, is
// applied once the service handshake reports a different current voice.
func New(cfg *config.Config, tr Transport, sink playback.Sink, logger zerolog.Logger) *Controller {
	id := observability.NewSessionID()
	return &Controller{
		cfg:        cfg,
		tr:         tr,
		sink:       sink,
		logger:     logger.With().Str("component", "session").Str("session_id", id).Logger(),
		id:         id,
		dispatcher: events.NewDispatcher(),
		metrics:    observability.NewSessionMetrics(id),
		want:       cfg.Voice,
		state:      StateIdle,
	}
}

// ID returns the session correlation id
func (c *Controller) ID() string {
	return c.id
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Voices returns the service's advertised voice inventory
func (c *Controller) Voices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.voices))
	copy(out, c.voices)
	return out
}

// CurrentVoice returns the voice last acknowledged by the service
func (c *Controller) CurrentVoice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Subscribe registers a handler for session events of the given kind
// and returns a function that removes it
func (c *Controller) Subscribe(kind events.Kind, h events.Handler) func() {
	return c.dispatcher.Subscribe(kind, h)
}

// Connect establishes the session. It starts a fresh assembler and
// playback scheduler, dials the service, and waits for the handshake
// frame before reporting the session ready.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateReady, StateSpeaking, StateClosing:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: session already active in state %s", st)
	}
	c.state = StateConnecting
	c.asm = assembler.New(c.logger)
	c.sched = playback.NewScheduler(c.sink, c.queueDepth(), c.logger)
	sched := c.sched
	hs := make(chan *protocol.ServerFrame, 1)
	c.handshake = hs
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()

	sched.OnResult(c.onPlayback)
	sched.Start()
	go c.run(runCtx, done)

	if err := c.tr.Connect(ctx); err != nil {
		c.abortConnect()
		return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	// The session is usable once the service handshake frame arrives.
	select {
	case <-hs:
	case <-time.After(c.connectTimeout()):
		c.tr.Close()
		c.abortConnect()
		return fmt.Errorf("%w: no handshake within %s", ErrConnectionFailure, c.connectTimeout())
	case <-ctx.Done():
		c.tr.Close()
		c.abortConnect()
		return ctx.Err()
	}

	c.mu.Lock()
	c.started = true
	c.metrics.RecordSessionStart()
	c.mu.Unlock()
	return nil
}

// abortConnect unwinds a partially established session back to idle
func (c *Controller) abortConnect() {
	c.mu.Lock()
	cancel := c.runCancel
	done := c.runDone
	sched := c.sched
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if sched != nil {
		sched.Stop()
	}

	c.mu.Lock()
	c.state = StateIdle
	c.started = false
	c.asm = nil
	c.sched = nil
	c.handshake = nil
	c.runCancel = nil
	c.runDone = nil
	c.mu.Unlock()
}

// Drain blocks until all audio accepted for playback has finished.
// Call it before Disconnect, which discards anything still queued.
func (c *Controller) Drain(ctx context.Context) error {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Drain(ctx)
}

// Disconnect tears the session down from any state: playback stops and
// discards its queue, the transport attempts a graceful close, and any
// in-flight segment wait resolves as failed.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.resolveWaiterLocked(waitOutcome{err: fmt.Errorf("%w: session closing", ErrNotConnected)})
	wasStarted := c.started
	c.started = false
	sched := c.sched
	cancel := c.runCancel
	done := c.runDone
	c.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	err := c.tr.Close()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateClosed
	c.asm = nil
	c.sched = nil
	c.handshake = nil
	c.runCancel = nil
	c.runDone = nil
	c.mu.Unlock()

	if wasStarted {
		c.metrics.RecordSessionEnd()
	}
	c.dispatcher.Publish(events.Event{Kind: events.KindDisconnected})
	c.logger.Info().Msg("Session closed")
	return err
}

// SetVoice selects the active voice. Valid while the session is ready
// or speaking; a change during speech does not interrupt in-flight
// audio. When the inventory is known the name is validated locally
// before burning a round trip.
func (c *Controller) SetVoice(name string) error {
	if name == "" {
		return errors.New("set voice: name is empty")
	}

	c.mu.Lock()
	if c.state != StateReady && c.state != StateSpeaking {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: set_voice requires an open session, state is %s", ErrNotConnected, st)
	}
	if len(c.voices) > 0 {
		known := false
		for _, v := range c.voices {
			if v == name {
				known = true
				break
			}
		}
		if !known {
			c.mu.Unlock()
			return fmt.Errorf("set voice: %q is not in the service inventory", name)
		}
	}
	c.want = name
	c.mu.Unlock()

	if err := c.tr.Send(protocol.SetVoice(name)); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("set voice: %w", err)
	}
	return nil
}

// Speak scrubs and segments the text, then submits the segments one at
// a time, waiting for each segment's audio to assemble (or time out)
// before sending the next. Every submitted segment gets exactly one
// SegmentResult and one terminal segment event; a timed-out or failed
// segment is skipped and the rest of the text still plays. The error
// return is non-nil only when the loop could not run to the end.
func (c *Controller) Speak(ctx context.Context, text string) ([]SegmentResult, error) {
	segs := segment.Split(segment.Scrub(text), c.limits())
	if len(segs) == 0 {
		return nil, nil
	}

	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateReady, StateSpeaking:
	default:
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrNotConnected, st)
	}
	if c.state == StateReady {
		c.state = StateSpeaking
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.state == StateSpeaking {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	c.logger.Info().Int("segments", len(segs)).Int("chars", len(text)).Msg("Speaking")

	results := make([]SegmentResult, 0, len(segs))
	for _, seg := range segs {
		res := c.speakSegment(ctx, seg)
		results = append(results, res)

		observability.RecordSegment(segmentOutcome(res.Err), res.Elapsed)
		c.dispatcher.Publish(events.Event{
			Kind:      events.KindSegment,
			Segment:   seg.Index,
			MessageID: string(res.MessageID),
			Text:      seg.Text,
			Err:       res.Err,
		})

		if res.Err != nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
			return results, res.Err
		}

		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		switch st {
		case StateClosing, StateClosed, StateFailed, StateIdle:
			return results, fmt.Errorf("%w: session is %s", ErrNotConnected, st)
		}
	}
	return results, nil
}

func segmentOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrSegmentTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionFailure), errors.Is(err, ErrNotConnected):
		return "disconnected"
	case errors.Is(err, ErrServer):
		return "server_error"
	default:
		return "error"
	}
}

// speakSegment submits one segment and waits for its terminal outcome
func (c *Controller) speakSegment(ctx context.Context, seg segment.Segment) SegmentResult {
	res := SegmentResult{Segment: seg}
	start := time.Now()

	if err := c.awaitReady(ctx); err != nil {
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}

	w := &waiter{done: make(chan waitOutcome, 1)}
	c.mu.Lock()
	c.waiter = w
	asm := c.asm
	sched := c.sched
	c.mu.Unlock()

	if err := c.tr.Send(protocol.TTS(seg.Text)); err != nil {
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		if errors.Is(err, transport.ErrNotConnected) {
			res.Err = fmt.Errorf("%w: %w", ErrNotConnected, err)
		} else {
			res.Err = fmt.Errorf("%w: %w", ErrConnectionFailure, err)
		}
		res.Elapsed = time.Since(start)
		return res
	}

	timeout := c.segmentTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out waitOutcome
	select {
	case out = <-w.done:

	case <-timer.C:
		c.mu.Lock()
		select {
		case out = <-w.done:
			// Completion raced the timer; take the win.
			c.mu.Unlock()
		default:
			id := w.id
			c.waiter = nil
			c.mu.Unlock()
			if id != "" && asm != nil {
				asm.Discard(id)
			}
			c.logger.Warn().
				Int("segment", seg.Index).
				Str("message_id", string(id)).
				Dur("timeout", timeout).
				Msg("Segment timed out, skipping")
			res.MessageID = id
			res.Err = fmt.Errorf("%w: no completion within %s", ErrSegmentTimeout, timeout)
			res.Elapsed = time.Since(start)
			return res
		}

	case <-ctx.Done():
		c.mu.Lock()
		id := w.id
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		if id != "" && asm != nil {
			asm.Discard(id)
		}
		res.MessageID = id
		res.Err = ctx.Err()
		res.Elapsed = time.Since(start)
		return res
	}

	res.Elapsed = time.Since(start)
	if out.err != nil {
		res.MessageID = w.id
		res.Err = out.err
		return res
	}

	completed := out.completed
	res.MessageID = completed.MessageID
	res.Bytes = len(completed.Audio)

	// Enqueueing here, on the sequential speak path, is what keeps
	// playback order equal to submission order and applies queue
	// backpressure to the next submission.
	item := playback.Item{
		Seq:       seg.Index,
		MessageID: string(completed.MessageID),
		Text:      completed.Text,
		Audio:     completed.Audio,
	}
	if err := sched.Enqueue(item); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrPlayback, err)
		return res
	}
	c.dispatcher.Publish(events.Event{
		Kind:      events.KindAudio,
		MessageID: string(completed.MessageID),
		Text:      completed.Text,
		Audio:     completed.Audio,
	})
	return res
}

// awaitReady blocks until the session can accept a tts command. A
// reconnect in progress resolves the wait as soon as the new handshake
// lands; anything else fails fast.
func (c *Controller) awaitReady(ctx context.Context) error {
	readyCh := make(chan struct{}, 1)
	unsub := c.dispatcher.Subscribe(events.KindConnected, func(events.Event) {
		select {
		case readyCh <- struct{}{}:
		default:
		}
	})
	defer unsub()

	deadline := time.NewTimer(c.connectTimeout())
	defer deadline.Stop()

	for {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()

		switch st {
		case StateReady, StateSpeaking:
			return nil
		case StateConnecting:
		default:
			return fmt.Errorf("%w: session is %s", ErrNotConnected, st)
		}

		select {
		case <-readyCh:
		case <-deadline.C:
			return fmt.Errorf("%w: not ready within %s", ErrNotConnected, c.connectTimeout())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the single consumer of transport events for this session
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	evCh := c.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evCh:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		c.onConnected(ev.Frame)

	case transport.EventDisconnected:
		c.onDisconnected(ev)

	case transport.EventFailed:
		c.onFailed(ev)

	case transport.EventVoiceSet:
		c.mu.Lock()
		c.voice = ev.Frame.Voice
		c.mu.Unlock()
		c.logger.Info().Str("voice", ev.Frame.Voice).Msg("Voice changed")
		c.dispatcher.Publish(events.Event{Kind: events.KindVoiceSet, Voice: ev.Frame.Voice})

	case transport.EventProcessing:
		c.bindWaiter(ev.Frame.MessageID)
		c.dispatcher.Publish(events.Event{
			Kind:      events.KindStatus,
			MessageID: string(ev.Frame.MessageID),
			Text:      ev.Frame.Text,
		})

	case transport.EventAudioChunk:
		c.onAudioChunk(ev.Frame)

	case transport.EventServerError:
		c.onServerError(ev)

	case transport.EventParseError:
		err := fmt.Errorf("%w: %w", ErrProtocol, ev.Err)
		c.dispatcher.Publish(events.Event{Kind: events.KindError, Err: err})

	case transport.EventStale:
		c.dispatcher.Publish(events.Event{Kind: events.KindStale, Err: ev.Err})
	}
}

func (c *Controller) onConnected(frame *protocol.ServerFrame) {
	c.mu.Lock()
	c.voices = append([]string(nil), frame.Voices...)
	c.voice = frame.CurrentVoice
	if c.state == StateConnecting {
		c.state = StateReady
	}
	want := c.want
	hs := c.handshake
	c.handshake = nil
	c.mu.Unlock()

	if hs != nil {
		hs <- frame
	}

	// The service comes up on its default voice, so the desired voice
	// is applied on every handshake, including after a reconnect.
	if want != "" && want != frame.CurrentVoice {
		if err := c.tr.Send(protocol.SetVoice(want)); err != nil {
			c.logger.Warn().Err(err).Str("voice", want).Msg("Voice apply failed")
		}
	}

	c.dispatcher.Publish(events.Event{
		Kind:   events.KindConnected,
		Voices: frame.Voices,
		Voice:  frame.CurrentVoice,
	})
}

func (c *Controller) onDisconnected(ev transport.Event) {
	err := fmt.Errorf("%w: %w", ErrConnectionFailure, ev.Err)

	c.mu.Lock()
	if ev.Reconnecting {
		switch c.state {
		case StateReady, StateSpeaking:
			c.state = StateConnecting
		}
	}
	var staleID protocol.MessageID
	if c.waiter != nil {
		staleID = c.waiter.id
	}
	c.resolveWaiterLocked(waitOutcome{err: err})
	asm := c.asm
	c.mu.Unlock()

	// The service forgets in-flight synthesis with the connection, so
	// buffered fragments for it can never complete.
	if staleID != "" && asm != nil {
		asm.Discard(staleID)
	}

	c.dispatcher.Publish(events.Event{Kind: events.KindDisconnected, Err: ev.Err})
}

func (c *Controller) onFailed(ev transport.Event) {
	err := fmt.Errorf("%w: %w", ErrConnectionFailure, ev.Err)

	c.mu.Lock()
	c.state = StateFailed
	c.resolveWaiterLocked(waitOutcome{err: err})
	ended := c.started
	c.started = false
	c.mu.Unlock()

	c.logger.Error().Err(ev.Err).Msg("Session failed, reconnection exhausted")
	observability.RecordError("connection", "session")
	if ended {
		c.metrics.RecordSessionEnd()
	}
	c.dispatcher.Publish(events.Event{Kind: events.KindError, Err: err})
}

func (c *Controller) onAudioChunk(frame *protocol.ServerFrame) {
	c.bindWaiter(frame.MessageID)

	c.mu.Lock()
	asm := c.asm
	c.mu.Unlock()
	if asm == nil {
		return
	}

	observability.RecordFragment("received")
	completed, err := asm.Add(assembler.Fragment{
		MessageID: frame.MessageID,
		Index:     frame.ChunkIndex,
		Total:     frame.TotalChunks,
		Payload:   frame.Payload(),
		Text:      frame.Text,
		Final:     frame.IsFinal,
	})
	if err != nil {
		perr := fmt.Errorf("%w: %w", ErrProtocol, err)
		c.mu.Lock()
		if c.waiter != nil && c.waiter.id == frame.MessageID {
			c.resolveWaiterLocked(waitOutcome{err: perr})
		}
		c.mu.Unlock()
		observability.RecordError("protocol", "session")
		c.dispatcher.Publish(events.Event{Kind: events.KindError, MessageID: string(frame.MessageID), Err: perr})
		return
	}
	if completed == nil {
		return
	}
	observability.RecordAssembled(len(completed.Audio))

	c.mu.Lock()
	if c.waiter != nil && (c.waiter.id == completed.MessageID || c.waiter.id == "") {
		if c.waiter.id == "" {
			c.waiter.id = completed.MessageID
		}
		c.resolveWaiterLocked(waitOutcome{completed: completed})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// No in-flight request matches: the segment already timed out or
	// was cancelled. Playing it now would break output order.
	observability.RecordFragment("orphaned")
	c.logger.Warn().
		Str("message_id", string(completed.MessageID)).
		Int("bytes", len(completed.Audio)).
		Msg("Dropping completed message with no waiting segment")
}

func (c *Controller) onServerError(ev transport.Event) {
	err := fmt.Errorf("%w: %w", ErrServer, ev.Err)

	c.mu.Lock()
	c.resolveWaiterLocked(waitOutcome{err: err})
	c.mu.Unlock()

	observability.RecordError("server", "session")
	c.dispatcher.Publish(events.Event{Kind: events.KindError, Err: err})
}

// onPlayback receives per-payload outcomes from the scheduler
func (c *Controller) onPlayback(r playback.Result) {
	if r.Err == nil {
		return
	}
	err := fmt.Errorf("%w: %w", ErrPlayback, r.Err)
	observability.RecordError("playback", "session")
	c.dispatcher.Publish(events.Event{Kind: events.KindError, MessageID: r.Item.MessageID, Err: err})
}

// bindWaiter attaches a service-assigned message id to the in-flight
// request on first sighting. Ids already discarded stay unbound so a
// straggler cannot capture a newer segment's wait.
func (c *Controller) bindWaiter(id protocol.MessageID) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter == nil || c.waiter.id != "" {
		return
	}
	if c.asm != nil && c.asm.Discarded(id) {
		return
	}
	c.waiter.id = id
}

// resolveWaiterLocked delivers the outcome to the in-flight request, if
// any, and clears the slot. Callers hold c.mu; the done channel is
// buffered so the send never blocks.
func (c *Controller) resolveWaiterLocked(out waitOutcome) {
	if c.waiter == nil {
		return
	}
	c.waiter.done <- out
	c.waiter = nil
}

func (c *Controller) limits() segment.Limits {
	lim := segment.Limits{MaxChars: c.cfg.SegmentMaxChars, TargetChars: c.cfg.SegmentTargetChars}
	if lim.MaxChars <= 0 {
		return segment.DefaultLimits()
	}
	if lim.TargetChars <= 0 || lim.TargetChars > lim.MaxChars {
		lim.TargetChars = lim.MaxChars
	}
	return lim
}

func (c *Controller) segmentTimeout() time.Duration {
	if c.cfg.SegmentTimeout > 0 {
		return c.cfg.SegmentTimeout
	}
	return 5 * time.Minute
}

func (c *Controller) connectTimeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

func (c *Controller) queueDepth() int {
	if c.cfg.PlaybackQueueDepth > 0 {
		return c.cfg.PlaybackQueueDepth
	}
	return 8
}
