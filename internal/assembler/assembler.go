package assembler

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalis-ai/tts-client/internal/observability"
	"github.com/vocalis-ai/tts-client/internal/protocol"
)

// tombstoneLimit bounds how many discarded message ids are remembered
// so that stragglers for them can be dropped without reviving them
const tombstoneLimit = 32

// Fragment is one numbered slice of a synthesis response. Payload holds
// a slice of the base64 encoding of the full WAV; the service chunks
// the encoded string, so payloads are joined as text before decoding.
type Fragment struct {
	MessageID protocol.MessageID
	Index     int
	Total     int
	Payload   string
	Text      string
	Final     bool
}

// Completed is one fully reassembled synthesis response
type Completed struct {
	MessageID protocol.MessageID
	Text      string
	Audio     []byte
	Fragments int
}

type pendingMessage struct {
	total     int
	text      string
	fragments map[int]string
	started   time.Time
}

// Assembler buffers out-of-order fragments per message id and reports a
// message complete once every index in [0, total) has arrived. Arrival
// order and the advisory final flag play no part in completion.
type Assembler struct {
	mu         sync.Mutex
	pending    map[protocol.MessageID]*pendingMessage
	tombstones []protocol.MessageID
	logger     zerolog.Logger
}

// New creates an empty assembler scoped to one session
func New(logger zerolog.Logger) *Assembler {
	return &Assembler{
		pending: make(map[protocol.MessageID]*pendingMessage),
		logger:  logger.With().Str("component", "assembler").Logger(),
	}
}

// Add records one fragment. It returns the completed message once the
// final missing index arrives, or nil while fragments are still
// outstanding. Fragments for discarded messages, fragments with indexes
// outside [0, total), and fragments with a non-positive total are
// dropped. A duplicate index overwrites the previous payload and does
// not advance completion. Decode failure of a completed message removes
// it and returns an error.
func (a *Assembler) Add(frag Fragment) (*Completed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frag.MessageID == "" {
		a.logger.Warn().Int("chunk_index", frag.Index).Msg("Dropping fragment without message id")
		return nil, nil
	}
	if a.isDiscarded(frag.MessageID) {
		a.logger.Debug().
			Str("message_id", string(frag.MessageID)).
			Int("chunk_index", frag.Index).
			Msg("Dropping fragment for discarded message")
		return nil, nil
	}

	msg, ok := a.pending[frag.MessageID]
	if !ok {
		if frag.Total <= 0 {
			a.logger.Warn().
				Str("message_id", string(frag.MessageID)).
				Int("total_chunks", frag.Total).
				Msg("Dropping fragment with invalid total")
			return nil, nil
		}
		msg = &pendingMessage{
			total:     frag.Total,
			text:      frag.Text,
			fragments: make(map[int]string, frag.Total),
			started:   time.Now(),
		}
		a.pending[frag.MessageID] = msg
	}

	if frag.Total > 0 && frag.Total != msg.total {
		a.logger.Warn().
			Str("message_id", string(frag.MessageID)).
			Int("expected", msg.total).
			Int("got", frag.Total).
			Msg("Fragment total disagrees with first sighting, keeping original")
	}
	if frag.Index < 0 || frag.Index >= msg.total {
		a.logger.Warn().
			Str("message_id", string(frag.MessageID)).
			Int("chunk_index", frag.Index).
			Int("total_chunks", msg.total).
			Msg("Dropping fragment with out-of-range index")
		return nil, nil
	}
	if msg.text == "" && frag.Text != "" {
		msg.text = frag.Text
	}
	if _, dup := msg.fragments[frag.Index]; dup {
		observability.RecordFragment("duplicate")
		a.logger.Debug().
			Str("message_id", string(frag.MessageID)).
			Int("chunk_index", frag.Index).
			Msg("Duplicate fragment, overwriting")
	}
	msg.fragments[frag.Index] = frag.Payload

	if frag.Final && len(msg.fragments) < msg.total {
		a.logger.Debug().
			Str("message_id", string(frag.MessageID)).
			Int("have", len(msg.fragments)).
			Int("total", msg.total).
			Msg("Final flag seen before full coverage, waiting for remaining fragments")
	}
	if len(msg.fragments) < msg.total {
		return nil, nil
	}

	delete(a.pending, frag.MessageID)

	indexes := make([]int, 0, len(msg.fragments))
	for i := range msg.fragments {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var encoded strings.Builder
	for _, i := range indexes {
		encoded.WriteString(msg.fragments[i])
	}
	audio, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("decode assembled audio for message %s: %w", frag.MessageID, err)
	}

	a.logger.Debug().
		Str("message_id", string(frag.MessageID)).
		Int("fragments", msg.total).
		Int("bytes", len(audio)).
		Dur("elapsed", time.Since(msg.started)).
		Msg("Message assembled")

	return &Completed{
		MessageID: frag.MessageID,
		Text:      msg.text,
		Audio:     audio,
		Fragments: msg.total,
	}, nil
}

// Discard drops any buffered fragments for the message and remembers
// the id so stragglers arriving later are ignored. It reports whether
// fragments were actually buffered.
func (a *Assembler) Discard(id protocol.MessageID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == "" {
		return false
	}
	_, had := a.pending[id]
	delete(a.pending, id)
	if !a.isDiscarded(id) {
		a.tombstones = append(a.tombstones, id)
		if len(a.tombstones) > tombstoneLimit {
			a.tombstones = a.tombstones[len(a.tombstones)-tombstoneLimit:]
		}
	}
	return had
}

// Discarded reports whether the id was dropped earlier. Stragglers for
// such a message must not be treated as the start of a new one.
func (a *Assembler) Discarded(id protocol.MessageID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isDiscarded(id)
}

// PendingCount returns how many messages have buffered fragments
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) isDiscarded(id protocol.MessageID) bool {
	for _, t := range a.tombstones {
		if t == id {
			return true
		}
	}
	return false
}
