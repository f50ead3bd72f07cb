package ledger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/statestore"
)

// ItemKind distinguishes template from record transactions.
type ItemKind string

const (
	KindTemplate ItemKind = "template"
	KindRecord   ItemKind = "record"
)

// Item is one decoded element of the ledger stream.
type Item struct {
	Kind    ItemKind
	TxID    string
	Block   uint64
	Pos     int
	Tags    map[string]string
	Payload json.RawMessage
}

const (
	windowBlocks    = 50
	maxAttempts     = 6
	clientRecycle   = 30 * time.Minute
	defaultPollTick = 30 * time.Second
)

// Reader produces the finite, block-ordered stream of OIP transactions
// and runs the checkpointed keep-up-to-date loop.
type Reader struct {
	client *Client
	state  *statestore.Store
	log    zerolog.Logger

	poll    time.Duration
	backoff oip.Backoff
}

// NewReader creates a reader over the gateway client and checkpoint
// store.
func NewReader(client *Client, state *statestore.Store, poll time.Duration, log zerolog.Logger) *Reader {
	if poll <= 0 {
		poll = defaultPollTick
	}
	return &Reader{
		client:  client,
		state:   state,
		log:     log.With().Str("component", "ledger.reader").Logger(),
		poll:    poll,
		backoff: oip.Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
	}
}

// Stream opens a lazy sequence over blocks [from, to]. A zero `to`
// pins the end to the chain tip at the moment the stream is opened, so
// the sequence is always finite. Items arrive in (block, pos) order;
// re-opening the same range yields the same items.
func (r *Reader) Stream(ctx context.Context, from, to uint64) (*Stream, error) {
	if to == 0 {
		tip, err := r.client.Tip(ctx)
		if err != nil {
			return nil, err
		}
		to = tip
	}
	return &Stream{client: r.client, next: from, to: to}, nil
}

// Stream is a pull iterator over a bounded block range. It fetches one
// window at a time and never buffers more than a window.
type Stream struct {
	client *Client
	next   uint64
	to     uint64
	buf    []Tx
	idx    int
}

// Next returns the next item, or io.EOF when the range is exhausted.
// Transactions without an accepted Ver tag are skipped.
func (s *Stream) Next(ctx context.Context) (*Item, error) {
	for {
		if s.idx < len(s.buf) {
			tx := s.buf[s.idx]
			s.idx++
			item, ok := decodeItem(tx)
			if !ok {
				continue
			}
			return item, nil
		}
		if s.next > s.to {
			return nil, io.EOF
		}
		end := s.next + windowBlocks - 1
		if end > s.to {
			end = s.to
		}
		txs, err := s.client.Window(ctx, s.next, end)
		if err != nil {
			return nil, err
		}
		s.buf = txs
		s.idx = 0
		s.next = end + 1
	}
}

// decodeItem classifies a transaction. Templates carry their field
// table under "fieldsInTemplate"; everything else is a record.
func decodeItem(tx Tx) (*Item, bool) {
	if tx.Tags[TagIndexMethod] != IndexMethodOIP {
		return nil, false
	}
	if !AcceptedVer(tx.Tags[TagVer]) {
		return nil, false
	}
	kind := KindRecord
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(tx.Payload, &probe); err == nil {
		if _, ok := probe["fieldsInTemplate"]; ok {
			kind = KindTemplate
		}
	}
	return &Item{
		Kind:    kind,
		TxID:    tx.ID,
		Block:   tx.Block,
		Pos:     tx.Pos,
		Tags:    tx.Tags,
		Payload: tx.Payload,
	}, true
}

// Handler consumes stream items in order. A blocking handler exerts
// backpressure on the reader.
type Handler func(ctx context.Context, item *Item) error

// Run is the keep-up-to-date loop: every poll tick it streams
// everything strictly after the persisted checkpoint into handle and
// advances the checkpoint only after the whole window is consumed.
// Transient failures back off (500 ms base, 30 s cap, 6 attempts) and
// leave the checkpoint untouched.
func (r *Reader) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	recycle := time.NewTicker(clientRecycle)
	defer recycle.Stop()

	for {
		if err := r.catchUp(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Non-fatal: status is surfaced, next tick retries.
			r.log.Warn().Err(err).Msg("catch-up failed; checkpoint not advanced")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recycle.C:
			r.client.Recycle()
			r.log.Debug().Msg("recycled ledger http client")
		case <-ticker.C:
		}
	}
}

func (r *Reader) catchUp(ctx context.Context, handle Handler) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.backoff.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}
		if err := r.catchUpOnce(ctx, handle); err != nil {
			if !oip.Transient(err) {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (r *Reader) catchUpOnce(ctx context.Context, handle Handler) error {
	checkpoint, _, err := r.state.LedgerCheckpoint()
	if err != nil {
		return err
	}
	tip, err := r.client.Tip(ctx)
	if err != nil {
		return err
	}
	if tip <= checkpoint {
		return nil
	}

	stream, err := r.Stream(ctx, checkpoint+1, tip)
	if err != nil {
		return err
	}
	count := 0
	for {
		item, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := handle(ctx, item); err != nil {
			return err
		}
		count++
	}
	if err := r.state.SetLedgerCheckpoint(tip); err != nil {
		return err
	}
	if count > 0 {
		r.log.Info().Uint64("from", checkpoint+1).Uint64("to", tip).
			Int("items", count).Msg("ledger window committed")
	}
	return nil
}
