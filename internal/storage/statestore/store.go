package statestore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Key prefixes. Keys under a prefix sort by their natural component
// order, which Scan relies on.
const (
	keyLedgerCheckpoint = "ckpt:ledger"
	prefixWatermark     = "wm:"
	prefixDeletion      = "del:"
	keyDeletionSeq      = "delseq"
	prefixDecryptQueue  = "dq:"
	prefixDeadLetter    = "dl:"
	keyDeadLetterSeq    = "dlseq"
)

// QueueStatus tracks a decryption queue row.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueDecrypted QueueStatus = "decrypted"
	QueueFailed    QueueStatus = "failed"
)

// QueueRow is one enqueued encrypted envelope awaiting its owner's key.
type QueueRow struct {
	Did         string      `codec:"did"`
	OwnerPubKey string      `codec:"owner"`
	Envelope    []byte      `codec:"envelope"`
	EnqueuedAt  time.Time   `codec:"enqueuedAt"`
	Status      QueueStatus `codec:"status"`
}

// DeletionEntry is one row of the append-only deletion registry.
type DeletionEntry struct {
	Did       string    `codec:"did"`
	Seq       uint64    `codec:"seq"`
	DeletedAt time.Time `codec:"deletedAt"`
}

// DeadLetter is an item parked after exhausting ingestion retries.
type DeadLetter struct {
	Seq     uint64    `codec:"seq"`
	Source  string    `codec:"source"`
	Reason  string    `codec:"reason"`
	Payload []byte    `codec:"payload"`
	At      time.Time `codec:"at"`
}

// Store wraps a backend with the typed persisted-state operations of
// the node.
type Store struct {
	backend   Backend
	threshold int

	// seqMu serializes the registry sequence counters.
	seqMu sync.Mutex
}

// Open creates the store over the configured backend.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	threshold := cfg.CompressionThreshold
	if threshold == 0 {
		threshold = DefaultConfig().CompressionThreshold
	}
	backend, err := CreateBackend(cfg.Backend, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, threshold: threshold}, nil
}

// NewWithBackend wraps an already-open backend. Used by tests.
func NewWithBackend(b Backend) *Store {
	return &Store{backend: b, threshold: DefaultConfig().CompressionThreshold}
}

// Close closes the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) put(key string, v interface{}) error {
	data, err := encodeValue(v, s.threshold)
	if err != nil {
		return err
	}
	return s.backend.Set([]byte(key), data)
}

func (s *Store) get(key string, v interface{}) error {
	data, err := s.backend.Get([]byte(key))
	if err != nil {
		return err
	}
	return decodeValue(data, v)
}

// --- ledger checkpoint ---

// LedgerCheckpoint returns the highest fully committed block, or
// (0, false) when none has been persisted.
func (s *Store) LedgerCheckpoint() (uint64, bool, error) {
	var block uint64
	err := s.get(keyLedgerCheckpoint, &block)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

// SetLedgerCheckpoint persists the highest fully committed block.
func (s *Store) SetLedgerCheckpoint(block uint64) error {
	return s.put(keyLedgerCheckpoint, block)
}

// --- per-peer sync watermarks ---

// Watermark returns the lastUpdated high-watermark for a peer.
func (s *Store) Watermark(peer string) (time.Time, bool, error) {
	var unixNano int64
	err := s.get(prefixWatermark+peer, &unixNano)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, unixNano).UTC(), true, nil
}

// SetWatermark persists a peer's lastUpdated high-watermark.
func (s *Store) SetWatermark(peer string, t time.Time) error {
	return s.put(prefixWatermark+peer, t.UnixNano())
}

// --- deletion registry ---

// AppendDeletion appends a did to the deletion registry, assigning the
// next per-node sequence number. Appending an already-registered did is
// a no-op returning the existing entry.
func (s *Store) AppendDeletion(did string) (*DeletionEntry, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var existing DeletionEntry
	err := s.get(prefixDeletion+did, &existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	seq, err := s.nextSeqLocked(keyDeletionSeq)
	if err != nil {
		return nil, err
	}
	entry := DeletionEntry{Did: did, Seq: seq, DeletedAt: time.Now().UTC()}
	if err := s.put(prefixDeletion+did, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// IsDeleted reports whether a did appears in the deletion registry.
func (s *Store) IsDeleted(did string) (bool, error) {
	var entry DeletionEntry
	err := s.get(prefixDeletion+did, &entry)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeletedWithin reports whether a did was registered as deleted inside
// the given window. Older entries stay in the registry for audit but no
// longer suppress re-indexing, so a legitimately re-published record
// comes back.
func (s *Store) DeletedWithin(did string, window time.Duration) (bool, error) {
	var entry DeletionEntry
	err := s.get(prefixDeletion+did, &entry)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(entry.DeletedAt) < window, nil
}

// Deletions visits every deletion registry entry.
func (s *Store) Deletions(fn func(*DeletionEntry) bool) error {
	return s.backend.Scan([]byte(prefixDeletion), func(_, value []byte) bool {
		var entry DeletionEntry
		if err := decodeValue(value, &entry); err != nil {
			return true
		}
		return fn(&entry)
	})
}

// --- decryption queue ---

func queueKey(owner, did string) string {
	return prefixDecryptQueue + owner + ":" + did
}

// Enqueue adds an encrypted envelope to the decryption queue. Rows are
// keyed (owner, did); re-enqueueing refreshes the envelope but keeps
// the original enqueue time.
func (s *Store) Enqueue(row *QueueRow) error {
	var existing QueueRow
	err := s.get(queueKey(row.OwnerPubKey, row.Did), &existing)
	if err == nil {
		row.EnqueuedAt = existing.EnqueuedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now().UTC()
	}
	if row.Status == "" {
		row.Status = QueuePending
	}
	return s.put(queueKey(row.OwnerPubKey, row.Did), row)
}

// PendingForOwner returns the pending rows for an owner, in did order.
func (s *Store) PendingForOwner(ownerPubKey string) ([]*QueueRow, error) {
	var rows []*QueueRow
	err := s.backend.Scan([]byte(prefixDecryptQueue+ownerPubKey+":"), func(_, value []byte) bool {
		var row QueueRow
		if err := decodeValue(value, &row); err != nil {
			return true
		}
		if row.Status == QueuePending {
			rows = append(rows, &row)
		}
		return true
	})
	return rows, err
}

// SetQueueStatus updates a row's status after a drain attempt.
func (s *Store) SetQueueStatus(ownerPubKey, did string, status QueueStatus) error {
	var row QueueRow
	if err := s.get(queueKey(ownerPubKey, did), &row); err != nil {
		return err
	}
	row.Status = status
	return s.put(queueKey(ownerPubKey, did), &row)
}

// --- dead letters ---

// Park stores an item that exhausted its ingestion retries.
func (s *Store) Park(source, reason string, payload []byte) (*DeadLetter, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, err := s.nextSeqLocked(keyDeadLetterSeq)
	if err != nil {
		return nil, err
	}
	dl := DeadLetter{Seq: seq, Source: source, Reason: reason, Payload: payload, At: time.Now().UTC()}
	if err := s.put(fmt.Sprintf("%s%016x", prefixDeadLetter, seq), &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

// DeadLetters visits parked items in sequence order.
func (s *Store) DeadLetters(fn func(*DeadLetter) bool) error {
	return s.backend.Scan([]byte(prefixDeadLetter), func(_, value []byte) bool {
		var dl DeadLetter
		if err := decodeValue(value, &dl); err != nil {
			return true
		}
		return fn(&dl)
	})
}

func (s *Store) nextSeqLocked(key string) (uint64, error) {
	var seq uint64
	err := s.get(key, &seq)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	seq++
	if err := s.put(key, seq); err != nil {
		return 0, err
	}
	return seq, nil
}
