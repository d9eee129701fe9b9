// Package journal persists the vault's event history and state checkpoints.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/pairvault/pairvault/pkg/vault"
)

var (
	seqKey   = []byte("journal:seq")
	stateKey = []byte("state:latest")
)

// Record is one journaled engine event.
type Record struct {
	Seq   uint64          `json:"seq"`
	Type  vault.EventType `json:"type"`
	Time  time.Time       `json:"time"`
	Event json.RawMessage `json:"event"`
}

// Journal appends engine events to the database and stores state checkpoints.
// Records are keyed by sequence number with a separate pointer to the latest,
// so reads never need a database iterator.
type Journal struct {
	db     database.Database
	logger log.Logger

	mu  sync.Mutex
	seq uint64
}

// New opens a journal over db, resuming the sequence counter if one exists.
func New(db database.Database, logger log.Logger) (*Journal, error) {
	j := &Journal{db: db, logger: logger}

	val, err := db.Get(seqKey)
	if err != nil {
		if err == database.ErrNotFound {
			return j, nil
		}
		return nil, fmt.Errorf("loading journal sequence: %w", err)
	}
	if len(val) >= 8 {
		j.seq = binary.BigEndian.Uint64(val)
	}
	return j, nil
}

// Append journals one event. The record and the sequence pointer are written
// in a single batch.
func (j *Journal) Append(ev vault.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{
		Seq:   j.seq + 1,
		Type:  ev.Type(),
		Time:  time.Now().UTC(),
		Event: payload,
	}
	value, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(recordKey(rec.Seq), value); err != nil {
		return err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, rec.Seq)
	if err := batch.Put(seqKey, seqBytes); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}

	j.seq = rec.Seq
	return nil
}

// OnEvent makes the journal usable as an engine event sink. Persistence
// failures are logged, never propagated into the producing operation.
func (j *Journal) OnEvent(ev vault.Event) {
	if err := j.Append(ev); err != nil {
		j.logger.Error("failed to journal event", "type", ev.Type(), "error", err)
	}
}

// Len returns the sequence number of the newest record, zero when empty.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Get loads the record with the given sequence number.
func (j *Journal) Get(seq uint64) (*Record, error) {
	val, err := j.db.Get(recordKey(seq))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %d: %w", seq, err)
	}
	return &rec, nil
}

// Replay walks every journaled record in order, stopping at the first error.
func (j *Journal) Replay(fn func(*Record) error) error {
	last := j.Len()
	for seq := uint64(1); seq <= last; seq++ {
		rec, err := j.Get(seq)
		if err != nil {
			return fmt.Errorf("replaying record %d: %w", seq, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// SaveState persists an engine checkpoint, replacing any previous one.
func (j *Journal) SaveState(state vault.State) error {
	value, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	return j.db.Put(stateKey, value)
}

// LoadState returns the persisted checkpoint, or ok=false on a fresh database.
func (j *Journal) LoadState() (vault.State, bool, error) {
	val, err := j.db.Get(stateKey)
	if err != nil {
		if err == database.ErrNotFound {
			return vault.State{}, false, nil
		}
		return vault.State{}, false, err
	}
	var state vault.State
	if err := json.Unmarshal(val, &state); err != nil {
		return vault.State{}, false, fmt.Errorf("decoding state: %w", err)
	}
	return state, true, nil
}

func recordKey(seq uint64) []byte {
	key := make([]byte, 6+8)
	copy(key, "event:")
	binary.BigEndian.PutUint64(key[6:], seq)
	return key
}
