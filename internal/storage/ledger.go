package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/util"
)

// Backend stores encoded records per table
type Backend interface {
	LoadAll(table string) (map[string][]byte, error)
	Save(table string, records map[string][]byte) error
	Close() error
}

// Table is an in-memory keyed record set written through to a Backend on
// WriteToDisk. Reads never touch the backend.
type Table[T any] struct {
	name    string
	backend Backend
	codec   Codec

	mu      sync.RWMutex
	records map[string]T
	dirty   map[string]struct{}
}

func newTable[T any](name string, backend Backend, codec Codec) *Table[T] {
	return &Table[T]{
		name:    name,
		backend: backend,
		codec:   codec,
		records: make(map[string]T),
		dirty:   make(map[string]struct{}),
	}
}

// GetRecord returns a copy of the record at key
func (t *Table[T]) GetRecord(key string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q: %w", t.name, key, ErrNotFound)
	}
	return rec, nil
}

// UpdateRecord stores rec at key
func (t *Table[T]) UpdateRecord(key string, rec T) {
	t.mu.Lock()
	t.records[key] = rec
	t.dirty[key] = struct{}{}
	t.mu.Unlock()
}

// Mutate applies fn to the record at key under the table lock. exists is
// false when fn receives a zero record that will be created.
func (t *Table[T]) Mutate(key string, fn func(rec *T, exists bool)) T {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	fn(&rec, ok)
	t.records[key] = rec
	t.dirty[key] = struct{}{}
	return rec
}

func (t *Table[T]) HasKey(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[key]
	return ok
}

// GetKeys returns all keys in sorted order
func (t *Table[T]) GetKeys() []string {
	t.mu.RLock()
	keys := make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of records
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// WriteToDisk flushes records changed since the last flush
func (t *Table[T]) WriteToDisk() error {
	t.mu.Lock()
	if len(t.dirty) == 0 {
		t.mu.Unlock()
		return nil
	}
	encoded := make(map[string][]byte, len(t.dirty))
	for key := range t.dirty {
		data, err := t.codec.Marshal(t.records[key])
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("encode %s %q: %w", t.name, key, err)
		}
		encoded[key] = data
	}
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	if err := t.backend.Save(t.name, encoded); err != nil {
		t.mu.Lock()
		for key := range encoded {
			t.dirty[key] = struct{}{}
		}
		t.mu.Unlock()
		return fmt.Errorf("save %s: %w", t.name, err)
	}
	return nil
}

func (t *Table[T]) load() error {
	raw, err := t.backend.LoadAll(t.name)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.name, err)
	}

	records := make(map[string]T, len(raw))
	for key, data := range raw {
		var rec T
		if err := t.codec.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode %s %q: %w", t.name, key, err)
		}
		records[key] = rec
	}

	t.mu.Lock()
	t.records = records
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()
	return nil
}

// Ledger groups the pool's persistent tables
type Ledger struct {
	Accounts *Table[Account]
	Blocks   *Table[BlockRecord]
	Meta     *Table[uint64]

	backend Backend
}

// NewLedger creates empty tables over backend
func NewLedger(backend Backend, codec Codec) *Ledger {
	return &Ledger{
		Accounts: newTable[Account](TableAccounts, backend, codec),
		Blocks:   newTable[BlockRecord](TableBlocks, backend, codec),
		Meta:     newTable[uint64](TableMeta, backend, codec),
		backend:  backend,
	}
}

// Load reads every table from the backend
func (l *Ledger) Load() error {
	if err := l.Accounts.load(); err != nil {
		return err
	}
	// no session survives a restart
	for _, key := range l.Accounts.GetKeys() {
		if acct, _ := l.Accounts.GetRecord(key); acct.Connections != 0 {
			l.Accounts.Mutate(key, func(a *Account, _ bool) { a.Connections = 0 })
		}
	}
	if err := l.Blocks.load(); err != nil {
		return err
	}
	if err := l.Meta.load(); err != nil {
		return err
	}
	util.Infof("Ledger loaded: %d accounts, %d blocks", l.Accounts.Len(), l.Blocks.Len())
	return nil
}

// WriteToDisk flushes every table
func (l *Ledger) WriteToDisk() error {
	if err := l.Accounts.WriteToDisk(); err != nil {
		return err
	}
	if err := l.Blocks.WriteToDisk(); err != nil {
		return err
	}
	return l.Meta.WriteToDisk()
}

// Close flushes and closes the backend
func (l *Ledger) Close() error {
	if err := l.WriteToDisk(); err != nil {
		util.Warnf("Final ledger flush failed: %v", err)
	}
	return l.backend.Close()
}

// EnsureAccount creates the account for address if it is missing and
// reports whether it did.
func (l *Ledger) EnsureAccount(address string) bool {
	created := false
	l.Accounts.Mutate(address, func(a *Account, exists bool) {
		if !exists {
			a.Address = address
			a.Created = time.Now().Unix()
			created = true
		}
	})
	return created
}

// Login returns the account for address, creating it on first login, and
// counts the new connection.
func (l *Ledger) Login(address string) Account {
	now := time.Now().Unix()
	return l.Accounts.Mutate(address, func(a *Account, exists bool) {
		if !exists {
			a.Address = address
			a.Created = now
		}
		a.Connections++
		a.LastSeen = now
	})
}

// Logout decrements the account's connection count
func (l *Ledger) Logout(address string) {
	if !l.Accounts.HasKey(address) {
		return
	}
	l.Accounts.Mutate(address, func(a *Account, _ bool) {
		if a.Connections > 0 {
			a.Connections--
		}
		a.LastSeen = time.Now().Unix()
	})
}

// AddRoundShares credits weight to an account's open round. This is the
// only ledger write a miner session performs.
func (l *Ledger) AddRoundShares(address string, weight uint64) uint64 {
	rec := l.Accounts.Mutate(address, func(a *Account, exists bool) {
		if !exists {
			a.Address = address
			a.Created = time.Now().Unix()
		}
		a.RoundShares += weight
	})
	return rec.RoundShares
}

// MetaValue reads a counter, zero when unset
func (l *Ledger) MetaValue(key string) uint64 {
	v, err := l.Meta.GetRecord(key)
	if err != nil {
		return 0
	}
	return v
}

// SetMeta stores a counter
func (l *Ledger) SetMeta(key string, v uint64) {
	l.Meta.UpdateRecord(key, v)
}
