// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package logstore is the append-only archive of position and trade logs. A
// Node is one storage shard: a region of fixed-size records addressed by
// their monotone id, plus an in-memory index from secondary key to record
// ids. Nodes fill up and are replaced by freshly provisioned ones.
package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
)

const (
	// DefaultMaxPayloadBytes caps the record region of a node.
	DefaultMaxPayloadBytes uint64 = 20 << 30
	// DefaultMaxIndexBytes caps the in-memory index of a node.
	DefaultMaxIndexBytes uint64 = 1 << 30

	// indexEntryOverhead approximates the map and slice headers per key.
	indexEntryOverhead = 64

	recordPrefix = 'r'
	metaKey      = "m"

	// maxTxnRecords bounds the records written per badger transaction.
	maxTxnRecords = 2048
)

const (
	// ErrStorageIsFull is returned by Flush when the node cannot take the
	// records. The node stays readable.
	ErrStorageIsFull = dex.ErrorKind("storage is full")
	// ErrLogNotFound is returned for an id the node does not hold.
	ErrLogNotFound = dex.ErrorKind("log not found")
	// ErrBadRecords is returned for a payload that is not a whole number of
	// well-formed records.
	ErrBadRecords = dex.ErrorKind("bad records")
)

// Info describes a node.
type Info struct {
	ID         string
	Kind       order.LogKind
	FirstLogID uint64
	Count      uint64
	Full       bool
	IndexBytes uint64
}

// NextLogID is the id the next appended record must carry.
func (i *Info) NextLogID() uint64 {
	return i.FirstLogID + i.Count
}

// Holds reports whether id falls in the node's record range.
func (i *Info) Holds(id uint64) bool {
	return i.Count > 0 && id >= i.FirstLogID && id < i.FirstLogID+i.Count
}

// Storage is a storage node as seen by the market.
type Storage interface {
	ID() string
	Flush(ctx context.Context, b []byte) error
	MapLogsRChunks(ctx context.Context, key []byte, startBeforeID *uint64, chunkSize int) ([]byte, error)
	UpdateLog(ctx context.Context, id uint64, b []byte) error
	MarkFull(ctx context.Context, full bool) error
	Info(ctx context.Context) (*Info, error)
}

// Config is the configuration of a Node.
type Config struct {
	ID              string
	Path            string
	Kind            order.LogKind
	MaxPayloadBytes uint64
	MaxIndexBytes   uint64
	// MaxRecords additionally caps the record count when non-zero.
	MaxRecords uint64
	Log        dex.Logger
}

// Node is a badger-backed storage shard.
type Node struct {
	db      *badger.DB
	id      string
	kind    order.LogKind
	recSize int
	log     dex.Logger

	maxPayload uint64
	maxIndex   uint64
	maxRecords uint64

	mtx        sync.RWMutex
	firstID    uint64
	count      uint64
	full       bool
	index      map[string][]uint64
	indexBytes uint64
}

var _ Storage = (*Node)(nil)

// OpenNode opens or creates the node at cfg.Path and rebuilds its index.
func OpenNode(cfg *Config) (*Node, error) {
	log := cfg.Log
	if log == nil {
		log = dex.Disabled
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(&badgerLoggerWrapper{log})
	db, err := badger.Open(opts)
	if err == badger.ErrTruncateNeeded {
		log.Warnf("Error opening badger db: %v", err)
		opts.Truncate = true
		log.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		db, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	n := &Node{
		db:         db,
		id:         cfg.ID,
		kind:       cfg.Kind,
		recSize:    cfg.Kind.RecordSize(),
		log:        log,
		maxPayload: cfg.MaxPayloadBytes,
		maxIndex:   cfg.MaxIndexBytes,
		maxRecords: cfg.MaxRecords,
		index:      make(map[string][]uint64),
	}
	if n.maxPayload == 0 {
		n.maxPayload = DefaultMaxPayloadBytes
	}
	if n.maxIndex == 0 {
		n.maxIndex = DefaultMaxIndexBytes
	}
	if err := n.load(); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func slotKey(slot uint64) []byte {
	k := make([]byte, 9)
	k[0] = recordPrefix
	binary.BigEndian.PutUint64(k[1:], slot)
	return k
}

// meta is kind(1) | first id(8) | count(8) | full(1).
func (n *Node) metaBytes() []byte {
	b := make([]byte, 18)
	b[0] = byte(n.kind)
	binary.BigEndian.PutUint64(b[1:9], n.firstID)
	binary.BigEndian.PutUint64(b[9:17], n.count)
	if n.full {
		b[17] = 1
	}
	return b
}

func (n *Node) load() error {
	return n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		err = item.Value(func(b []byte) error {
			if len(b) != 18 {
				return fmt.Errorf("bad node metadata length %d", len(b))
			}
			if order.LogKind(b[0]) != n.kind {
				return fmt.Errorf("node holds %s logs, opened as %s", order.LogKind(b[0]), n.kind)
			}
			n.firstID = binary.BigEndian.Uint64(b[1:9])
			n.count = binary.BigEndian.Uint64(b[9:17])
			n.full = b[17] == 1
			return nil
		})
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{recordPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		var loaded uint64
		for it.Rewind(); it.Valid() && loaded < n.count; it.Next() {
			err := it.Item().Value(func(rec []byte) error {
				n.indexRecord(rec)
				return nil
			})
			if err != nil {
				return err
			}
			loaded++
		}
		if loaded != n.count {
			return fmt.Errorf("node metadata claims %d records, found %d", n.count, loaded)
		}
		n.log.Debugf("Loaded %s node %s with %d records from id %d", n.kind, n.id, n.count, n.firstID)
		return nil
	})
}

func indexCost(key []byte, existing bool) uint64 {
	if existing {
		return 8
	}
	return uint64(len(key)) + 8 + indexEntryOverhead
}

func (n *Node) indexRecord(rec []byte) {
	id := n.kind.RecordID(rec)
	for _, k := range n.kind.IndexKeys(rec) {
		ids, found := n.index[string(k)]
		n.indexBytes += indexCost(k, found)
		n.index[string(k)] = append(ids, id)
	}
}

// ID is the node's name.
func (n *Node) ID() string {
	return n.id
}

// Kind is the record kind held.
func (n *Node) Kind() order.LogKind {
	return n.kind
}

// Flush appends whole records. Records already held, by id, are skipped so a
// repeated flush is harmless. The ids of new records must continue the node's
// sequence. If the node cannot take every record it stores the leading ones
// that fit and returns ErrStorageIsFull. Info reports how many it holds.
func (n *Node) Flush(_ context.Context, b []byte) error {
	if len(b) == 0 || len(b)%n.recSize != 0 {
		return dex.NewError(ErrBadRecords, fmt.Sprintf("length %d is not a multiple of %d", len(b), n.recSize))
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.full {
		return ErrStorageIsFull
	}

	firstID, count := n.firstID, n.count
	var fresh [][]byte
	var addIndex uint64
	var refused bool
	seen := make(map[string]bool)
	for off := 0; off < len(b); off += n.recSize {
		rec := b[off : off+n.recSize]
		id := n.kind.RecordID(rec)
		if count == 0 && len(fresh) == 0 {
			firstID = id
		}
		next := firstID + count + uint64(len(fresh))
		switch {
		case id < next:
			continue
		case id > next:
			return dex.NewError(ErrBadRecords, fmt.Sprintf("record id %d does not follow %d", id, next-1))
		}
		keys := n.kind.IndexKeys(rec)
		var cost uint64
		for _, k := range keys {
			_, found := n.index[string(k)]
			cost += indexCost(k, found || seen[string(k)])
		}
		newCount := count + uint64(len(fresh)) + 1
		if newCount*uint64(n.recSize) > n.maxPayload ||
			(n.maxRecords > 0 && newCount > n.maxRecords) ||
			n.indexBytes+addIndex+cost > n.maxIndex {
			refused = true
			break
		}
		for _, k := range keys {
			seen[string(k)] = true
		}
		addIndex += cost
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		if refused {
			return ErrStorageIsFull
		}
		return nil
	}
	newCount := count + uint64(len(fresh))

	for start := 0; start < len(fresh); start += maxTxnRecords {
		end := start + maxTxnRecords
		if end > len(fresh) {
			end = len(fresh)
		}
		err := n.db.Update(func(txn *badger.Txn) error {
			for i, rec := range fresh[start:end] {
				slot := count + uint64(start+i)
				if err := txn.Set(slotKey(slot), rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error writing records: %w", err)
		}
	}

	// The records are only visible once the metadata commits.
	oldFirst, oldCount := n.firstID, n.count
	n.firstID, n.count = firstID, newCount
	if err := n.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), n.metaBytes())
	}); err != nil {
		n.firstID, n.count = oldFirst, oldCount
		return fmt.Errorf("error writing node metadata: %w", err)
	}
	for _, rec := range fresh {
		n.indexRecord(rec)
	}
	n.log.Tracef("Flushed %d %s records to node %s", len(fresh), n.kind, n.id)
	if refused {
		return dex.NewError(ErrStorageIsFull, fmt.Sprintf("took %d of %d records", len(fresh), len(b)/n.recSize))
	}
	return nil
}

// MapLogsRChunks returns the concatenated records indexed under key, up to
// chunkSize of them, oldest first, ending strictly before startBeforeID or at
// the newest record. Pages walk backward in time.
func (n *Node) MapLogsRChunks(_ context.Context, key []byte, startBeforeID *uint64, chunkSize int) ([]byte, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	ids := n.index[string(key)]
	end := len(ids)
	if startBeforeID != nil {
		end = sort.Search(len(ids), func(i int) bool { return ids[i] >= *startBeforeID })
	}
	start := end - chunkSize
	if start < 0 || chunkSize <= 0 {
		start = 0
	}
	ids = ids[start:end]
	out := make([]byte, 0, len(ids)*n.recSize)
	err := n.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(slotKey(id - n.firstID))
			if err != nil {
				return fmt.Errorf("index references record %d: %w", id, err)
			}
			err = item.Value(func(rec []byte) error {
				out = append(out, rec...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateLog overwrites the record with the given id. The replacement must
// carry the same id and index keys.
func (n *Node) UpdateLog(_ context.Context, id uint64, b []byte) error {
	if len(b) != n.recSize || n.kind.RecordID(b) != id {
		return dex.NewError(ErrBadRecords, fmt.Sprintf("update of record %d", id))
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.count == 0 || id < n.firstID || id >= n.firstID+n.count {
		return dex.NewError(ErrLogNotFound, fmt.Sprintf("id %d", id))
	}
	return n.db.Update(func(txn *badger.Txn) error {
		return txn.Set(slotKey(id-n.firstID), b)
	})
}

// MarkFull sets or clears the full flag.
func (n *Node) MarkFull(_ context.Context, full bool) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.full == full {
		return nil
	}
	n.full = full
	if err := n.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), n.metaBytes())
	}); err != nil {
		n.full = !full
		return err
	}
	n.log.Infof("Storage node %s marked full = %v", n.id, full)
	return nil
}

// Info describes the node.
func (n *Node) Info(context.Context) (*Info, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return &Info{
		ID:         n.id,
		Kind:       n.kind,
		FirstLogID: n.firstID,
		Count:      n.count,
		Full:       n.full,
		IndexBytes: n.indexBytes,
	}, nil
}

// GC runs badger value log garbage collection once.
func (n *Node) GC() {
	if err := n.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		n.log.Errorf("garbage collection error on node %s: %v", n.id, err)
	}
}

// Close closes the database.
func (n *Node) Close() error {
	return n.db.Close()
}
