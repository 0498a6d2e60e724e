// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"errors"
	"fmt"

	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/logstore"
)

// StorageNode is the market's record of one storage node, in creation order.
// The record range is [FirstLogID, FirstLogID+Count).
type StorageNode struct {
	ID         string
	FirstLogID uint64
	Count      uint64
	Full       bool
}

func (n *StorageNode) holds(id uint64) bool {
	return n.Count > 0 && id >= n.FirstLogID && id < n.FirstLogID+n.Count
}

// logState is the flush buffer and node list of one log kind. The buffer
// holds whole records with contiguous ids starting at BufferFirstID.
type logState struct {
	Nodes         []*StorageNode
	Buffer        []byte
	BufferFirstID uint64
	flushLock     bool
}

// current is the node taking new records, or nil if one must be provisioned.
func (st *logState) current() *StorageNode {
	if n := len(st.Nodes); n > 0 && !st.Nodes[n-1].Full {
		return st.Nodes[n-1]
	}
	return nil
}

func (st *logState) nodeHolding(id uint64) *StorageNode {
	for i := len(st.Nodes) - 1; i >= 0; i-- {
		if st.Nodes[i].holds(id) {
			return st.Nodes[i]
		}
	}
	return nil
}

// appendLog adds a record to the kind's buffer. m.mtx must be held.
func (m *Market) appendLog(kind order.LogKind, rec []byte) {
	st := m.d.storage[kind]
	if len(st.Buffer) == 0 {
		st.BufferFirstID = kind.RecordID(rec)
	}
	st.Buffer = append(st.Buffer, rec...)
}

// patchBuffer overwrites a record still in the buffer. m.mtx must be held.
func (m *Market) patchBuffer(kind order.LogKind, id uint64, rec []byte) bool {
	st := m.d.storage[kind]
	if id < st.BufferFirstID {
		return false
	}
	sz := kind.RecordSize()
	off := int(id-st.BufferFirstID) * sz
	if off+sz > len(st.Buffer) {
		return false
	}
	copy(st.Buffer[off:off+sz], rec)
	return true
}

func (m *Market) setHandle(s logstore.Storage) {
	m.handlesMtx.Lock()
	m.handles[s.ID()] = s
	m.handlesMtx.Unlock()
}

// handle returns the open node, reopening it through the provisioner if
// needed.
func (m *Market) handle(ctx context.Context, id string) (logstore.Storage, error) {
	m.handlesMtx.RLock()
	s, found := m.handles[id]
	m.handlesMtx.RUnlock()
	if found {
		return s, nil
	}
	s, err := m.cfg.Storage.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error opening storage node %s: %w", id, err)
	}
	m.setHandle(s)
	return s, nil
}

// flush moves the kind's buffer to its current node in chunks. A new node is
// provisioned when there is no current node. On ErrStorageIsFull the records
// the node did take leave the buffer, the node is marked full, and the rest
// wait for the next pass.
func (m *Market) flush(ctx context.Context, kind order.LogKind) {
	recSize := kind.RecordSize()
	chunkSize := m.cfg.flushBytes(kind)

	m.mtx.Lock()
	st := m.d.storage[kind]
	if st.flushLock || len(st.Buffer) < chunkSize {
		m.mtx.Unlock()
		return
	}
	st.flushLock = true
	node := st.current()
	total := len(st.Buffer)
	m.mtx.Unlock()

	defer func() {
		m.mtx.Lock()
		st.flushLock = false
		m.mtx.Unlock()
	}()

	var h logstore.Storage
	var err error
	if node == nil {
		h, err = m.cfg.Storage.Provision(ctx, kind)
		if err != nil {
			m.metrics.flushes.WithLabelValues(kind.String(), "provision_error").Inc()
			m.recordError(&m.storageErrs, "provision "+kind.String(), err)
			log.Errorf("Error provisioning %s storage: %v", kind, err)
			return
		}
		m.setHandle(h)
		m.mtx.Lock()
		node = &StorageNode{ID: h.ID(), FirstLogID: st.BufferFirstID}
		st.Nodes = append(st.Nodes, node)
		m.mtx.Unlock()
		log.Infof("Provisioned %s storage node %s starting at id %d", kind, node.ID, node.FirstLogID)
		// A restart must find every node, so record it right away.
		if err := m.SaveSnapshot(ctx); err != nil {
			log.Errorf("Error saving market snapshot: %v", err)
		}
	} else if h, err = m.handle(ctx, node.ID); err != nil {
		m.recordError(&m.storageErrs, "flush "+kind.String(), err)
		return
	}

	for flushed := 0; flushed < total; {
		m.mtx.Lock()
		n := len(st.Buffer)
		if n > chunkSize {
			n = chunkSize
		}
		n = n / recSize * recSize
		if n == 0 {
			m.mtx.Unlock()
			return
		}
		chunk := make([]byte, n)
		copy(chunk, st.Buffer[:n])
		m.mtx.Unlock()

		err := h.Flush(ctx, chunk)

		m.mtx.Lock()
		if err == nil {
			recs := uint64(n / recSize)
			st.Buffer = st.Buffer[n:]
			if len(st.Buffer) == 0 {
				st.Buffer = nil
			}
			st.BufferFirstID += recs
			node.Count += recs
			m.mtx.Unlock()
			flushed += n
			m.metrics.flushes.WithLabelValues(kind.String(), "ok").Inc()
			continue
		}
		if errors.Is(err, logstore.ErrStorageIsFull) {
			m.mtx.Unlock()
			m.nodeFull(ctx, kind, h, node)
			return
		}
		m.mtx.Unlock()
		m.metrics.flushes.WithLabelValues(kind.String(), "error").Inc()
		m.recordError(&m.storageErrs, "flush "+kind.String(), err)
		log.Errorf("Error flushing %d bytes to storage node %s: %v", n, node.ID, err)
		return
	}
}

// nodeFull handles a flush the node refused for lack of room. The node may
// have stored a leading part of the chunk, so its count is read back before
// the buffer is trimmed. A node that took nothing while empty is never marked
// full, since every new node would refuse the same records.
func (m *Market) nodeFull(ctx context.Context, kind order.LogKind, h logstore.Storage, node *StorageNode) {
	m.metrics.flushes.WithLabelValues(kind.String(), "full").Inc()
	info, err := h.Info(ctx)
	if err != nil {
		m.recordError(&m.storageErrs, "flush "+kind.String(), err)
		log.Errorf("Error reading full storage node %s: %v", node.ID, err)
		return
	}

	recSize := kind.RecordSize()
	m.mtx.Lock()
	st := m.d.storage[kind]
	if next := info.NextLogID(); info.Count > 0 && next > st.BufferFirstID {
		taken := min(next-st.BufferFirstID, uint64(len(st.Buffer)/recSize))
		st.Buffer = st.Buffer[taken*uint64(recSize):]
		if len(st.Buffer) == 0 {
			st.Buffer = nil
		}
		st.BufferFirstID += taken
		node.Count = info.Count
	}
	empty := node.Count == 0
	if !empty {
		node.Full = true
	}
	m.mtx.Unlock()

	if empty {
		err := fmt.Errorf("empty storage node %s refused a %s record", node.ID, kind)
		m.recordError(&m.storageErrs, "flush "+kind.String(), err)
		log.Errorf("%v. Check the storage caps.", err)
		return
	}
	log.Infof("%s storage node %s is full after %d records", kind, node.ID, node.Count)
	if err := h.MarkFull(ctx, true); err != nil {
		log.Warnf("Error marking storage node %s full: %v", node.ID, err)
	}
}

// MarkStorageFull sets or clears the full flag of a storage node. Clearing
// the flag on the newest node makes it take new records again.
func (m *Market) MarkStorageFull(ctx context.Context, kind order.LogKind, id string, full bool) error {
	m.mtx.Lock()
	var node *StorageNode
	for _, n := range m.d.storage[kind].Nodes {
		if n.ID == id {
			node = n
			break
		}
	}
	m.mtx.Unlock()
	if node == nil {
		return fmt.Errorf("unknown %s storage node %q", kind, id)
	}
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	if err := h.MarkFull(ctx, full); err != nil {
		return err
	}
	m.mtx.Lock()
	node.Full = full
	m.mtx.Unlock()
	log.Infof("Storage node %s marked full = %v", id, full)
	return nil
}

// StorageNodes lists the kind's storage nodes in creation order.
func (m *Market) StorageNodes(kind order.LogKind) []StorageNode {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	nodes := make([]StorageNode, 0, len(m.d.storage[kind].Nodes))
	for _, n := range m.d.storage[kind].Nodes {
		nodes = append(nodes, *n)
	}
	return nodes
}

// StorageNode returns the open handle of a storage node.
func (m *Market) StorageNode(ctx context.Context, id string) (logstore.Storage, error) {
	return m.handle(ctx, id)
}
