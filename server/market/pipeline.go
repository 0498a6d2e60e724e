// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"sort"

	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/payout"
)

// DoPayouts runs one pass of the payout pipeline: drain settled trades to
// the trades buffer, flush the storage buffers, pay out a chunk of every
// payout category while rewriting settled position logs, and commit the
// outcomes. It returns at once if a pass is already running or the market is
// stopped for an upgrade.
//
// The stamps of the picked payouts are saved in a snapshot before any is
// submitted, so a restart retries with the same created_at_time and fee.
func (m *Market) DoPayouts(ctx context.Context) {
	if !m.payoutMtx.TryLock() {
		log.Tracef("Payout pass already running")
		return
	}
	defer m.payoutMtx.Unlock()
	if m.isStopping() {
		log.Debugf("Market is stopping, skipping payout pass")
		return
	}

	m.drainTrades(ctx)
	for _, kind := range logKinds {
		m.flush(ctx, kind)
	}
	jobs, tasks := m.pick()
	if len(jobs) > 0 {
		if err := m.SaveSnapshot(ctx); err != nil {
			m.recordError(&m.payoutErrs, "snapshot", err)
			log.Errorf("Error saving market snapshot, holding %d payouts: %v", len(jobs), err)
			m.release(jobs)
			jobs = nil
		}
	}
	if len(jobs) > 0 || len(tasks) > 0 {
		log.Debugf("Executing %d payouts and %d log updates", len(jobs), len(tasks))
		m.commit(m.exec.Execute(ctx, jobs, tasks...))
	}
	m.drainTrades(ctx)
	m.updateGauges()
}

// drainTrades moves trades whose payouts are both settled to the trades
// buffer, oldest first, stopping at the first unsettled trade.
func (m *Market) drainTrades(ctx context.Context) {
	m.mtx.Lock()
	var done []*order.TradeLog
	for len(m.d.trades) > 0 && m.d.trades[0].PayoutsComplete() {
		t := m.d.trades[0]
		m.d.trades[0] = nil
		m.d.trades = m.d.trades[1:]
		m.appendLog(order.TradeLogs, t.Serialize())
		done = append(done, t)
	}
	m.mtx.Unlock()
	if len(done) == 0 {
		return
	}
	if m.cfg.Feed != nil {
		for _, t := range done {
			m.cfg.Feed.PublishTrade(t)
		}
	}
	if m.archiver != nil {
		if err := m.archiver.ArchiveTrades(ctx, done); err != nil {
			m.recordError(&m.archiveErrs, "archive", err)
			log.Errorf("Error archiving %d trades: %v", len(done), err)
		}
	}
}

// pick locks a chunk of pending payouts of each category and collects the
// position log rewrites for settled voids.
func (m *Market) pick() ([]*payout.Job, []payout.Task) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	pk := payout.NewPicker(m.cfg.PayoutChunk)
	for _, kind := range positionKinds {
		for _, v := range m.d.book.Voids(kind).Sorted() {
			if j := payout.VoidJob(v); j != nil {
				if !pk.Add(j) {
					break
				}
				m.claim(&v.Payout, j)
			}
		}
	}
	for _, t := range m.d.trades {
		if pk.Full(payout.TradeCycles) && pk.Full(payout.TradeTokens) {
			break
		}
		for _, j := range payout.TradeJobs(t) {
			if !pk.Add(j) {
				continue
			}
			if j.Category == payout.TradeCycles {
				m.claim(&t.CyclesPayout, j)
			} else {
				m.claim(&t.TokensPayout, j)
			}
		}
	}
	return pk.Jobs, m.settleVoidLogs(true)
}

// claim locks a picked payout and records the job's stamp on it. m.mtx must
// be held.
func (m *Market) claim(p *order.Payout, j *payout.Job) {
	m.exec.Stamp(j)
	p.Lock = true
	p.CreatedAt, p.Fee = j.CreatedAt, j.Fee
}

// release unlocks picked payouts that will not be submitted this pass.
func (m *Market) release(jobs []*payout.Job) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, j := range jobs {
		if p := m.payoutOf(j); p != nil {
			p.Lock = false
		}
	}
}

// settleVoidLogs writes the final row of every void whose payout settled.
// Rows still in the positions buffer are patched in place. Rows already in a
// storage node are rewritten by the returned tasks if admitTasks is set and
// no flush is running. m.mtx must be held.
func (m *Market) settleVoidLogs(admitTasks bool) []payout.Task {
	st := m.d.storage[order.PositionLogs]
	admitTasks = admitTasks && !st.flushLock
	var tasks []payout.Task
	for _, kind := range positionKinds {
		for _, v := range m.d.book.Voids(kind).Sorted() {
			if !v.Payout.Complete() || v.LogUpdated || v.LogUpdateLock {
				continue
			}
			v.SettleLog()
			rec := v.Log.Serialize()
			if m.patchBuffer(order.PositionLogs, v.ID, rec) {
				v.LogUpdated = true
				continue
			}
			if !admitTasks || len(tasks) >= m.chunkSize() {
				continue
			}
			node := st.nodeHolding(v.ID)
			if node == nil {
				log.Warnf("No storage node holds position %d", v.ID)
				continue
			}
			v.LogUpdateLock = true
			tasks = append(tasks, m.updateLogTask(v, node.ID, rec))
		}
	}
	return tasks
}

func (m *Market) chunkSize() int {
	if m.cfg.PayoutChunk <= 0 {
		return payout.DefaultChunkSize
	}
	return m.cfg.PayoutChunk
}

func (m *Market) updateLogTask(v *order.VoidPosition, nodeID string, rec []byte) payout.Task {
	return func(ctx context.Context) {
		h, err := m.handle(ctx, nodeID)
		if err == nil {
			err = h.UpdateLog(ctx, v.ID, rec)
		}
		m.mtx.Lock()
		v.LogUpdateLock = false
		if err == nil {
			v.LogUpdated = true
		}
		m.mtx.Unlock()
		if err != nil {
			m.recordError(&m.storageErrs, "update log", err)
			log.Errorf("Error rewriting position log %d on node %s: %v", v.ID, nodeID, err)
		}
	}
}

// payoutOf finds the payout entry a job was made from. m.mtx must be held.
func (m *Market) payoutOf(j *payout.Job) *order.Payout {
	switch j.Category {
	case payout.VoidCycles, payout.VoidTokens:
		kind := order.CyclesPosition
		if j.Category == payout.VoidTokens {
			kind = order.TokenPosition
		}
		if v, found := m.d.book.Voids(kind).Get(j.ID); found {
			return &v.Payout
		}
	case payout.TradeCycles, payout.TradeTokens:
		i := sort.Search(len(m.d.trades), func(i int) bool {
			return m.d.trades[i].ID >= j.ID
		})
		if i == len(m.d.trades) || m.d.trades[i].ID != j.ID {
			return nil
		}
		if j.Category == payout.TradeCycles {
			return &m.d.trades[i].CyclesPayout
		}
		return &m.d.trades[i].TokensPayout
	}
	return nil
}

// commit clears the payout locks, stores the outcomes, and removes the voids
// that are fully settled.
func (m *Market) commit(outcomes []*payout.Outcome) {
	m.mtx.Lock()
	for _, out := range outcomes {
		p := m.payoutOf(out.Job)
		if p == nil {
			log.Errorf("No payout entry for %v", out.Job)
			continue
		}
		p.Lock = false
		p.CreatedAt, p.Fee = out.CreatedAt, out.Fee
		if out.Data != nil {
			p.Data = out.Data
		}
	}
	m.settleVoidLogs(false)
	for _, kind := range positionKinds {
		q := m.d.book.Voids(kind)
		for _, v := range q.Sorted() {
			if v.Done() {
				q.Remove(v.ID)
			}
		}
	}
	m.mtx.Unlock()

	for _, out := range outcomes {
		cat := out.Job.Category.String()
		switch {
		case out.Err != nil:
			m.metrics.payouts.WithLabelValues(cat, "error").Inc()
			m.recordError(&m.payoutErrs, cat, out.Err)
			log.Warnf("Payout failed, will retry: %v", out.Err)
		case out.Data != nil && !out.Data.DidTransfer:
			m.metrics.payouts.WithLabelValues(cat, "dust").Inc()
		default:
			m.metrics.payouts.WithLabelValues(cat, "ok").Inc()
		}
	}
}
