// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/segmentio/kafka-go"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/msgjson"
	"decred.org/cyclesmarket/dex/order"
)

func tTrade(id uint64) *order.TradeLog {
	return &order.TradeLog{
		ID:                id,
		MatcheePositionID: 2 * id,
		MatcherPositionID: 2*id + 1,
		MatcheeKind:       order.CyclesPosition,
		Tokens:            uint128.From64(5),
		Cycles:            uint128.From64(5_000_000),
		Rate:              uint128.From64(1_000_000),
		Timestamp:         uint64(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano()),
	}
}

type tNATS struct {
	subj    string
	msgs    [][]byte
	pubErr  error
	drained bool
}

func (c *tNATS) Publish(subj string, data []byte) error {
	c.subj = subj
	c.msgs = append(c.msgs, data)
	return c.pubErr
}

func (c *tNATS) Drain() error {
	c.drained = true
	return nil
}

func TestNATSPublisher(t *testing.T) {
	nc := new(tNATS)
	p := newNATSPublisher(nc, "")
	p.PublishTrade(tTrade(3))
	if nc.subj != DefaultNATSSubject || len(nc.msgs) != 1 {
		t.Fatalf("published %d to %q", len(nc.msgs), nc.subj)
	}
	var note msgjson.TradeNote
	if err := json.Unmarshal(nc.msgs[0], &note); err != nil {
		t.Fatal(err)
	}
	if note.ID != 3 || note.MatcheePositionID != 6 || note.MatcheeKind != "cycles" ||
		note.Cycles.U128() != uint128.From64(5_000_000) {
		t.Fatalf("wrong note: %s", spew.Sdump(note))
	}

	// Publish errors are logged, not fatal.
	nc.pubErr = errors.New("disconnected")
	p.PublishTrade(tTrade(4))
	if len(nc.msgs) != 2 {
		t.Fatalf("second trade not attempted")
	}

	if err := p.Close(); err != nil || !nc.drained {
		t.Fatal("not drained")
	}
}

type tWriter struct {
	mtx     sync.Mutex
	batches [][]kafka.Message
	err     error
	closed  int
}

func (w *tWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return w.err
}

func (w *tWriter) Close() error {
	w.mtx.Lock()
	w.closed++
	w.mtx.Unlock()
	return nil
}

func (w *tWriter) written() []kafka.Message {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	var all []kafka.Message
	for _, b := range w.batches {
		all = append(all, b...)
	}
	return all
}

func TestKafkaPublisher(t *testing.T) {
	w := new(tWriter)
	p := newKafkaPublisher(w)

	// Queued before Run starts. Flushed in batches once it does.
	const n = kafkaMaxBatch + 20
	for i := uint64(0); i < n; i++ {
		p.PublishTrade(tTrade(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(w.written()) < n {
		select {
		case <-deadline:
			t.Fatalf("only %d of %d written", len(w.written()), n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.PublishTrade(tTrade(n))
	cancel()
	<-done

	msgs := w.written()
	if len(msgs) != n+1 {
		t.Fatalf("wrote %d, wanted %d", len(msgs), n+1)
	}
	for i, msg := range msgs {
		if id := binary.BigEndian.Uint64(msg.Key); id != uint64(i) {
			t.Fatalf("message %d has key %d", i, id)
		}
	}
	for _, b := range w.batches {
		if len(b) > kafkaMaxBatch {
			t.Fatalf("batch of %d", len(b))
		}
	}
	if !msgs[0].Time.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("message time %v", msgs[0].Time)
	}
	if w.closed != 1 {
		t.Fatalf("closed %d times", w.closed)
	}
}

func TestKafkaQueueFull(t *testing.T) {
	w := new(tWriter)
	p := newKafkaPublisher(w)
	for i := uint64(0); i < kafkaQueueSize+10; i++ {
		p.PublishTrade(tTrade(i))
	}
	if len(p.queue) != kafkaQueueSize {
		t.Fatalf("queue holds %d", len(p.queue))
	}
}

type tSink struct {
	ids []uint64
}

func (s *tSink) PublishTrade(t *order.TradeLog) {
	s.ids = append(s.ids, t.ID)
}

func TestMulti(t *testing.T) {
	a, b := new(tSink), new(tSink)
	m := Multi{a, b}
	m.PublishTrade(tTrade(1))
	m.PublishTrade(tTrade(2))
	if len(a.ids) != 2 || len(b.ids) != 2 || b.ids[1] != 2 {
		t.Fatalf("fan out: %v %v", a.ids, b.ids)
	}
}

func TestRelay(t *testing.T) {
	var r Relay
	r.PublishTrade(tTrade(1)) // no sinks yet
	s := new(tSink)
	r.Attach(s)
	r.PublishTrade(tTrade(2))
	if len(s.ids) != 1 || s.ids[0] != 2 {
		t.Fatalf("relayed %v", s.ids)
	}
}
