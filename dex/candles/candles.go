// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package candles

import (
	"errors"
	"sort"
	"time"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
)

const (
	// MinuteNanos is the width of the base segment.
	MinuteNanos = uint64(time.Minute)
	// MaxCandlesResponse is the most candles returned by one ViewCandles call,
	// keeping a reply well under 1.5 MiB.
	MaxCandlesResponse = 10_000
)

// SegmentLengths are the supported candle widths in minutes.
var SegmentLengths = []uint64{1, 5, 15, 30, 60, 120, 360, 1440}

// ErrBadSegmentLength is returned for a width not in SegmentLengths.
var ErrBadSegmentLength = errors.New("unsupported candle segment length")

// Candle is the trading activity over one segment. StartTime is in epoch
// nanoseconds, aligned to the segment width.
type Candle struct {
	StartTime    uint64
	VolumeCycles dex.Cycles
	VolumeTokens dex.Tokens
	Open         dex.CyclesPerToken
	High         dex.CyclesPerToken
	Low          dex.CyclesPerToken
	Close        dex.CyclesPerToken
}

// Aggregator accumulates trades into one-minute candles. The zero value is
// ready to use. Fields are exported for snapshotting; callers synchronize.
type Aggregator struct {
	Segments      []Candle
	AllTimeCycles dex.Cycles
	AllTimeTokens dex.Tokens
}

// CountTrade adds a trade to the current minute, opening a new minute if the
// trade is past the last one.
func (a *Aggregator) CountTrade(timestampNanos uint64, rate dex.CyclesPerToken, cycles dex.Cycles, tokens dex.Tokens) {
	a.AllTimeCycles = calc.SatAdd(a.AllTimeCycles, cycles)
	a.AllTimeTokens = calc.SatAdd(a.AllTimeTokens, tokens)

	start := timestampNanos / MinuteNanos * MinuteNanos
	n := len(a.Segments)
	if n == 0 || a.Segments[n-1].StartTime < start {
		a.Segments = append(a.Segments, Candle{
			StartTime:    start,
			VolumeCycles: cycles,
			VolumeTokens: tokens,
			Open:         rate,
			High:         rate,
			Low:          rate,
			Close:        rate,
		})
		return
	}
	last := &a.Segments[n-1]
	last.High = calc.Max(last.High, rate)
	last.Low = calc.Min(last.Low, rate)
	last.Close = rate
	last.VolumeCycles = calc.SatAdd(last.VolumeCycles, cycles)
	last.VolumeTokens = calc.SatAdd(last.VolumeTokens, tokens)
}

func validSegmentLength(minutes uint64) bool {
	for _, l := range SegmentLengths {
		if l == minutes {
			return true
		}
	}
	return false
}

// fold merges the later candle c into the earlier candle into.
func fold(into *Candle, c *Candle) {
	into.High = calc.Max(into.High, c.High)
	into.Low = calc.Min(into.Low, c.Low)
	into.Close = c.Close
	into.VolumeCycles = calc.SatAdd(into.VolumeCycles, c.VolumeCycles)
	into.VolumeTokens = calc.SatAdd(into.VolumeTokens, c.VolumeTokens)
}

// ViewCandles returns up to MaxCandlesResponse candles of the given width in
// minutes, oldest first, all starting strictly before startBefore if it is
// non-nil. isEarliest is true when no older candle exists.
func (a *Aggregator) ViewCandles(segmentMinutes uint64, startBefore *uint64) (cs []Candle, isEarliest bool, err error) {
	if !validSegmentLength(segmentMinutes) {
		return nil, false, ErrBadSegmentLength
	}
	width := segmentMinutes * MinuteNanos
	end := len(a.Segments)
	if startBefore != nil {
		end = sort.Search(len(a.Segments), func(i int) bool {
			return a.Segments[i].StartTime >= *startBefore
		})
	}

	// Walk backward, folding minutes into segments, then reverse.
	i := end - 1
	for ; i >= 0 && len(cs) < MaxCandlesResponse; i-- {
		seg := a.Segments[i]
		segStart := seg.StartTime / width * width
		if startBefore != nil && segStart >= *startBefore {
			continue
		}
		if k := len(cs) - 1; k >= 0 && cs[k].StartTime == segStart {
			// seg is earlier than everything folded so far.
			c := seg
			c.StartTime = segStart
			fold(&c, &cs[k])
			cs[k] = c
			continue
		}
		seg.StartTime = segStart
		cs = append(cs, seg)
	}
	// A full reply may have stopped partway through the oldest segment. Drop
	// it; the next page starts before the newest returned candle's start.
	if i >= 0 && len(cs) == MaxCandlesResponse {
		if a.Segments[i].StartTime/width*width == cs[len(cs)-1].StartTime {
			cs = cs[:len(cs)-1]
		}
	}
	for l, r := 0, len(cs)-1; l < r; l, r = l+1, r-1 {
		cs[l], cs[r] = cs[r], cs[l]
	}
	return cs, i < 0, nil
}

// Volumes are trade volumes over trailing windows.
type Volumes struct {
	Day     uint128.Uint128
	Week    uint128.Uint128
	Month   uint128.Uint128
	AllTime uint128.Uint128
}

// VolumeStats are the cycles and token volumes.
type VolumeStats struct {
	Cycles Volumes
	Tokens Volumes
}

func (a *Aggregator) since(t uint64) (cycles, tokens uint128.Uint128) {
	from := sort.Search(len(a.Segments), func(i int) bool {
		return a.Segments[i].StartTime >= t
	})
	for _, c := range a.Segments[from:] {
		cycles = calc.SatAdd(cycles, c.VolumeCycles)
		tokens = calc.SatAdd(tokens, c.VolumeTokens)
	}
	return
}

// VolumeStats computes 24h, 7d and 30d volumes at now, plus the all-time
// totals.
func (a *Aggregator) VolumeStats(now time.Time) VolumeStats {
	var vs VolumeStats
	at := func(d time.Duration) uint64 {
		t := now.Add(-d).UnixNano()
		if t < 0 {
			return 0
		}
		return uint64(t) / MinuteNanos * MinuteNanos
	}
	vs.Cycles.Day, vs.Tokens.Day = a.since(at(24 * time.Hour))
	vs.Cycles.Week, vs.Tokens.Week = a.since(at(7 * 24 * time.Hour))
	vs.Cycles.Month, vs.Tokens.Month = a.since(at(30 * 24 * time.Hour))
	vs.Cycles.AllTime, vs.Tokens.AllTime = a.AllTimeCycles, a.AllTimeTokens
	return vs
}
