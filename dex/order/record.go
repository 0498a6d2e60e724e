// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
)

const (
	// RecordVersion is written to the first two bytes of every log record.
	RecordVersion uint16 = 1
	// TradeLogSize is the fixed byte length of a serialized TradeLog.
	TradeLogSize = 225
	// PositionLogSize is the fixed byte length of a serialized PositionLog.
	PositionLogSize = 188
)

// Serialize renders the fixed 225-byte archival record of the trade.
func (t *TradeLog) Serialize() []byte {
	b := make([]byte, TradeLogSize)
	encode.IntCoder.PutUint16(b[0:2], RecordVersion)
	encode.PutID(b[2:18], t.MatcheePositionID)
	encode.PutID(b[18:34], t.ID)
	t.MatcheePositor.PutEncoded30(b[34:64])
	t.MatcherPositor.PutEncoded30(b[64:94])
	encode.PutU128(b[94:110], t.Tokens)
	encode.PutU128(b[110:126], t.Cycles)
	encode.PutU128(b[126:142], t.Rate)
	b[142] = byte(t.MatcheeKind)
	encode.PutU128(b[143:159], uint128.From64(t.Timestamp))
	encode.PutU128(b[159:175], t.TokensPayoutFee)
	encode.PutU128(b[175:191], t.CyclesPayoutFee)
	encode.PutID(b[191:207], t.MatcherPositionID)
	if d := t.CyclesPayout.Data; d != nil {
		encode.IntCoder.PutUint64(b[207:215], d.LedgerFee.Lo)
		b[223] = encode.Bool(!d.DidTransfer)
	}
	if d := t.TokensPayout.Data; d != nil {
		encode.IntCoder.PutUint64(b[215:223], d.LedgerFee.Lo)
		b[224] = encode.Bool(!d.DidTransfer)
	}
	return b
}

// DecodeTradeLog parses a 225-byte trade record. Payout data is restored as
// far as the record carries it: the ledger fee and whether a transfer was
// made.
func DecodeTradeLog(b []byte) (*TradeLog, error) {
	if len(b) != TradeLogSize {
		return nil, fmt.Errorf("trade record length %d, expected %d", len(b), TradeLogSize)
	}
	if v := encode.IntCoder.Uint16(b[0:2]); v != RecordVersion {
		return nil, fmt.Errorf("unknown trade record version %d", v)
	}
	matchee, err := icrc.DecodePrincipal30(b[34:64])
	if err != nil {
		return nil, fmt.Errorf("matchee positor: %w", err)
	}
	matcher, err := icrc.DecodePrincipal30(b[64:94])
	if err != nil {
		return nil, fmt.Errorf("matcher positor: %w", err)
	}
	kind := PositionKind(b[142])
	if kind > TokenPosition {
		return nil, fmt.Errorf("unknown position kind %d", b[142])
	}
	t := &TradeLog{
		MatcheePositionID: encode.ID(b[2:18]),
		ID:                encode.ID(b[18:34]),
		MatcheePositor:    matchee,
		MatcherPositor:    matcher,
		Tokens:            encode.U128(b[94:110]),
		Cycles:            encode.U128(b[110:126]),
		Rate:              encode.U128(b[126:142]),
		MatcheeKind:       kind,
		Timestamp:         encode.U128(b[143:159]).Lo,
		TokensPayoutFee:   encode.U128(b[159:175]),
		CyclesPayoutFee:   encode.U128(b[175:191]),
		MatcherPositionID: encode.ID(b[191:207]),
	}
	t.CyclesPayout.Data = &PayoutData{
		DidTransfer: b[223] == 0,
		LedgerFee:   uint128.From64(encode.IntCoder.Uint64(b[207:215])),
	}
	t.TokensPayout.Data = &PayoutData{
		DidTransfer: b[224] == 0,
		LedgerFee:   uint128.From64(encode.IntCoder.Uint64(b[215:223])),
	}
	return t, nil
}

// PositionLog is the archival record of a position.
type PositionLog struct {
	ID                uint64
	Positor           icrc.Principal
	Kind              PositionKind
	QuestQuantity     uint128.Uint128
	QuestRate         uint128.Uint128
	Remainder         uint128.Uint128
	FillQuantity      uint128.Uint128
	FillAverageRate   uint128.Uint128
	PayoutsFeesSum    uint128.Uint128
	CreationTimestamp uint64
	Termination       *Termination
	// VoidPayoutDust is set when the returned remainder did not exceed the
	// ledger fee and was collected instead of transferred.
	VoidPayoutDust      bool
	VoidPayoutLedgerFee uint64
}

// Serialize renders the fixed 188-byte archival record.
func (l *PositionLog) Serialize() []byte {
	b := make([]byte, PositionLogSize)
	encode.IntCoder.PutUint16(b[0:2], RecordVersion)
	encode.PutID(b[2:18], l.ID)
	l.Positor.PutEncoded30(b[18:48])
	encode.PutU128(b[48:64], l.QuestQuantity)
	encode.PutU128(b[64:80], l.QuestRate)
	b[80] = byte(l.Kind)
	encode.PutU128(b[81:97], l.Remainder)
	encode.PutU128(b[97:113], l.FillQuantity)
	encode.PutU128(b[113:129], l.FillAverageRate)
	encode.PutU128(b[129:145], l.PayoutsFeesSum)
	encode.PutU128(b[145:161], uint128.From64(l.CreationTimestamp))
	if l.Termination != nil {
		b[161] = 1
		encode.PutU128(b[162:178], uint128.From64(l.Termination.Timestamp))
		b[178] = byte(l.Termination.Cause)
	}
	b[179] = encode.Bool(l.VoidPayoutDust)
	encode.IntCoder.PutUint64(b[180:188], l.VoidPayoutLedgerFee)
	return b
}

// DecodePositionLog parses a 188-byte position record.
func DecodePositionLog(b []byte) (*PositionLog, error) {
	if len(b) != PositionLogSize {
		return nil, fmt.Errorf("position record length %d, expected %d", len(b), PositionLogSize)
	}
	if v := encode.IntCoder.Uint16(b[0:2]); v != RecordVersion {
		return nil, fmt.Errorf("unknown position record version %d", v)
	}
	positor, err := icrc.DecodePrincipal30(b[18:48])
	if err != nil {
		return nil, err
	}
	if b[80] > byte(TokenPosition) {
		return nil, fmt.Errorf("unknown position kind %d", b[80])
	}
	l := &PositionLog{
		ID:                  encode.ID(b[2:18]),
		Positor:             positor,
		Kind:                PositionKind(b[80]),
		QuestQuantity:       encode.U128(b[48:64]),
		QuestRate:           encode.U128(b[64:80]),
		Remainder:           encode.U128(b[81:97]),
		FillQuantity:        encode.U128(b[97:113]),
		FillAverageRate:     encode.U128(b[113:129]),
		PayoutsFeesSum:      encode.U128(b[129:145]),
		CreationTimestamp:   encode.U128(b[145:161]).Lo,
		VoidPayoutDust:      b[179] == 1,
		VoidPayoutLedgerFee: encode.IntCoder.Uint64(b[180:188]),
	}
	if b[161] == 1 {
		cause := TerminationCause(b[178])
		if cause > CauseUserCallVoidPosition {
			return nil, fmt.Errorf("unknown termination cause %d", b[178])
		}
		l.Termination = &Termination{
			Timestamp: encode.U128(b[162:178]).Lo,
			Cause:     cause,
		}
	}
	return l, nil
}

// LogKind selects one of the two archival record formats.
type LogKind uint8

const (
	PositionLogs LogKind = iota
	TradeLogs
)

// String implements Stringer.
func (k LogKind) String() string {
	switch k {
	case PositionLogs:
		return "positions"
	case TradeLogs:
		return "trades"
	}
	return fmt.Sprintf("LogKind(%d)", uint8(k))
}

// ParseLogKind parses the name returned by String.
func ParseLogKind(s string) (LogKind, bool) {
	switch s {
	case "positions":
		return PositionLogs, true
	case "trades":
		return TradeLogs, true
	}
	return 0, false
}

// RecordSize is the fixed length of one record of the kind.
func (k LogKind) RecordSize() int {
	if k == TradeLogs {
		return TradeLogSize
	}
	return PositionLogSize
}

// RecordID extracts the monotone record id.
func (k LogKind) RecordID(rec []byte) uint64 {
	if k == TradeLogs {
		return encode.ID(rec[18:34])
	}
	return encode.ID(rec[2:18])
}

// IndexKeys extracts the secondary index keys of a record: the positor for
// position records, and both position ids for trade records.
func (k LogKind) IndexKeys(rec []byte) [][]byte {
	if k == TradeLogs {
		return [][]byte{rec[2:18], rec[191:207]}
	}
	return [][]byte{rec[18:48]}
}

// PrincipalKey is the index key of a positor's position records.
func PrincipalKey(p icrc.Principal) []byte {
	enc := p.Encode30()
	return enc[:]
}

// PositionKey is the index key of a position's trade records.
func PositionKey(id uint64) []byte {
	return encode.IDBytes(id)
}
