// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
)

// Error codes
const (
	RPCErrorUnspecified    = iota // 0
	RPCParseError                 // 1
	RPCUnknownRoute               // 2
	RPCInternal                   // 3
	UnauthorizedConnection        // 4
	TooManyRequestsError          // 5
	InvalidRequestError           // 6
	// The trade contract rejections follow. Their names match the rejection
	// they carry.
	MinimumPositionError                      // 7
	RateCannotBeZeroError                     // 8
	BalanceLockedError                        // 9
	MarketBusyError                           // 10
	MarketFullError                           // 11
	CreatePositionLedgerTransferCallErrorCode // 12
	CreatePositionLedgerTransferErrorCode     // 13
	LedgerTransferCallErrorCode               // 14
	LedgerTransferErrorCode                   // 15
	WrongCallerError                          // 16
	MinimumWaitTimeError                      // 17
	PositionNotFoundError                     // 18
	CandleSegmentError                        // 19
	UnknownStorageNodeError                   // 20
)

// Routes are destinations for a "payload" of data. The type of data being
// delivered, and what kind of action is expected from the receiving party, is
// completely dependent on the route.
const (
	// TradeCyclesRoute is the caller request to offer cycles for tokens.
	TradeCyclesRoute = "trade_cycles"
	// TradeTokensRoute is the caller request to offer tokens for cycles.
	TradeTokensRoute = "trade_tokens"
	// VoidPositionRoute is the caller request to terminate a resting
	// position.
	VoidPositionRoute = "void_position"
	// TransferBalanceRoute moves funds out of the caller's deposit
	// subaccount.
	TransferBalanceRoute = "transfer_balance"
	// DepositAccountRoute returns the account the caller funds to trade.
	DepositAccountRoute = "deposit_account"
	// DepositBalanceRoute returns the caller's deposit subaccount balance.
	DepositBalanceRoute = "deposit_balance"
	// PositionBookRoute is the aggregated book of one side.
	PositionBookRoute = "position_book"
	// LatestTradesRoute lists the trades still held by the market.
	LatestTradesRoute = "latest_trades"
	// CandlesRoute is the request for candlesticks of market activity.
	CandlesRoute = "candles"
	// VolumeStatsRoute returns the trailing trade volumes.
	VolumeStatsRoute = "volume_stats"
	// UserPositionsRoute returns the serialized resting positions of a
	// positor.
	UserPositionsRoute = "user_current_positions"
	// VoidPositionsPendingRoute returns the serialized unsettled void
	// positions of a positor.
	VoidPositionsPendingRoute = "void_positions_pending"
	// StorageNodesRoute lists the storage nodes of a log kind.
	StorageNodesRoute = "storage_nodes"
	// TradeRoute is the market-originating notification of a settled trade.
	TradeRoute = "trade"
)

const errNullRespPayload = dex.ErrorKind("null response payload")

// Bytes is hex encoded on the wire. null and "" both decode to nil.
type Bytes []byte

func (b Bytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON encodes b as a hex string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON decodes a hex string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("bytes must be a hex string: %w", err)
	}
	if s == "" {
		*b = nil
		return nil
	}
	dec, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = dec
	return nil
}

// Amount is a 128-bit quantity or rate. It is encoded as a decimal string
// since JSON numbers lose precision past 53 bits.
type Amount uint128.Uint128

// NewAmount wraps a uint128.
func NewAmount(u uint128.Uint128) Amount {
	return Amount(u)
}

// U128 unwraps the Amount.
func (a Amount) U128() uint128.Uint128 {
	return uint128.Uint128(a)
}

func (a Amount) String() string {
	return uint128.Uint128(a).String()
}

// MarshalJSON encodes the Amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	u, err := uint128.FromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	*a = Amount(u)
	return nil
}

// OptAmount converts a nullable Amount.
func OptAmount(a *Amount) *uint128.Uint128 {
	if a == nil {
		return nil
	}
	u := a.U128()
	return &u
}

// Error is returned as part of the Response to indicate that an error
// occurred during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data carries structured details of some rejections, such as the
	// minimums of MinimumPositionError.
	Data json.RawMessage `json:"data,omitempty"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// WithData attaches structured details. Encoding failures are dropped.
func (e *Error) WithData(data any) *Error {
	if b, err := json.Marshal(data); err == nil {
		e.Data = b
	}
	return e
}

// ResponsePayload is the payload for a Response-type Message.
type ResponsePayload struct {
	// Result is the payload, if successful, else nil.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error, or nil if none was encountered.
	Error *Error `json:"error,omitempty"`
}

// MessageType indicates the type of message.
type MessageType uint8

const (
	InvalidMessageType MessageType = iota // 0
	Request                               // 1
	Response                              // 2
	Notification                          // 3
)

func (mt MessageType) String() string {
	switch mt {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notification:
		return "notification"
	default:
		return "unknown MessageType"
	}
}

// Message is the envelope of websocket traffic.
type Message struct {
	Type MessageType `json:"type"`
	// Route names the handler of a request or the topic of a notification.
	Route string `json:"route,omitempty"`
	// ID links a response to its request.
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes. The *Message
// may be nil even if error is nil, when the message is JSON null.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewRequest is the constructor for a Request-type *Message.
func NewRequest(id uint64, route string, payload any) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a request-type message")
	}
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of request-type message")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Request,
		Payload: encoded,
		Route:   route,
		ID:      id,
	}, nil
}

// NewResponse encodes the result and creates a Response-type *Message.
func NewResponse(id uint64, result any, rpcErr *Error) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for response-type message")
	}
	encResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	encResp, err := json.Marshal(&ResponsePayload{
		Result: encResult,
		Error:  rpcErr,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Response,
		Payload: encResp,
		ID:      id,
	}, nil
}

// Response decodes the payload of a Response-type Message.
func (msg *Message) Response() (*ResponsePayload, error) {
	if msg.Type != Response {
		return nil, fmt.Errorf("invalid type %d for ResponsePayload", msg.Type)
	}
	resp := new(ResponsePayload)
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return nil, err
	}
	if resp == nil /* null JSON */ {
		return nil, errNullRespPayload
	}
	return resp, nil
}

// NewNotification encodes the payload and creates a Notification-type *Message.
func NewNotification(route string, payload any) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Notification,
		Route:   route,
		Payload: encPayload,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface.
func (msg *Message) Unmarshal(payload any) error {
	return json.Unmarshal(msg.Payload, payload)
}

// UnmarshalResult decodes the Result field of a ResponsePayload.
func (msg *Message) UnmarshalResult(result any) error {
	resp, err := msg.Response()
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc error: %w", resp.Error)
	}
	return json.Unmarshal(resp.Result, result)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// TradeRequest is the payload of trade_cycles and trade_tokens. Quantity is
// in the offered asset. ReturnTo and PayoutTo are 32-byte subaccounts of the
// caller.
type TradeRequest struct {
	Quantity  Amount  `json:"quantity"`
	Rate      Amount  `json:"cyclesPerToken"`
	LedgerFee *Amount `json:"ledgerFee,omitempty"`
	ReturnTo  Bytes   `json:"returnTo,omitempty"`
	PayoutTo  Bytes   `json:"payoutTo,omitempty"`
}

// TradeResult is the result of a trade request.
type TradeResult struct {
	PositionID uint64 `json:"positionID"`
}

// MinimumPositionData accompanies MinimumPositionError.
type MinimumPositionData struct {
	MinimumCycles Amount `json:"minimumCycles"`
	MinimumTokens Amount `json:"minimumTokens"`
}

// MarketFullData accompanies MarketFullError. A position must beat Rate with
// at least Quantity to bump the worst resting position.
type MarketFullData struct {
	Rate     Amount `json:"minimumRate"`
	Quantity Amount `json:"minimumQuantity"`
}

// VoidPositionRequest is the payload of void_position.
type VoidPositionRequest struct {
	PositionID uint64 `json:"positionID"`
}

// Account is a ledger account. Owner is principal text.
type Account struct {
	Owner      string `json:"owner"`
	Subaccount Bytes  `json:"subaccount,omitempty"`
}

// TransferBalanceRequest is the payload of transfer_balance. Side is "cycles"
// or "tokens".
type TransferBalanceRequest struct {
	Side      string  `json:"side"`
	Amount    Amount  `json:"amount"`
	LedgerFee *Amount `json:"ledgerFee,omitempty"`
	To        Account `json:"to"`
}

// TransferBalanceResult carries the ledger block index.
type TransferBalanceResult struct {
	BlockIndex Amount `json:"blockIndex"`
}

// DepositAccountRequest is the payload of deposit_account.
type DepositAccountRequest struct {
	Side string `json:"side"`
}

// DepositBalanceResult is the response to deposit_balance, which takes a
// DepositAccountRequest.
type DepositBalanceResult struct {
	Balance Amount `json:"balance"`
}

// PositionBookRequest is the payload of position_book. Kind is "cycles" or
// "tokens".
type PositionBookRequest struct {
	Kind             string  `json:"kind"`
	StartGreaterThan *Amount `json:"startGreaterThanRate,omitempty"`
}

// RateQuantity is the total quantity resting at a rate.
type RateQuantity struct {
	Rate     Amount `json:"rate"`
	Quantity Amount `json:"quantity"`
}

// PositionBook is the result of position_book.
type PositionBook struct {
	Quantities  []RateQuantity `json:"quantities"`
	IsLastChunk bool           `json:"isLastChunk"`
}

// LatestTradesRequest is the payload of latest_trades.
type LatestTradesRequest struct {
	StartBeforeID *uint64 `json:"startBeforeID,omitempty"`
}

// TradeData is one row of LatestTrades.
type TradeData struct {
	ID            uint64 `json:"id"`
	Tokens        Amount `json:"tokens"`
	Rate          Amount `json:"rate"`
	TimestampSecs uint64 `json:"timestampSecs"`
}

// LatestTrades is the result of latest_trades.
type LatestTrades struct {
	Trades      []TradeData `json:"trades"`
	IsLastChunk bool        `json:"isLastChunk"`
}

// CandlesRequest is the payload of candles. StartBefore is in epoch
// nanoseconds.
type CandlesRequest struct {
	SegmentMinutes uint64  `json:"segmentMinutes"`
	StartBefore    *uint64 `json:"startBefore,omitempty"`
}

// Candle is the activity over one segment.
type Candle struct {
	StartTime    uint64 `json:"startTime"`
	VolumeCycles Amount `json:"volumeCycles"`
	VolumeTokens Amount `json:"volumeTokens"`
	Open         Amount `json:"open"`
	High         Amount `json:"high"`
	Low          Amount `json:"low"`
	Close        Amount `json:"close"`
}

// Candles is the result of candles.
type Candles struct {
	Candles         []Candle `json:"candles"`
	IsEarliestChunk bool     `json:"isEarliestChunk"`
}

// Volumes are trailing window volumes.
type Volumes struct {
	Day     Amount `json:"day"`
	Week    Amount `json:"week"`
	Month   Amount `json:"month"`
	AllTime Amount `json:"allTime"`
}

// VolumeStats is the result of volume_stats.
type VolumeStats struct {
	Cycles Volumes `json:"cycles"`
	Tokens Volumes `json:"tokens"`
}

// PositorLogsRequest is the payload of user_current_positions and
// void_positions_pending. Positor defaults to the caller.
type PositorLogsRequest struct {
	Positor       string  `json:"positor,omitempty"`
	StartBeforeID *uint64 `json:"startBeforeID,omitempty"`
}

// PositorLogs carries concatenated position log records.
type PositorLogs struct {
	RecordSize int   `json:"recordSize"`
	Records    Bytes `json:"records"`
}

// StorageNodesRequest is the payload of storage_nodes. Kind is "positions"
// or "trades".
type StorageNodesRequest struct {
	Kind string `json:"kind"`
}

// StorageNode describes one storage node.
type StorageNode struct {
	ID         string `json:"id"`
	FirstLogID uint64 `json:"firstLogID"`
	Count      uint64 `json:"count"`
	Full       bool   `json:"full"`
}

// TradeNote is the payload of a trade notification.
type TradeNote struct {
	ID                uint64 `json:"id"`
	MatcheePositionID uint64 `json:"matcheePositionID"`
	MatcherPositionID uint64 `json:"matcherPositionID"`
	MatcheeKind       string `json:"matcheeKind"`
	Tokens            Amount `json:"tokens"`
	Cycles            Amount `json:"cycles"`
	Rate              Amount `json:"rate"`
	Timestamp         uint64 `json:"timestamp"`
}
