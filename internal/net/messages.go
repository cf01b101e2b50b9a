package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"fillwatch/internal/estimate"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLong     = errors.New("message field too long")
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	Query
)

type ReportMessageType uint8

const (
	FillReport ReportMessageType = iota
	ErrorReport
	HeartbeatReport
)

func (t ReportMessageType) String() string {
	switch t {
	case FillReport:
		return "fill"
	case ErrorReport:
		return "error"
	case HeartbeatReport:
		return "heartbeat"
	}
	return "unknown"
}

type Message interface {
	GetType() MessageType
}

// Message format constants
const (
	BaseMessageHeaderLen  = 2
	QueryMessageHeaderLen = 1
)

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// readMessage reads exactly one message off r.
func readMessage(r io.Reader) (Message, error) {
	header := make([]byte, BaseMessageHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return BaseMessage{}, err
	}

	typeOf := MessageType(binary.BigEndian.Uint16(header))
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case Query:
		return readQuery(r)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// QueryMessage asks for the fill estimate of a market order of Size. Size is
// carried as decimal text so it reaches the book unrounded.
type QueryMessage struct {
	BaseMessage
	SizeLen uint8  // 1 byte
	Size    string // n bytes
}

func (m QueryMessage) OrderSize() (decimal.Decimal, error) {
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", estimate.ErrInvalidSize, m.Size)
	}
	return size, nil
}

func readQuery(r io.Reader) (QueryMessage, error) {
	m := QueryMessage{BaseMessage: BaseMessage{TypeOf: Query}}

	header := make([]byte, QueryMessageHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return QueryMessage{}, err
	}
	m.SizeLen = header[0]

	size := make([]byte, m.SizeLen)
	if _, err := io.ReadFull(r, size); err != nil {
		return QueryMessage{}, err
	}
	m.Size = string(size)
	return m, nil
}

// EncodeQuery builds the wire form of a query for size.
func EncodeQuery(size string) ([]byte, error) {
	if len(size) > 255 {
		return nil, ErrMessageTooLong
	}
	buf := make([]byte, BaseMessageHeaderLen+QueryMessageHeaderLen+len(size))
	binary.BigEndian.PutUint16(buf[0:2], uint16(Query))
	buf[2] = uint8(len(size))
	copy(buf[3:], size)
	return buf, nil
}

func EncodeHeartbeat() []byte {
	buf := make([]byte, BaseMessageHeaderLen)
	binary.BigEndian.PutUint16(buf, uint16(Heartbeat))
	return buf
}

// Report flags
const (
	sellSufficient uint8 = 1 << iota
	buySufficient
)

// Report answers one message. Prices are decimal text; an empty price means
// insufficient liquidity on that side.
type Report struct {
	MessageType ReportMessageType // 1 byte
	Flags       uint8             // 1 byte
	Timestamp   uint64            // 8 bytes
	SequenceID  uint64            // 8 bytes
	UUID        uuid.UUID         // 16 bytes
	SizeLen     uint8             // 1 byte
	SellLen     uint8             // 1 byte
	BuyLen      uint8             // 1 byte
	ErrStrLen   uint16            // 2 bytes
	Size        string            // n bytes
	Sell        string            // n bytes
	Buy         string            // n bytes
	Err         string            // n bytes
}

const ReportFixedHeaderLen = 1 + 1 + 8 + 8 + 16 + 1 + 1 + 1 + 2

func (r Report) SellSufficient() bool { return r.Flags&sellSufficient != 0 }
func (r Report) BuySufficient() bool  { return r.Flags&buySufficient != 0 }

func newFillReport(id uuid.UUID, sequenceID uint64, fill estimate.Fill) Report {
	r := Report{
		MessageType: FillReport,
		Timestamp:   uint64(time.Now().UnixNano()),
		SequenceID:  sequenceID,
		UUID:        id,
		Size:        fill.Size.String(),
	}
	if fill.Sell.Sufficient {
		r.Flags |= sellSufficient
		r.Sell = fill.Sell.Price.String()
	}
	if fill.Buy.Sufficient {
		r.Flags |= buySufficient
		r.Buy = fill.Buy.Price.String()
	}
	return r
}

func newErrorReport(id uuid.UUID, sequenceID uint64, err error) Report {
	return Report{
		MessageType: ErrorReport,
		Timestamp:   uint64(time.Now().UnixNano()),
		SequenceID:  sequenceID,
		UUID:        id,
		Err:         err.Error(),
	}
}

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	if len(r.Size) > 255 || len(r.Sell) > 255 || len(r.Buy) > 255 || len(r.Err) > 65535 {
		return nil, ErrMessageTooLong
	}
	r.SizeLen = uint8(len(r.Size))
	r.SellLen = uint8(len(r.Sell))
	r.BuyLen = uint8(len(r.Buy))
	r.ErrStrLen = uint16(len(r.Err))

	totalSize := ReportFixedHeaderLen + len(r.Size) + len(r.Sell) + len(r.Buy) + len(r.Err)
	buf := make([]byte, totalSize)
	buf[0] = byte(r.MessageType)
	buf[1] = r.Flags
	binary.BigEndian.PutUint64(buf[2:10], r.Timestamp)
	binary.BigEndian.PutUint64(buf[10:18], r.SequenceID)
	copy(buf[18:34], r.UUID[:])
	buf[34] = r.SizeLen
	buf[35] = r.SellLen
	buf[36] = r.BuyLen
	binary.BigEndian.PutUint16(buf[37:39], r.ErrStrLen)

	offset := ReportFixedHeaderLen
	for _, field := range []string{r.Size, r.Sell, r.Buy, r.Err} {
		offset += copy(buf[offset:], field)
	}
	return buf, nil
}

// ReadReport reads exactly one report off r.
func ReadReport(r io.Reader) (Report, error) {
	header := make([]byte, ReportFixedHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Report{}, err
	}

	report := Report{
		MessageType: ReportMessageType(header[0]),
		Flags:       header[1],
		Timestamp:   binary.BigEndian.Uint64(header[2:10]),
		SequenceID:  binary.BigEndian.Uint64(header[10:18]),
		SizeLen:     header[34],
		SellLen:     header[35],
		BuyLen:      header[36],
		ErrStrLen:   binary.BigEndian.Uint16(header[37:39]),
	}
	copy(report.UUID[:], header[18:34])

	body := make([]byte, int(report.SizeLen)+int(report.SellLen)+int(report.BuyLen)+int(report.ErrStrLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return Report{}, fmt.Errorf("unable to read report body: %w", err)
	}

	offset := 0
	next := func(n int) string {
		s := string(body[offset : offset+n])
		offset += n
		return s
	}
	report.Size = next(int(report.SizeLen))
	report.Sell = next(int(report.SellLen))
	report.Buy = next(int(report.BuyLen))
	report.Err = next(int(report.ErrStrLen))
	return report, nil
}
