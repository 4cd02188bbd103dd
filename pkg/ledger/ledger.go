package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/object"
)

// Direction of a message relative to this node
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Record is a persisted envelope.
//
// (Counterparty, Direction, Seq) is unique. For outbound records the
// counterparty is the recipient, for inbound records it is the author.
type Record struct {
	Link         string    `bson:"_id" json:"link"`
	Counterparty string    `bson:"counterparty" json:"counterparty"`
	Direction    Direction `bson:"direction" json:"direction"`
	Seq          int64     `bson:"seq" json:"seq"`
	Author       string    `bson:"author" json:"author"`
	Recipient    string    `bson:"recipient" json:"recipient"`
	Time         int64     `bson:"time" json:"time"`
	PayloadLink  string    `bson:"payload_link" json:"payloadLink"`
	PayloadType  string    `bson:"payload_type" json:"payloadType"`
	Body         []byte    `bson:"body" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
}

// Backend persists message records.
//
// InsertMessage must enforce uniqueness of (counterparty, direction, seq)
// and of the link in the store itself, returning an error wrapping
// errs.ErrDuplicate on a collision. LastMessage returns the record with the
// highest seq or an error wrapping errs.ErrNotFound.
type Backend interface {
	InsertMessage(ctx context.Context, rec *Record) error
	LastMessage(ctx context.Context, counterparty string, dir Direction) (*Record, error)
	ListMessages(ctx context.Context, counterparty string, dir Direction, afterSeq int64, limit int) ([]*Record, error)
}

// SeqLink is the last sequence number and message link for a recipient.
// Seq is -1 when nothing has been sent.
type SeqLink struct {
	Seq  int64
	Link string
}

// Next returns the sequence number for the next message
func (s SeqLink) Next() int64 {
	return s.Seq + 1
}

// Range selects outbound messages with seq greater than After
type Range struct {
	After int64
	Limit int
}

// Messages is the per-counterparty sequence ledger
type Messages struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a ledger over backend
func New(backend Backend, logger *zap.Logger) *Messages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messages{
		backend: backend,
		logger:  logger.Named("ledger"),
		now:     time.Now,
	}
}

// GetLastSeqAndLink returns the last outbound sequence number and link for recipient
func (m *Messages) GetLastSeqAndLink(ctx context.Context, recipient string) (SeqLink, error) {
	rec, err := m.backend.LastMessage(ctx, recipient, Outbound)
	if errs.IsNotFound(err) {
		return SeqLink{Seq: object.FirstSeq - 1}, nil
	}
	if err != nil {
		return SeqLink{}, fmt.Errorf("reading last message to %s: %w", recipient, err)
	}
	return SeqLink{Seq: rec.Seq, Link: rec.Link}, nil
}

// Save persists msg. The envelope must carry its link in the sidecar.
// A (counterparty, seq) collision returns an error wrapping errs.ErrDuplicate.
func (m *Messages) Save(ctx context.Context, msg *object.Message) error {
	rec, err := m.record(msg)
	if err != nil {
		return err
	}
	if err := m.backend.InsertMessage(ctx, rec); err != nil {
		return fmt.Errorf("saving message %s seq %d: %w", rec.Link, rec.Seq, err)
	}
	m.logger.Debug("Saved message",
		zap.String("link", rec.Link),
		zap.String("direction", string(rec.Direction)),
		zap.String("counterparty", rec.Counterparty),
		zap.Int64("seq", rec.Seq))
	return nil
}

func (m *Messages) record(msg *object.Message) (*Record, error) {
	meta := msg.Meta()
	if meta.Link == "" {
		return nil, fmt.Errorf("%w: message has no link", errs.ErrInvalidMessage)
	}
	body, err := object.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Link:         meta.Link,
		Counterparty: msg.Recipient,
		Direction:    Outbound,
		Seq:          msg.Seq,
		Author:       msg.Author,
		Recipient:    msg.Recipient,
		Time:         msg.Time,
		Body:         body,
		CreatedAt:    m.now().UTC(),
	}
	if meta.Inbound {
		rec.Direction = Inbound
		rec.Counterparty = msg.Author
	}
	if msg.Object != nil {
		rec.PayloadLink = msg.Object.Meta().Link
		rec.PayloadType = msg.Object.Type
	}
	return rec, nil
}

// AssertTimestampIncreased rejects an inbound message older than the last
// message received from the same author. Equal timestamps are accepted.
func (m *Messages) AssertTimestampIncreased(ctx context.Context, msg *object.Message) error {
	last, err := m.backend.LastMessage(ctx, msg.Author, Inbound)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading last message from %s: %w", msg.Author, err)
	}
	if msg.Time < last.Time {
		return fmt.Errorf("%w: %d < %d", errs.ErrTimeTravel, msg.Time, last.Time)
	}
	return nil
}

// ValidateInbound checks the structure of a received envelope
func (m *Messages) ValidateInbound(msg *object.Message) error {
	switch {
	case msg.Type != object.TypeMessage:
		return fmt.Errorf("%w: unexpected envelope type %q", errs.ErrInvalidMessage, msg.Type)
	case msg.Author == "":
		return fmt.Errorf("%w: missing author", errs.ErrInvalidMessage)
	case msg.Recipient == "":
		return fmt.Errorf("%w: missing recipient", errs.ErrInvalidMessage)
	case msg.Seq < object.FirstSeq:
		return fmt.Errorf("%w: negative seq %d", errs.ErrInvalidMessage, msg.Seq)
	case msg.Time <= 0:
		return fmt.Errorf("%w: missing timestamp", errs.ErrInvalidMessage)
	case msg.Object == nil || msg.Object.Type == "":
		return fmt.Errorf("%w: missing payload", errs.ErrInvalidMessage)
	}
	return nil
}

// ListOutbound returns outbound messages to recipient in the given range,
// ordered by seq. Payloads are in their stored form.
func (m *Messages) ListOutbound(ctx context.Context, recipient string, r Range) ([]*object.Message, error) {
	recs, err := m.backend.ListMessages(ctx, recipient, Outbound, r.After, r.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages to %s: %w", recipient, err)
	}
	msgs := make([]*object.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Decode rebuilds the envelope of a record
func Decode(rec *Record) (*object.Message, error) {
	msg, err := object.DecodeMessage(rec.Body)
	if err != nil {
		return nil, err
	}
	msg.Meta().Link = rec.Link
	msg.Meta().Permalink = rec.Link
	msg.Meta().Inbound = rec.Direction == Inbound
	if obj := msg.Object; obj != nil {
		obj.Meta().Link = rec.PayloadLink
		obj.Meta().Permalink = rec.PayloadLink
		if obj.RootLink != "" {
			obj.Meta().Permalink = obj.RootLink
		}
	}
	return msg, nil
}
