package object

import (
	"encoding/json"
	"fmt"
)

// FirstSeq is the sequence number of the first message sent to a recipient
const FirstSeq int64 = 0

// Message is the signed envelope carrying a payload to a recipient
type Message struct {
	Header
	Recipient string         `json:"recipient"`
	Seq       int64          `json:"seq"`
	Prev      string         `json:"prev,omitempty"`
	Object    *Object        `json:"object"`
	Seal      *SealRef       `json:"seal,omitempty"`
	Context   string         `json:"context,omitempty"`
	Other     map[string]any `json:"other,omitempty"`

	// Virtual captures computed fields a sender tried to supply
	Virtual map[string]any `json:"_virtual,omitempty"`

	meta Meta
}

// SealRef anchors a payload to an external ledger
type SealRef struct {
	Network        string `json:"network"`
	Blockchain     string `json:"blockchain"`
	Curve          string `json:"curve,omitempty"`
	BasePubKey     Bytes  `json:"basePubKey,omitempty"`
	HeaderHash     string `json:"headerHash,omitempty"`
	PrevHeaderHash string `json:"prevHeaderHash,omitempty"`
	Link           string `json:"link"`
	PrevLink       string `json:"prevlink,omitempty"`
}

func (m *Message) SignedHeader() *Header { return &m.Header }

func (m *Message) Meta() *Meta { return &m.meta }

func (m *Message) rootLink() string { return "" }

// SigningBytes returns the canonical envelope without its signature
func (m *Message) SigningBytes() ([]byte, error) {
	c := m.canonical()
	c.Sig = ""
	return marshal(c)
}

// LinkBytes returns the canonical signed envelope
func (m *Message) LinkBytes() ([]byte, error) {
	return marshal(m.canonical())
}

func (m *Message) canonical() *Message {
	c := *m
	c.Virtual = nil
	if c.Object != nil && c.Object.Virtual != nil {
		o := *c.Object
		o.Virtual = nil
		c.Object = &o
	}
	return &c
}

// StripVirtual removes computed fields supplied by a sender and reports
// whether any were present.
func (m *Message) StripVirtual() bool {
	found := m.Virtual != nil
	m.Virtual = nil
	if m.Object != nil && m.Object.Virtual != nil {
		found = true
		m.Object.Virtual = nil
	}
	return found
}

// Clone returns a deep copy of the envelope and its payload
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Object = m.Object.Clone()
	if m.Seal != nil {
		s := *m.Seal
		s.BasePubKey = m.Seal.BasePubKey.Canonical()
		c.Seal = &s
	}
	if m.Other != nil {
		c.Other = deepCopy(m.Other).(map[string]any)
	}
	if m.Virtual != nil {
		c.Virtual = deepCopy(m.Virtual).(map[string]any)
	}
	return &c
}

// WithObject returns a shallow copy of the envelope carrying obj
func (m *Message) WithObject(obj *Object) *Message {
	c := *m
	c.Object = obj
	return &c
}

// DecodeMessage parses a JSON encoded envelope
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// EncodeMessage serializes the envelope without virtual fields
func EncodeMessage(m *Message) ([]byte, error) {
	return m.LinkBytes()
}

// NormalizeBinary rewrites binary fields of the envelope into their
// canonical form.
func NormalizeBinary(m *Message) {
	if m.Seal != nil {
		m.Seal.BasePubKey = m.Seal.BasePubKey.Canonical()
	}
}
