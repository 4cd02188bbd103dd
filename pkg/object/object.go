package object

import (
	"encoding/json"
	"fmt"
)

// Header holds the signing metadata shared by payloads and envelopes
type Header struct {
	Type      string `json:"_t"`
	Author    string `json:"_author,omitempty"`
	Time      int64  `json:"_time,omitempty"` // unix milliseconds
	SigPubKey string `json:"_sigPubKey,omitempty"`
	Sig       string `json:"_s,omitempty"`
}

// Countersig is an organizational signature over an already signed object
type Countersig struct {
	Author    string `json:"author"`
	SigPubKey string `json:"sigPubKey,omitempty"`
	Sig       string `json:"sig,omitempty"`
}

// Meta is the virtual sidecar attached to objects after they are read,
// stored or received. It is never serialized.
type Meta struct {
	Link      string
	Permalink string
	Inbound   bool
}

// Signable is implemented by every value that can be signed and linked
type Signable interface {
	// SignedHeader returns the header holding the signature fields
	SignedHeader() *Header
	// SigningBytes returns the canonical bytes covered by the author signature
	SigningBytes() ([]byte, error)
	// LinkBytes returns the canonical bytes the link is derived from
	LinkBytes() ([]byte, error)
	// Meta returns the virtual sidecar
	Meta() *Meta

	rootLink() string
}

// Object is an application payload
type Object struct {
	Header
	PrevLink string         `json:"_p,omitempty"`
	RootLink string         `json:"_r,omitempty"`
	Owners   []string       `json:"_owners,omitempty"`
	Org      *Countersig    `json:"_org,omitempty"`
	Body     map[string]any `json:"body,omitempty"`

	// Virtual captures computed fields a sender tried to supply
	Virtual map[string]any `json:"_virtual,omitempty"`

	meta Meta
}

// New creates an unsigned object of the given type
func New(typ string, body map[string]any) *Object {
	return &Object{Header: Header{Type: typ}, Body: body}
}

func (o *Object) SignedHeader() *Header { return &o.Header }

func (o *Object) Meta() *Meta { return &o.meta }

func (o *Object) rootLink() string { return o.RootLink }

// IsSigned reports whether the object carries an author signature
func (o *Object) IsSigned() bool {
	return o.Sig != "" && o.SigPubKey != ""
}

// SigningBytes returns the canonical form without the author signature,
// the organizational countersignature and virtual fields.
func (o *Object) SigningBytes() ([]byte, error) {
	c := *o
	c.Sig = ""
	c.Org = nil
	c.Virtual = nil
	return marshal(&c)
}

// OrgSigningBytes returns the canonical form covered by the organizational
// countersignature: the author-signed object without the countersignature value.
func (o *Object) OrgSigningBytes() ([]byte, error) {
	if o.Org == nil {
		return nil, fmt.Errorf("object has no organizational signer")
	}
	c := *o
	c.Org = &Countersig{Author: o.Org.Author, SigPubKey: o.Org.SigPubKey}
	c.Virtual = nil
	return marshal(&c)
}

// LinkBytes returns the canonical signed form used to derive the link
func (o *Object) LinkBytes() ([]byte, error) {
	c := *o
	c.Virtual = nil
	return marshal(&c)
}

// Clone returns a deep copy, including the sidecar
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	if o.Owners != nil {
		c.Owners = append([]string(nil), o.Owners...)
	}
	if o.Org != nil {
		org := *o.Org
		c.Org = &org
	}
	if o.Body != nil {
		c.Body = deepCopy(o.Body).(map[string]any)
	}
	if o.Virtual != nil {
		c.Virtual = deepCopy(o.Virtual).(map[string]any)
	}
	return &c
}

// Field returns a body field
func (o *Object) Field(name string) (any, bool) {
	if o.Body == nil {
		return nil, false
	}
	v, ok := o.Body[name]
	return v, ok
}

// Decode parses a JSON encoded object
func Decode(data []byte) (*Object, error) {
	var o Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decoding object: %w", err)
	}
	return &o, nil
}

// Encode serializes the object without its virtual fields
func Encode(o *Object) ([]byte, error) {
	return o.LinkBytes()
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical form: %w", err)
	}
	return data, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
