package object

import (
	"encoding/json"
)

// Payload types with protocol meaning
const (
	TypeIdentity               = "courier.Identity"
	TypeSelfIntroduction       = "courier.SelfIntroduction"
	TypeIntroduction           = "courier.Introduction"
	TypeIdentityPublishRequest = "courier.IdentityPublishRequest"
	TypeMessage                = "courier.Message"
)

// Kind classifies a payload by its declared type
type Kind int

const (
	KindOther Kind = iota
	KindIdentity
	KindSelfIntroduction
	KindIntroduction
	KindIdentityPublishRequest
	KindMessage
)

var kindNames = map[Kind]string{
	KindOther:                  "other",
	KindIdentity:               "identity",
	KindSelfIntroduction:       "self-introduction",
	KindIntroduction:           "introduction",
	KindIdentityPublishRequest: "identity-publish-request",
	KindMessage:                "message",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IntroducesIdentity reports whether payloads of this kind register the
// identity they carry as a contact of the receiver.
func (k Kind) IntroducesIdentity() bool {
	switch k {
	case KindIdentity, KindSelfIntroduction, KindIdentityPublishRequest:
		return true
	}
	return false
}

// Classify returns the kind of a payload
func Classify(o *Object) Kind {
	if o == nil {
		return KindOther
	}
	switch o.Type {
	case TypeIdentity:
		return KindIdentity
	case TypeSelfIntroduction:
		return KindSelfIntroduction
	case TypeIntroduction:
		return KindIntroduction
	case TypeIdentityPublishRequest:
		return KindIdentityPublishRequest
	case TypeMessage:
		return KindMessage
	}
	return KindOther
}

// EmbeddedIdentity returns the identity carried by a payload. An identity
// payload is its own embedded identity; introductions and publish requests
// carry it in the "identity" body field.
func EmbeddedIdentity(o *Object) (*Object, bool) {
	switch Classify(o) {
	case KindIdentity:
		return o, true
	case KindSelfIntroduction, KindIntroduction, KindIdentityPublishRequest:
	default:
		return nil, false
	}

	raw, ok := o.Field("identity")
	if !ok || raw == nil {
		return nil, false
	}

	var ident *Object
	switch v := raw.(type) {
	case *Object:
		ident = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var decoded Object
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, false
		}
		ident = &decoded
	}
	if ident.Type != TypeIdentity {
		return nil, false
	}
	return ident, true
}
