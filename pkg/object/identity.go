package object

// Key purposes
const (
	PurposeSign = "sign"
)

// PubKey is a public key listed in an identity
type PubKey struct {
	Type    string `json:"type"`
	Purpose string `json:"purpose"`
	Pub     string `json:"pub"`
}

// NewIdentity builds an unsigned identity object listing keys
func NewIdentity(keys ...PubKey) *Object {
	list := make([]any, 0, len(keys))
	for _, k := range keys {
		list = append(list, map[string]any{
			"type":    k.Type,
			"purpose": k.Purpose,
			"pub":     k.Pub,
		})
	}
	return New(TypeIdentity, map[string]any{"pubkeys": list})
}

// PubKeys returns the keys listed in an identity object
func PubKeys(ident *Object) []PubKey {
	raw, ok := ident.Field("pubkeys")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	keys := make([]PubKey, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var k PubKey
		k.Type, _ = m["type"].(string)
		k.Purpose, _ = m["purpose"].(string)
		k.Pub, _ = m["pub"].(string)
		if k.Pub != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// HasSigningKey reports whether pub is listed as a signing key of ident
func HasSigningKey(ident *Object, pub string) bool {
	for _, k := range PubKeys(ident) {
		if k.Pub == pub && (k.Purpose == "" || k.Purpose == PurposeSign) {
			return true
		}
	}
	return false
}
