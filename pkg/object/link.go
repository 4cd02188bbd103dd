package object

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// LinkOf derives the content link of a signed value
func LinkOf(v Signable) (string, error) {
	data, err := v.LinkBytes()
	if err != nil {
		return "", err
	}
	return Sum(data)
}

// Sum returns a CIDv1 string using the raw multicodec and a sha2-256 multihash
func Sum(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// IsLink reports whether s parses as a content identifier
func IsLink(s string) bool {
	if s == "" {
		return false
	}
	_, err := cid.Decode(s)
	return err == nil
}

// Stamp computes the link and permalink of v and records them in its sidecar
func Stamp(v Signable) error {
	link, err := LinkOf(v)
	if err != nil {
		return err
	}
	meta := v.Meta()
	meta.Link = link
	meta.Permalink = link
	if root := v.rootLink(); root != "" {
		meta.Permalink = root
	}
	return nil
}

// PermalinkOf returns the permalink recorded for an object, deriving it if needed
func PermalinkOf(o *Object) (string, error) {
	if o.meta.Permalink != "" {
		return o.meta.Permalink, nil
	}
	if err := Stamp(o); err != nil {
		return "", err
	}
	return o.meta.Permalink, nil
}
