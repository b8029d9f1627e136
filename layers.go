package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Layer tokens are the short content-address IDs the pull protocol announces
// per filesystem layer, e.g. "6ae821421a7d". Always this width.
const layerTokenWidth = 12

// LayerSequence is an image's layer tokens, oldest first. Two images with
// equal sequences have identical content, regardless of repository or tag. A
// prefix of a sequence is the layer stack of a potential ancestor image.
//
// The persisted database stores a sequence as one concatenated string, so
// that is how we marshal it. In memory we keep explicit tokens to avoid
// ambiguous splitting.
type LayerSequence []string

func parseLayerSequence(s string) (LayerSequence, error) {
	if len(s)%layerTokenWidth != 0 {
		return nil, fmt.Errorf("layer string length %d not a multiple of %d", len(s), layerTokenWidth)
	}
	l := make(LayerSequence, 0, len(s)/layerTokenWidth)
	for i := 0; i < len(s); i += layerTokenWidth {
		l = append(l, s[i:i+layerTokenWidth])
	}
	return l, nil
}

func (l LayerSequence) String() string {
	return strings.Join(l, "")
}

func (l LayerSequence) Equal(o LayerSequence) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix tells whether p is a (possibly complete) prefix of l.
func (l LayerSequence) HasPrefix(p LayerSequence) bool {
	if len(p) > len(l) {
		return false
	}
	return l[:len(p)].Equal(p)
}

func (l LayerSequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *LayerSequence) UnmarshalJSON(buf []byte) error {
	var s string
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	seq, err := parseLayerSequence(s)
	if err != nil {
		return err
	}
	*l = seq
	return nil
}
