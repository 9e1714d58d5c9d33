// Package hashid encodes internal numeric ids into opaque strings for the API
// boundary. Domain code always works with raw ids.
package hashid

import (
	"errors"
	"fmt"

	hashids "github.com/speps/go-hashids/v2"
)

// ErrInvalid is returned for strings that do not decode to exactly one id.
var ErrInvalid = errors.New("invalid_id")

// Codec encodes and decodes ids with a salted alphabet.
type Codec struct {
	h *hashids.HashID
}

// New builds a codec. The same salt must be used by every process serving the API.
func New(salt string, minLength int) (*Codec, error) {
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = minLength
	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, fmt.Errorf("hashid: %w", err)
	}
	return &Codec{h: h}, nil
}

// Encode returns the opaque form of id.
func (c *Codec) Encode(id uint) string {
	s, err := c.h.EncodeInt64([]int64{int64(id)})
	if err != nil {
		// only negative numbers fail to encode
		return ""
	}
	return s
}

// Decode returns the id behind an opaque string.
func (c *Codec) Decode(s string) (uint, error) {
	if s == "" {
		return 0, ErrInvalid
	}
	nums, err := c.h.DecodeInt64WithError(s)
	if err != nil || len(nums) != 1 || nums[0] <= 0 {
		return 0, ErrInvalid
	}
	return uint(nums[0]), nil
}

// DecodeAll decodes every string, failing on the first invalid one.
func (c *Codec) DecodeAll(ss []string) ([]uint, error) {
	ids := make([]uint, 0, len(ss))
	for _, s := range ss {
		id, err := c.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
