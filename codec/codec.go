// Package codec implements the serializer capability on bytedance/sonic using the
// encoding/json compatible configuration.
package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// JSON is the default Serializer.
type JSON struct {
	api sonic.API
}

var _ cbus.Serializer = JSON{}

// NewJSON returns a JSON serializer that behaves like encoding/json.
func NewJSON() JSON { return JSON{api: sonic.ConfigStd} }

func (j JSON) config() sonic.API {
	if j.api == nil {
		return sonic.ConfigStd
	}

	return j.api
}

// Marshal encodes v.
func (j JSON) Marshal(v any) ([]byte, error) {
	b, err := j.config().Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, joinSerialization(err))
	}

	return b, nil
}

// Unmarshal decodes data into v.
func (j JSON) Unmarshal(data []byte, v any) error {
	if err := j.config().Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, joinSerialization(err))
	}

	return nil
}

// Convert re-shapes src into dst by encoding and decoding it with s.
// It is how activity arguments and compensation checkpoints move between
// loosely typed maps and the embedder's own types.
func Convert(s cbus.Serializer, src, dst any) error {
	b, err := s.Marshal(src)
	if err != nil {
		return err
	}

	return s.Unmarshal(b, dst)
}

// ToMap encodes v and decodes it into a generic object map.
func ToMap(s cbus.Serializer, v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}

	out := map[string]any{}
	if err := Convert(s, v, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func joinSerialization(err error) error {
	return fmt.Errorf("%w: %w", berr.ErrSerializationFailed, err)
}
