package transport

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"regionkv/internal/clock"
	"regionkv/internal/repair"
	"regionkv/internal/wire"
)

// putAllRequest wraps an encoded batch with the sender's identity.
type putAllRequest struct {
	From  clock.MemberID
	Batch []byte
}

func (m *putAllRequest) MarshalBinary() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(m.From))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Batch)
	return b, nil
}

func (m *putAllRequest) UnmarshalBinary(b []byte) error {
	*m = putAllRequest{}
	return walk(b, func(num protowire.Number, v []byte, _ uint64) {
		switch num {
		case 1:
			m.From = clock.MemberID(v)
		case 2:
			m.Batch = append([]byte(nil), v...)
		}
	})
}

type fetchRequest struct {
	Region string
	Key    string
}

func (m *fetchRequest) MarshalBinary() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Region)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Key)
	return b, nil
}

func (m *fetchRequest) UnmarshalBinary(b []byte) error {
	*m = fetchRequest{}
	return walk(b, func(num protowire.Number, v []byte, _ uint64) {
		switch num {
		case 1:
			m.Region = string(v)
		case 2:
			m.Key = string(v)
		}
	})
}

// fetchResponse carries a repair.Snapshot.
type fetchResponse struct {
	repair.Snapshot
}

func (m *fetchResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Found))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Tombstone))
	if m.Value != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Value)
	}
	if m.Tag != nil {
		w := wire.NewWriter(24)
		m.Tag.Encode(w, true)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Bytes())
	}
	return b, nil
}

func (m *fetchResponse) UnmarshalBinary(b []byte) error {
	*m = fetchResponse{}
	var tagErr error
	err := walk(b, func(num protowire.Number, v []byte, x uint64) {
		switch num {
		case 1:
			m.Found = protowire.DecodeBool(x)
		case 2:
			m.Tombstone = protowire.DecodeBool(x)
		case 3:
			m.Value = append([]byte{}, v...)
		case 4:
			m.Tag, tagErr = clock.DecodeTag(wire.NewReader(v))
		}
	})
	if err != nil {
		return err
	}
	return errors.Wrap(tagErr, "snapshot tag")
}

// frame is an opaque payload decoded by its owner, used for messages that
// implement their own binary form.
type frame struct {
	b []byte
}

func (f *frame) MarshalBinary() ([]byte, error) { return f.b, nil }

func (f *frame) UnmarshalBinary(b []byte) error {
	f.b = append(f.b[:0], b...)
	return nil
}

// walk visits each field of a protobuf-encoded message.
func walk(b []byte, fn func(num protowire.Number, v []byte, x uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "field tag")
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		fn(num, v, x)
	}
	return nil
}
