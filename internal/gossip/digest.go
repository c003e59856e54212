package gossip

import (
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"regionkv/internal/clock"
)

// Digest is the payload of ping and gossip messages.
type Digest struct {
	From    clock.MemberID
	Members []*Member
}

const (
	digestFrom   protowire.Number = 1
	digestMember protowire.Number = 2

	memberID          protowire.Number = 1
	memberAddr        protowire.Number = 2
	memberStatus      protowire.Number = 3
	memberIncarnation protowire.Number = 4
	memberCritical    protowire.Number = 5
	memberLastSeen    protowire.Number = 6
)

// MarshalBinary encodes the digest as protobuf wire fields.
func (d Digest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, digestFrom, protowire.BytesType)
	b = protowire.AppendString(b, string(d.From))
	for _, m := range d.Members {
		b = protowire.AppendTag(b, digestMember, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMember(nil, m))
	}
	return b, nil
}

func appendMember(b []byte, m *Member) []byte {
	b = protowire.AppendTag(b, memberID, protowire.BytesType)
	b = protowire.AppendString(b, string(m.ID))
	b = protowire.AppendTag(b, memberAddr, protowire.BytesType)
	b = protowire.AppendString(b, m.Addr)
	b = protowire.AppendTag(b, memberStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Status))
	b = protowire.AppendTag(b, memberIncarnation, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Incarnation)
	b = protowire.AppendTag(b, memberCritical, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Critical))
	if !m.LastSeen.IsZero() {
		b = protowire.AppendTag(b, memberLastSeen, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.LastSeen.UnixMilli()))
	}
	return b
}

// UnmarshalBinary decodes a digest. Unknown fields are skipped.
func (d *Digest) UnmarshalBinary(b []byte) error {
	*d = Digest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == digestFrom && typ == protowire.BytesType:
			d.From = clock.MemberID(v)
		case num == digestMember && typ == protowire.BytesType:
			m, err := decodeMember(v)
			if err != nil {
				return err
			}
			d.Members = append(d.Members, m)
		}
		return nil
	})
}

func decodeMember(b []byte) (*Member, error) {
	m := &Member{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case memberID:
			m.ID = clock.MemberID(v)
		case memberAddr:
			m.Addr = string(v)
		case memberStatus:
			if x > uint64(Dead) {
				return errors.Newf("unknown member status %d", x)
			}
			m.Status = Status(x)
		case memberIncarnation:
			m.Incarnation = x
		case memberCritical:
			m.Critical = protowire.DecodeBool(x)
		case memberLastSeen:
			m.LastSeen = time.UnixMilli(int64(x))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.ID.IsNull() {
		return nil, errors.New("member record without id")
	}
	return m, nil
}

// consumeFields walks wire fields, passing bytes fields as v and varint
// fields as x.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
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
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
