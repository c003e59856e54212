package event

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// CounterCodecName names CounterCodec in region configuration.
const CounterCodecName = "counter"

// CounterCodec decodes values holding a decimal int64. A delta is a signed
// decimal increment.
var CounterCodec DeltaCodec = DeltaCodecFunc(func(b []byte) (DeltaValue, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "counter value %q", b)
	}
	return &counter{n: n}, nil
})

// LookupDeltaCodec returns the built-in codec called name.
func LookupDeltaCodec(name string) (DeltaCodec, bool) {
	switch name {
	case CounterCodecName:
		return CounterCodec, true
	}
	return nil, false
}

type counter struct{ n int64 }

func (c *counter) ApplyDelta(delta []byte) error {
	inc, err := strconv.ParseInt(string(delta), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "counter delta %q", delta)
	}
	c.n += inc
	return nil
}

func (c *counter) MarshalBinary() ([]byte, error) { return strconv.AppendInt(nil, c.n, 10), nil }

func (c *counter) ForceRecalculateSize() bool { return false }
