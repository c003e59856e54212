package putall

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"regionkv/internal/clock"
	"regionkv/internal/event"
)

func genBytes() gopter.Gen {
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 1, Gen: gen.Const([]byte(nil))},
		{Weight: 4, Gen: gen.SliceOf(gen.UInt8(), reflect.TypeOf(byte(0)))},
	})
}

func genTag() gopter.Gen {
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 1, Gen: gen.Const((*clock.VersionTag)(nil))},
		{Weight: 4, Gen: gopter.CombineGens(
			gen.OneConstOf(clock.NoMember, clock.MemberID("m1"), clock.MemberID("m2"), clock.MemberID("m3")),
			gen.UInt32(),
			gen.UInt64(),
			gen.Int64(),
			gen.Bool(),
			gen.Bool(),
		).Map(func(v []interface{}) *clock.VersionTag {
			return &clock.VersionTag{
				MemberID:      v[0].(clock.MemberID),
				EntryVersion:  v[1].(uint32),
				RegionVersion: v[2].(uint64),
				Timestamp:     v[3].(int64),
				IsGatewayTag:  v[4].(bool),
				IsPersistent:  v[5].(bool),
			}
		})},
	})
}

func genEntry() gopter.Gen {
	return gopter.CombineGens(
		gen.AlphaString(),
		genBytes(),
		gen.IntRange(int(ValueRaw), int(ValueDelta)),
		gen.IntRange(int(event.OpCreate), int(event.OpRemoveAllDestroy)),
		genTag(),
		genBytes(),
		genBytes(),
		gen.Int64(),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(0, event.MaxThreadID),
	).Map(func(v []interface{}) EntryData {
		return EntryData{
			Key:               v[0].(string),
			Value:             v[1].([]byte),
			Kind:              ValueKind(v[2].(int)),
			Op:                event.Operation(v[3].(int)),
			Tag:               v[4].(*clock.VersionTag),
			FilterRouting:     v[5].([]byte),
			CallbackArg:       v[6].([]byte),
			TailKey:           v[7].(int64),
			NotifyOnly:        v[8].(bool),
			PossibleDuplicate: v[9].(bool),
			EventID:           event.EventID{Member: "origin", ThreadID: v[10].(int64), SequenceID: 1},
		}
	})
}

// decode(encode(batch)) reconstructs every row in order, for both the
// stripped version list and inline bucket tags.
func TestBatch_RoundTripLaw(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	roundTrip := func(b *Batch) bool {
		buf, err := b.MarshalBinary()
		if err != nil {
			t.Log(err)
			return false
		}
		var got Batch
		if err := got.UnmarshalBinary(buf); err != nil {
			t.Log(err)
			return false
		}
		if got.Len() != b.Live() {
			return false
		}
		i := 0
		for _, want := range b.Entries() {
			d, _ := got.Entry(i)
			if diff := cmp.Diff(*want, *d, cmpTags); diff != "" {
				t.Logf("entry %d: %s", i, diff)
				return false
			}
			i++
		}
		return true
	}

	base := event.EventID{Member: "coord", ThreadID: 9, SequenceID: 1000}

	properties.Property("replicated batch round-trips", prop.ForAll(
		func(rows []EntryData, useBase []bool) bool {
			b := NewBatch("r", base, len(rows))
			for i, d := range rows {
				d.BucketID = NoBucket
				if i < len(useBase) && useBase[i] {
					d.EventID = base.At(i)
				}
				if err := b.AddEntryData(d); err != nil {
					return false
				}
			}
			return roundTrip(b)
		},
		gen.SliceOf(genEntry()),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("bucket batch round-trips", prop.ForAll(
		func(rows []EntryData, bucket int) bool {
			b := NewBatch("r", base, len(rows))
			for _, d := range rows {
				d.BucketID = bucket
				if err := b.AddEntryData(d); err != nil {
					return false
				}
			}
			for _, sub := range b.CreatePRMessages() {
				if !roundTrip(sub) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genEntry()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
