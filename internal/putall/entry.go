package putall

import (
	"regionkv/internal/clock"
	"regionkv/internal/event"
)

// ValueKind is the value flag byte of an entry row.
type ValueKind uint8

const (
	// ValueRaw is an opaque byte array.
	ValueRaw ValueKind = 0
	// ValueSerialized is a value kept in cached serialized form and
	// materialized lazily by the receiver.
	ValueSerialized ValueKind = 1
	// ValueDelta carries delta bytes to apply against the current value.
	ValueDelta ValueKind = 2
)

// Entry row flag bits.
const (
	flagUsedFakeEventID = 0x01
	flagNotifyOnly      = 0x02
	flagFilterRouting   = 0x04
	flagVersionTag      = 0x08
	flagPossibleDup     = 0x10
	flagPersistentTag   = 0x20
	flagCallbackArg     = 0x40
	flagTailKey         = 0x80
)

// EntryData is one row of a batch, a reduced projection of an EntryEvent.
type EntryData struct {
	Key           string
	Value         []byte
	Kind          ValueKind
	OldValue      []byte
	Op            event.Operation
	EventID       event.EventID
	Tag           *clock.VersionTag
	BucketID      int
	FilterRouting []byte
	CallbackArg   []byte
	TailKey       int64

	UsedFakeEventID     bool
	NotifyOnly          bool
	PossibleDuplicate   bool
	InhibitDistribution bool
	CallbacksInvoked    bool
}

// EntryFromEvent projects ev into a row. The value is copied so the row
// does not depend on the event's retained references.
func EntryFromEvent(ev *event.EntryEvent) (EntryData, error) {
	d := EntryData{
		Key:                 ev.Key,
		Op:                  ev.Op(),
		EventID:             ev.ID,
		Tag:                 ev.Tag(),
		BucketID:            ev.BucketID,
		FilterRouting:       ev.FilterRouting,
		CallbackArg:         ev.CallbackArg,
		TailKey:             ev.TailKey,
		PossibleDuplicate:   ev.PossibleDuplicate,
		InhibitDistribution: ev.InhibitDistribution,
		CallbacksInvoked:    ev.CallbacksInvoked(),
	}
	if ev.HasDelta() {
		d.Kind = ValueDelta
		d.Value = append([]byte(nil), ev.DeltaBytes()...)
		return d, nil
	}
	if ev.HasNewValue() {
		v, err := ev.NewValue()
		if err != nil {
			return d, err
		}
		d.Value = append([]byte(nil), v...)
	}
	return d, nil
}

// UseFakeEventID rewrites the row's event ID to encode its bucket. It is a
// no-op if already applied.
func (d *EntryData) UseFakeEventID() {
	if d.UsedFakeEventID {
		return
	}
	d.EventID = d.EventID.WithBucket(d.BucketID)
	d.UsedFakeEventID = true
}

func (d *EntryData) flags(explicitID, inlineTag bool) byte {
	var f byte
	if explicitID {
		f |= flagUsedFakeEventID
	}
	if d.NotifyOnly {
		f |= flagNotifyOnly
	}
	if d.FilterRouting != nil {
		f |= flagFilterRouting
	}
	if inlineTag && d.Tag != nil {
		f |= flagVersionTag
		if d.Tag.IsPersistent {
			f |= flagPersistentTag
		}
	}
	if d.PossibleDuplicate {
		f |= flagPossibleDup
	}
	if d.CallbackArg != nil {
		f |= flagCallbackArg
	}
	if d.TailKey != 0 {
		f |= flagTailKey
	}
	return f
}
