package putall

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/event"
	"regionkv/internal/wire"
)

// Message trailer flag bits.
const (
	msgPossibleDup   = 0x01
	msgSkipCallbacks = 0x02
	msgCallbackArg   = 0x04
	msgNotifyOnly    = 0x08
)

// ErrMixedTags is returned for a message that carries both inline tags and
// a trailing version list.
var ErrMixedTags = errors.New("batch carries both inline and listed version tags")

// inlineTags reports whether rows carry their own tags. Bucket messages do;
// replicated-region messages strip them into the trailing list.
func (b *Batch) inlineTags() bool { return b.BucketID != NoBucket }

// MarshalBinary encodes the live rows of the batch. Removed positions are
// not transmitted.
func (b *Batch) MarshalBinary() ([]byte, error) {
	live := b.Live()
	w := wire.NewWriter(64 + 48*live)
	w.String(b.Region)
	b.BaseEventID.Encode(w)
	w.Uvarint(uint64(live))

	inline := b.inlineTags()
	var stripped EntryVersionsList
	if !inline {
		stripped = make(EntryVersionsList, 0, live)
	}
	idx := 0
	for _, d := range b.Entries() {
		if !d.Op.Valid() {
			return nil, errors.AssertionFailedf("entry %q has invalid operation %d", d.Key, d.Op)
		}
		explicitID := d.UsedFakeEventID || d.EventID != b.BaseEventID.At(idx)
		w.String(d.Key)
		w.Byte(byte(d.Kind))
		w.ByteArray(d.Value)
		w.Byte(byte(d.Op))
		w.Byte(d.flags(explicitID, inline))
		if d.FilterRouting != nil {
			w.ByteArray(d.FilterRouting)
		}
		if inline && d.Tag != nil {
			d.Tag.Encode(w, true)
		}
		if explicitID {
			d.EventID.Encode(w)
		}
		if d.CallbackArg != nil {
			w.ByteArray(d.CallbackArg)
		}
		if d.TailKey != 0 {
			w.Fixed64(uint64(d.TailKey))
		}
		if !inline {
			stripped = append(stripped, d.Tag)
		}
		idx++
	}

	hasTags := stripped.HasTags()
	w.Bool(hasTags)
	if hasTags {
		stripped.Encode(w)
	}

	var flags byte
	if b.PossibleDuplicate {
		flags |= msgPossibleDup
	}
	if b.SkipCallbacks {
		flags |= msgSkipCallbacks
	}
	if b.CallbackArg != nil {
		flags |= msgCallbackArg
	}
	if b.NotifyOnly {
		flags |= msgNotifyOnly
	}
	w.Byte(flags)
	w.Varint(int64(b.BucketID))
	if b.CallbackArg != nil {
		w.ByteArray(b.CallbackArg)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a batch produced by MarshalBinary. Event IDs not
// transmitted explicitly are rebuilt from the base ID and the row index.
func (b *Batch) UnmarshalBinary(data []byte) error {
	r := wire.NewReader(data)
	region, err := r.String()
	if err != nil {
		return errors.Wrap(err, "decoding region")
	}
	base, err := event.DecodeEventID(r)
	if err != nil {
		return errors.Wrap(err, "decoding base event id")
	}
	n, err := r.Uvarint()
	if err != nil {
		return errors.Wrap(err, "decoding entry count")
	}
	// each row takes at least one byte
	if n > uint64(r.Remaining()) {
		return errors.Wrapf(wire.ErrTruncated, "batch claims %d entries", n)
	}

	entries := make([]EntryData, 0, n)
	sawInline := false
	for i := 0; i < int(n); i++ {
		d, inline, err := decodeEntry(r, base, i)
		if err != nil {
			return errors.Wrapf(err, "decoding entry %d", i)
		}
		sawInline = sawInline || inline
		entries = append(entries, d)
	}

	hasTags, err := r.Bool()
	if err != nil {
		return errors.Wrap(err, "decoding tag marker")
	}
	if hasTags {
		if sawInline {
			return ErrMixedTags
		}
		tags, err := DecodeEntryVersionsList(r)
		if err != nil {
			return errors.Wrap(err, "decoding version list")
		}
		if len(tags) != len(entries) {
			return errors.Newf("version list has %d tags for %d entries", len(tags), len(entries))
		}
		for i, t := range tags {
			entries[i].Tag = t
		}
	}

	flags, err := r.Byte()
	if err != nil {
		return errors.Wrap(err, "decoding message flags")
	}
	bucket, err := r.Varint()
	if err != nil {
		return errors.Wrap(err, "decoding bucket id")
	}
	var cbArg []byte
	if flags&msgCallbackArg != 0 {
		if cbArg, err = r.ByteArray(); err != nil {
			return errors.Wrap(err, "decoding callback argument")
		}
	}
	if r.Remaining() != 0 {
		return errors.Newf("%d trailing bytes after batch", r.Remaining())
	}

	*b = Batch{
		Region:            region,
		BaseEventID:       base,
		BucketID:          int(bucket),
		CallbackArg:       cbArg,
		PossibleDuplicate: flags&msgPossibleDup != 0,
		SkipCallbacks:     flags&msgSkipCallbacks != 0,
		NotifyOnly:        flags&msgNotifyOnly != 0,
		Policy:            b.Policy,
		Remote:            true,
	}
	b.SetEntryData(entries)
	for i := range b.positions {
		b.positions[i].data.BucketID = b.BucketID
	}
	return nil
}

func decodeEntry(r *wire.Reader, base event.EventID, idx int) (EntryData, bool, error) {
	var d EntryData
	var err error
	if d.Key, err = r.String(); err != nil {
		return d, false, err
	}
	kind, err := r.Byte()
	if err != nil {
		return d, false, err
	}
	if kind > byte(ValueDelta) {
		return d, false, errors.Newf("unknown value flag %d", kind)
	}
	d.Kind = ValueKind(kind)
	if d.Value, err = r.ByteArray(); err != nil {
		return d, false, err
	}
	opByte, err := r.Byte()
	if err != nil {
		return d, false, err
	}
	if d.Op, err = event.OperationFromOrdinal(opByte); err != nil {
		return d, false, err
	}
	flags, err := r.Byte()
	if err != nil {
		return d, false, err
	}
	d.NotifyOnly = flags&flagNotifyOnly != 0
	d.PossibleDuplicate = flags&flagPossibleDup != 0
	if flags&flagFilterRouting != 0 {
		if d.FilterRouting, err = r.ByteArray(); err != nil {
			return d, false, err
		}
	}
	inline := flags&flagVersionTag != 0
	if inline {
		if d.Tag, err = clock.DecodeTag(r); err != nil {
			return d, false, err
		}
		if flags&flagPersistentTag != 0 {
			d.Tag.IsPersistent = true
		}
	}
	if flags&flagUsedFakeEventID != 0 {
		if d.EventID, err = event.DecodeEventID(r); err != nil {
			return d, false, err
		}
		d.UsedFakeEventID = event.IsFakeThreadID(d.EventID.ThreadID)
	} else {
		d.EventID = base.At(idx)
	}
	if flags&flagCallbackArg != 0 {
		if d.CallbackArg, err = r.ByteArray(); err != nil {
			return d, false, err
		}
	}
	if flags&flagTailKey != 0 {
		tk, err := r.Fixed64()
		if err != nil {
			return d, false, err
		}
		d.TailKey = int64(tk)
	}
	return d, inline, nil
}
