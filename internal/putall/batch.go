package putall

import (
	"iter"
	"sort"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/event"
)

// NoBucket marks a batch addressed to a replicated region.
const NoBucket = event.NoBucket

// position is an arena slot. A removed slot keeps its index so positions
// stay correlated with version lists and acks.
type position struct {
	data    EntryData
	removed bool
	parent  int
}

// Batch is an ordered multi-key write. Iteration order is application
// order.
type Batch struct {
	Region            string
	BaseEventID       event.EventID
	BucketID          int
	CallbackArg       []byte
	PossibleDuplicate bool
	SkipCallbacks     bool
	NotifyOnly        bool

	// Policy shapes events created by EventAt.
	Policy event.Policy
	// Remote marks a batch decoded from another member.
	Remote bool

	capacity  int
	positions []position
	sealed    bool
	events    []*event.EntryEvent
	freed     bool
}

// NewBatch creates an empty batch with room for capacity entries.
func NewBatch(region string, base event.EventID, capacity int) *Batch {
	return &Batch{
		Region:      region,
		BaseEventID: base,
		BucketID:    NoBucket,
		capacity:    capacity,
		positions:   make([]position, 0, capacity),
	}
}

// Len returns the number of positions, including removed ones.
func (b *Batch) Len() int { return len(b.positions) }

// Live returns the number of positions not removed.
func (b *Batch) Live() int {
	n := 0
	for i := range b.positions {
		if !b.positions[i].removed {
			n++
		}
	}
	return n
}

// Seal stops further appends.
func (b *Batch) Seal() { b.sealed = true }

// AddEntry appends a row for ev.
func (b *Batch) AddEntry(ev *event.EntryEvent) error {
	d, err := EntryFromEvent(ev)
	if err != nil {
		return err
	}
	return b.AddEntryData(d)
}

// AddEntryData appends a row.
func (b *Batch) AddEntryData(d EntryData) error {
	if b.sealed {
		return errors.AssertionFailedf("batch for region %s is sealed", b.Region)
	}
	if b.capacity > 0 && len(b.positions) >= b.capacity {
		return errors.AssertionFailedf("batch for region %s is full (%d entries)", b.Region, b.capacity)
	}
	b.positions = append(b.positions, position{data: d, parent: len(b.positions)})
	return nil
}

// SetEntryData replaces every row of the batch.
func (b *Batch) SetEntryData(entries []EntryData) {
	b.FreeResources()
	b.freed = false
	b.positions = make([]position, len(entries))
	for i, d := range entries {
		b.positions[i] = position{data: d, parent: i}
	}
	b.events = nil
	if len(entries) > b.capacity {
		b.capacity = len(entries)
	}
}

// Entry returns the row at i. Removed rows report false.
func (b *Batch) Entry(i int) (*EntryData, bool) {
	if i < 0 || i >= len(b.positions) || b.positions[i].removed {
		return nil, false
	}
	return &b.positions[i].data, true
}

// ParentIndex maps a position of a derived batch to the position it came
// from in its parent.
func (b *Batch) ParentIndex(i int) int { return b.positions[i].parent }

// Remove marks position i removed without shifting later positions.
func (b *Batch) Remove(i int) {
	if i >= 0 && i < len(b.positions) {
		b.positions[i].removed = true
	}
}

// Entries iterates live rows in order.
func (b *Batch) Entries() iter.Seq2[int, *EntryData] {
	return func(yield func(int, *EntryData) bool) {
		for i := range b.positions {
			if b.positions[i].removed {
				continue
			}
			if !yield(i, &b.positions[i].data) {
				return
			}
		}
	}
}

// Keys returns the keys of live rows in order.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.positions))
	for _, d := range b.Entries() {
		keys = append(keys, d.Key)
	}
	return keys
}

func (b *Batch) derive(bucketID int) *Batch {
	return &Batch{
		Region:            b.Region,
		BaseEventID:       b.BaseEventID,
		BucketID:          bucketID,
		CallbackArg:       b.CallbackArg,
		PossibleDuplicate: b.PossibleDuplicate,
		SkipCallbacks:     b.SkipCallbacks,
		NotifyOnly:        b.NotifyOnly,
		Policy:            b.Policy,
	}
}

func (b *Batch) appendDerived(parent int, d EntryData) {
	b.positions = append(b.positions, position{data: d, parent: parent})
	b.capacity = len(b.positions)
}

// CreatePRMessages splits the batch into one sub-batch per bucket. Each
// row's event ID is rewritten into a fake ID encoding its bucket.
func (b *Batch) CreatePRMessages() map[int]*Batch {
	out := make(map[int]*Batch)
	for i := range b.positions {
		p := &b.positions[i]
		if p.removed {
			continue
		}
		p.data.UseFakeEventID()
		sub, ok := out[p.data.BucketID]
		if !ok {
			sub = b.derive(p.data.BucketID)
			out[p.data.BucketID] = sub
		}
		sub.appendDerived(i, p.data)
	}
	return out
}

// Buckets returns the bucket IDs of CreatePRMessages in ascending order.
func Buckets(msgs map[int]*Batch) []int {
	ids := make([]int, 0, len(msgs))
	for id := range msgs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CreatePRMessagesNotifyOnly returns a single sub-batch for bucketID in
// which every row only notifies and carries its fake event ID.
func (b *Batch) CreatePRMessagesNotifyOnly(bucketID int) *Batch {
	sub := b.derive(bucketID)
	sub.NotifyOnly = true
	for i := range b.positions {
		p := &b.positions[i]
		if p.removed {
			continue
		}
		p.data.UseFakeEventID()
		d := p.data
		d.NotifyOnly = true
		sub.appendDerived(i, d)
	}
	return sub
}

// SelectVersionless returns the rows without a valid version tag. Rows
// that are removed or must not be distributed are skipped.
func (b *Batch) SelectVersionless() *Batch {
	return b.selectRows(func(d *EntryData) bool { return !d.Tag.HasValidVersion() })
}

// SelectVersioned returns the rows carrying a valid version tag.
func (b *Batch) SelectVersioned() *Batch {
	return b.selectRows(func(d *EntryData) bool { return d.Tag.HasValidVersion() })
}

func (b *Batch) selectRows(keep func(*EntryData) bool) *Batch {
	sub := b.derive(b.BucketID)
	for i := range b.positions {
		p := &b.positions[i]
		if p.removed || p.data.InhibitDistribution || !keep(&p.data) {
			continue
		}
		sub.appendDerived(i, p.data)
	}
	return sub
}

// ShouldAck reports whether recipients must acknowledge the batch. With
// concurrency checks enabled an ack is always required so that two batches
// from the same thread touching the same keys are applied in order.
func (b *Batch) ShouldAck(scopeRequiresAck, concurrencyChecks bool) bool {
	return scopeRequiresAck || concurrencyChecks
}

// VersionTags returns the tag of each position, nil for removed rows.
func (b *Batch) VersionTags() EntryVersionsList {
	l := make(EntryVersionsList, len(b.positions))
	for i := range b.positions {
		if !b.positions[i].removed {
			l[i] = b.positions[i].data.Tag
		}
	}
	return l
}

// ApplyVersionTags attaches tags by position. A nil tag leaves the row's
// tag unchanged.
func (b *Batch) ApplyVersionTags(tags EntryVersionsList) error {
	if len(tags) != len(b.positions) {
		return errors.Newf("version list has %d tags for %d entries", len(tags), len(b.positions))
	}
	for i, t := range tags {
		if t != nil && !b.positions[i].removed {
			b.positions[i].data.Tag = t
			if i < len(b.events) && b.events[i] != nil {
				b.events[i].SetTag(t)
			}
		}
	}
	return nil
}

// EventAt returns the event for position i, creating it on first use. The
// batch owns the event and releases it in FreeResources.
func (b *Batch) EventAt(i int) (*event.EntryEvent, error) {
	d, ok := b.Entry(i)
	if !ok {
		return nil, errors.Newf("no entry at position %d", i)
	}
	if b.freed {
		return nil, errors.AssertionFailedf("batch for region %s already released", b.Region)
	}
	if n := len(b.positions); len(b.events) < n {
		b.events = append(b.events, make([]*event.EntryEvent, n-len(b.events))...)
	}
	if ev := b.events[i]; ev != nil {
		return ev, nil
	}
	ev := event.New(b.Policy, d.Key, d.Op)
	ev.ID = d.EventID
	ev.SetTag(d.Tag)
	ev.BucketID = d.BucketID
	ev.FilterRouting = d.FilterRouting
	ev.CallbackArg = d.CallbackArg
	if ev.CallbackArg == nil {
		ev.CallbackArg = b.CallbackArg
	}
	ev.TailKey = d.TailKey
	ev.PossibleDuplicate = d.PossibleDuplicate || b.PossibleDuplicate
	ev.OriginRemote = b.Remote
	ev.InhibitDistribution = d.InhibitDistribution
	if d.CallbacksInvoked {
		ev.SetCallbacksInvoked()
	}
	if d.OldValue != nil {
		ev.SetOldValue(d.OldValue)
	}
	switch {
	case d.Kind == ValueDelta:
		ev.SetDeltaBytes(d.Value)
	case d.Value != nil:
		if err := ev.SetNewValue(d.Value); err != nil {
			ev.Release()
			return nil, err
		}
	}
	b.events[i] = ev
	return ev, nil
}

// Events iterates events for live rows, creating them lazily. Iteration
// stops at the first creation error, which is yielded with a nil event.
func (b *Batch) Events() iter.Seq2[*event.EntryEvent, error] {
	return func(yield func(*event.EntryEvent, error) bool) {
		for i := range b.positions {
			if b.positions[i].removed {
				continue
			}
			ev, err := b.EventAt(i)
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// FreeResources releases every event the batch created. It is safe to call
// more than once and must run whether or not the batch completed.
func (b *Batch) FreeResources() {
	if b.freed {
		return
	}
	b.freed = true
	for _, ev := range b.events {
		if ev != nil {
			ev.Release()
		}
	}
}

// ReplaceNullIDs reconstitutes null member IDs in every row's tag.
func (b *Batch) ReplaceNullIDs(sender clock.MemberID) {
	for i := range b.positions {
		b.positions[i].data.Tag.ReplaceNullIDs(sender)
	}
}
