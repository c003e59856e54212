package event

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/offheap"
)

// NoBucket marks an event that does not belong to a partitioned bucket.
const NoBucket = -1

// Policy is the per-region configuration that shapes event behavior.
type Policy struct {
	// OldValuesEnabled keeps old values on updates even when no consumer
	// requires them.
	OldValuesEnabled bool
	// CopyOnRead returns a fresh copy from every value accessor.
	CopyOnRead bool
	// OffHeap stores event values in Arena.
	OffHeap bool
	Arena   *offheap.Arena
	// Deltas decodes values that accept delta updates.
	Deltas DeltaCodec
}

// EntryEvent is one change to one key of a region.
type EntryEvent struct {
	Key                 string
	CallbackArg         []byte
	ID                  EventID
	PossibleDuplicate   bool
	OriginRemote        bool
	BucketID            int
	TailKey             int64
	FilterRouting       []byte
	InhibitDistribution bool

	op     Operation
	tag    *clock.VersionTag
	policy Policy
	token  offheap.Token

	lockOnce sync.Once
	mu       *sync.Mutex

	newVal       slot
	oldVal       slot
	oldState     OldValueState
	delta        []byte
	newValueSize int

	released         atomic.Bool
	callbacksInvoked atomic.Bool
}

// New creates an event for key.
func New(policy Policy, key string, op Operation) *EntryEvent {
	if policy.Arena == nil {
		policy.OffHeap = false
	}
	e := &EntryEvent{
		Key:      key,
		BucketID: NoBucket,
		op:       op,
		policy:   policy,
	}
	if policy.Arena != nil {
		e.token = policy.Arena.NewToken()
	}
	return e
}

// Token returns the ownership token the event retains values with.
func (e *EntryEvent) Token() offheap.Token { return e.token }

// Policy returns the configuration the event was created with.
func (e *EntryEvent) Policy() Policy { return e.policy }

func (e *EntryEvent) Op() Operation      { return e.op }
func (e *EntryEvent) SetOp(op Operation) { e.op = op }

// MakeUpdate converts the operation to its update counterpart.
func (e *EntryEvent) MakeUpdate() { e.op = e.op.CorrespondingUpdateOp() }

// MakeCreate converts the operation to its create counterpart.
func (e *EntryEvent) MakeCreate() { e.op = e.op.CorrespondingCreateOp() }

func (e *EntryEvent) Tag() *clock.VersionTag       { return e.tag }
func (e *EntryEvent) SetTag(tag *clock.VersionTag) { e.tag = tag }

// HasValidVersion reports whether the event carries an authoritative tag.
func (e *EntryEvent) HasValidVersion() bool { return e.tag.HasValidVersion() }

func (e *EntryEvent) HasDelta() bool         { return e.delta != nil }
func (e *EntryEvent) DeltaBytes() []byte     { return e.delta }
func (e *EntryEvent) SetDeltaBytes(b []byte) { e.delta = b }

// NewValueSize returns the size estimate of the new value.
func (e *EntryEvent) NewValueSize() int { return e.newValueSize }

// lock serializes value reads against release. Only off-heap events need
// it, and its mutex is allocated on first use.
func (e *EntryEvent) lock() func() {
	if !e.policy.OffHeap {
		return func() {}
	}
	e.lockOnce.Do(func() { e.mu = new(sync.Mutex) })
	e.mu.Lock()
	return e.mu.Unlock
}

// SetNewValue takes ownership of b. Off-heap events copy it into the arena.
func (e *EntryEvent) SetNewValue(b []byte) error {
	defer e.lock()()
	if e.released.Load() {
		return errReleased
	}
	var s slot
	if e.policy.OffHeap && b != nil {
		ref, err := e.policy.Arena.Allocate(e.token, b)
		if err != nil {
			return err
		}
		s.ref = ref
	} else {
		s.heap = b
	}
	s.set = true
	e.newVal.release(e.token)
	e.newVal = s
	e.newValueSize = len(b)
	return nil
}

// SetNewValueRef retains ref as the new value.
func (e *EntryEvent) SetNewValueRef(ref *offheap.Ref) error {
	defer e.lock()()
	if e.released.Load() {
		return errReleased
	}
	own, err := ref.Retain(e.token)
	if err != nil {
		return err
	}
	e.newVal.release(e.token)
	e.newVal = slot{ref: own, set: true}
	e.newValueSize = own.Size()
	return nil
}

// HasNewValue reports whether a new value was set. Destroys and
// invalidates have none.
func (e *EntryEvent) HasNewValue() bool {
	defer e.lock()()
	return e.newVal.set && (e.newVal.ref != nil || e.newVal.heap != nil)
}

// NewValue returns the new value. With copy-on-read the result is a fresh
// copy.
func (e *EntryEvent) NewValue() ([]byte, error) {
	defer e.lock()()
	if e.released.Load() {
		return nil, errReleased
	}
	return e.read(&e.newVal)
}

// RetainNewValue hands an off-heap new value to another owner. It returns
// nil for heap values.
func (e *EntryEvent) RetainNewValue(owner offheap.Token) (*offheap.Ref, error) {
	defer e.lock()()
	if e.released.Load() {
		return nil, errReleased
	}
	if e.newVal.ref == nil {
		return nil, nil
	}
	return e.newVal.ref.Retain(owner)
}

// SetOldValue takes ownership of b as the old value.
func (e *EntryEvent) SetOldValue(b []byte) {
	defer e.lock()()
	e.oldVal.release(e.token)
	e.oldVal = slot{heap: b, set: true}
	e.oldState = OldValuePresent
}

// SetOldValueRef retains ref as the old value.
func (e *EntryEvent) SetOldValueRef(ref *offheap.Ref) error {
	defer e.lock()()
	if e.released.Load() {
		return errReleased
	}
	own, err := ref.Retain(e.token)
	if err != nil {
		return err
	}
	e.oldVal.release(e.token)
	e.oldVal = slot{ref: own, set: true}
	e.oldState = OldValuePresent
	return nil
}

// SetOldValueNotAvailable records that the old value exists but was not
// read.
func (e *EntryEvent) SetOldValueNotAvailable() {
	defer e.lock()()
	e.oldVal.release(e.token)
	e.oldState = OldValueNotAvailable
}

func (e *EntryEvent) OldValueState() OldValueState {
	defer e.lock()()
	return e.oldState
}

// OldValue returns the old value, or nil when it is absent or not
// available.
func (e *EntryEvent) OldValue() ([]byte, error) {
	defer e.lock()()
	if e.released.Load() {
		return nil, errReleased
	}
	if e.oldState != OldValuePresent {
		return nil, nil
	}
	return e.read(&e.oldVal)
}

func (e *EntryEvent) read(s *slot) ([]byte, error) {
	b, err := s.bytes()
	if err != nil || b == nil {
		return b, err
	}
	if e.policy.CopyOnRead {
		return append(make([]byte, 0, len(b)), b...), nil
	}
	return b, nil
}

// PutExistingEntry prepares the event for an entry that already exists.
// The old value is read only when requireOldValue is set, old values are
// enabled, or the operation guarantees it. Otherwise it is marked not
// available.
func (e *EntryEvent) PutExistingEntry(current ValueSource, present, requireOldValue bool) error {
	if !e.op.IsDestroy() && !e.op.IsInvalidate() {
		e.MakeUpdate()
	}
	if e.OldValueState() != OldValueUnset {
		return nil
	}
	if !present {
		e.setOldState(OldValueAbsent)
		return nil
	}
	if requireOldValue || e.policy.OldValuesEnabled || e.op.GuaranteesOldValue() {
		return e.loadOldValue(current)
	}
	e.SetOldValueNotAvailable()
	return nil
}

// PutNewEntry prepares the event for a key with no live entry.
func (e *EntryEvent) PutNewEntry() {
	if !e.op.IsDestroy() && !e.op.IsInvalidate() {
		e.MakeCreate()
	}
	e.setOldState(OldValueAbsent)
}

// SetOldValueForQueryProcessing reads the old value if it was skipped
// earlier. Continuous queries need it to maintain their result sets.
func (e *EntryEvent) SetOldValueForQueryProcessing(current ValueSource) error {
	if e.OldValueState() != OldValueNotAvailable {
		return nil
	}
	return e.loadOldValue(current)
}

func (e *EntryEvent) setOldState(s OldValueState) {
	defer e.lock()()
	e.oldState = s
}

func (e *EntryEvent) loadOldValue(current ValueSource) error {
	if current == nil {
		return errors.AssertionFailedf("old value required for %q but no source given", e.Key)
	}
	heap, ref, err := current.RetainValue(e.token)
	if err != nil {
		return errors.Wrapf(err, "reading old value of %q", e.Key)
	}
	defer e.lock()()
	e.oldVal.release(e.token)
	e.oldVal = slot{heap: heap, ref: ref, set: true}
	e.oldState = OldValuePresent
	return nil
}

// Release drops every value reference the event holds. It is safe to call
// more than once.
func (e *EntryEvent) Release() {
	defer e.lock()()
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	e.newVal.release(e.token)
	e.oldVal.release(e.token)
}

// Released reports whether Release has run.
func (e *EntryEvent) Released() bool { return e.released.Load() }

// Listener receives events after they are applied to a region.
type Listener interface {
	AfterCreate(e *EntryEvent)
	AfterUpdate(e *EntryEvent)
	AfterDestroy(e *EntryEvent)
	AfterInvalidate(e *EntryEvent)
}

// CallbacksInvoked reports whether listeners already saw the event.
func (e *EntryEvent) CallbacksInvoked() bool { return e.callbacksInvoked.Load() }

// SetCallbacksInvoked marks listeners as notified without calling them.
func (e *EntryEvent) SetCallbacksInvoked() { e.callbacksInvoked.Store(true) }

// InvokeCallbacks notifies listeners. It fires at most once per event and
// reports whether this call did the notifying.
func (e *EntryEvent) InvokeCallbacks(listeners ...Listener) bool {
	if !e.callbacksInvoked.CompareAndSwap(false, true) {
		return false
	}
	for _, l := range listeners {
		switch {
		case e.op.IsCreate():
			l.AfterCreate(e)
		case e.op.IsUpdate():
			l.AfterUpdate(e)
		case e.op.IsDestroy():
			l.AfterDestroy(e)
		case e.op.IsInvalidate():
			l.AfterInvalidate(e)
		}
	}
	return true
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnCreate     func(e *EntryEvent)
	OnUpdate     func(e *EntryEvent)
	OnDestroy    func(e *EntryEvent)
	OnInvalidate func(e *EntryEvent)
}

func (l ListenerFuncs) AfterCreate(e *EntryEvent) {
	if l.OnCreate != nil {
		l.OnCreate(e)
	}
}

func (l ListenerFuncs) AfterUpdate(e *EntryEvent) {
	if l.OnUpdate != nil {
		l.OnUpdate(e)
	}
}

func (l ListenerFuncs) AfterDestroy(e *EntryEvent) {
	if l.OnDestroy != nil {
		l.OnDestroy(e)
	}
}

func (l ListenerFuncs) AfterInvalidate(e *EntryEvent) {
	if l.OnInvalidate != nil {
		l.OnInvalidate(e)
	}
}
