package event

import (
	"github.com/cockroachdb/errors"
)

// Operation is the kind of change an event applies. Its numeric value is
// the wire ordinal.
type Operation uint8

const (
	OpCreate Operation = iota
	OpUpdate
	OpDestroy
	OpInvalidate
	OpPutAllCreate
	OpPutAllUpdate
	OpLocalLoadCreate
	OpLocalLoadUpdate
	OpNetLoadCreate
	OpNetLoadUpdate
	OpPutIfAbsent
	OpReplace
	OpRemove
	OpRemoveAllDestroy

	numOperations
)

type opKind uint8

const (
	kindCreate opKind = iota
	kindUpdate
	kindDestroy
	kindInvalidate
)

type capabilities struct {
	name               string
	kind               opKind
	load               bool
	putAll             bool
	guaranteesOldValue bool
	create             Operation
	update             Operation
}

var operations = [numOperations]capabilities{
	OpCreate:           {name: "CREATE", kind: kindCreate, create: OpCreate, update: OpUpdate},
	OpUpdate:           {name: "UPDATE", kind: kindUpdate, create: OpCreate, update: OpUpdate},
	OpDestroy:          {name: "DESTROY", kind: kindDestroy, create: OpDestroy, update: OpDestroy},
	OpInvalidate:       {name: "INVALIDATE", kind: kindInvalidate, create: OpInvalidate, update: OpInvalidate},
	OpPutAllCreate:     {name: "PUTALL_CREATE", kind: kindCreate, putAll: true, create: OpPutAllCreate, update: OpPutAllUpdate},
	OpPutAllUpdate:     {name: "PUTALL_UPDATE", kind: kindUpdate, putAll: true, create: OpPutAllCreate, update: OpPutAllUpdate},
	OpLocalLoadCreate:  {name: "LOCAL_LOAD_CREATE", kind: kindCreate, load: true, create: OpLocalLoadCreate, update: OpLocalLoadUpdate},
	OpLocalLoadUpdate:  {name: "LOCAL_LOAD_UPDATE", kind: kindUpdate, load: true, create: OpLocalLoadCreate, update: OpLocalLoadUpdate},
	OpNetLoadCreate:    {name: "NET_LOAD_CREATE", kind: kindCreate, load: true, create: OpNetLoadCreate, update: OpNetLoadUpdate},
	OpNetLoadUpdate:    {name: "NET_LOAD_UPDATE", kind: kindUpdate, load: true, create: OpNetLoadCreate, update: OpNetLoadUpdate},
	OpPutIfAbsent:      {name: "PUT_IF_ABSENT", kind: kindCreate, guaranteesOldValue: true, create: OpPutIfAbsent, update: OpReplace},
	OpReplace:          {name: "REPLACE", kind: kindUpdate, guaranteesOldValue: true, create: OpPutIfAbsent, update: OpReplace},
	OpRemove:           {name: "REMOVE", kind: kindDestroy, guaranteesOldValue: true, create: OpRemove, update: OpRemove},
	OpRemoveAllDestroy: {name: "REMOVEALL_DESTROY", kind: kindDestroy, create: OpRemoveAllDestroy, update: OpRemoveAllDestroy},
}

// OperationFromOrdinal decodes a wire ordinal.
func OperationFromOrdinal(b byte) (Operation, error) {
	op := Operation(b)
	if !op.Valid() {
		return 0, errors.Newf("unknown operation ordinal %d", b)
	}
	return op, nil
}

func (op Operation) Valid() bool { return op < numOperations }

func (op Operation) caps() capabilities {
	if !op.Valid() {
		return capabilities{name: "UNKNOWN", kind: kindUpdate, create: op, update: op}
	}
	return operations[op]
}

func (op Operation) String() string { return op.caps().name }

func (op Operation) IsCreate() bool     { return op.caps().kind == kindCreate }
func (op Operation) IsUpdate() bool     { return op.caps().kind == kindUpdate }
func (op Operation) IsDestroy() bool    { return op.caps().kind == kindDestroy }
func (op Operation) IsInvalidate() bool { return op.caps().kind == kindInvalidate }
func (op Operation) IsLoad() bool       { return op.caps().load }
func (op Operation) IsPutAll() bool     { return op.caps().putAll }

// IsEntryWrite reports whether the operation installs a new value.
func (op Operation) IsEntryWrite() bool { return op.IsCreate() || op.IsUpdate() }

// GuaranteesOldValue reports whether the caller relies on the old value
// being returned, so it must be read even when old values are disabled.
func (op Operation) GuaranteesOldValue() bool { return op.caps().guaranteesOldValue }

// CorrespondingCreateOp maps an update to its create counterpart.
func (op Operation) CorrespondingCreateOp() Operation { return op.caps().create }

// CorrespondingUpdateOp maps a create to its update counterpart.
func (op Operation) CorrespondingUpdateOp() Operation { return op.caps().update }
