package putall

import (
	"github.com/cockroachdb/errors"

	"regionkv/internal/clock"
	"regionkv/internal/wire"
)

const (
	listFlagHasTags    = 0x04
	listFlagPersistent = 0x20
)

// Per-tag markers in an EntryVersionsList.
const (
	tagNull         = 0
	tagFull         = 1
	tagWithNewID    = 2
	tagWithNumberID = 3
)

// EntryVersionsList is the ordered list of version tags of a batch. On the
// wire each distinct member ID is written once and later tags refer to it
// by number.
type EntryVersionsList []*clock.VersionTag

// HasTags reports whether any position carries a tag.
func (l EntryVersionsList) HasTags() bool {
	for _, t := range l {
		if t != nil {
			return true
		}
	}
	return false
}

// Encode writes the list. Tags with a null member ID are written in full
// and reconstituted by the receiver.
func (l EntryVersionsList) Encode(w *wire.Writer) {
	var flags byte
	hasTags := l.HasTags()
	if hasTags {
		flags |= listFlagHasTags
	}
	for _, t := range l {
		if t != nil && t.IsPersistent {
			flags |= listFlagPersistent
			break
		}
	}
	w.Byte(flags)
	if !hasTags {
		return
	}
	w.Uvarint(uint64(len(l)))
	ids := make(map[clock.MemberID]uint64)
	for _, t := range l {
		switch {
		case t == nil:
			w.Byte(tagNull)
		case t.MemberID.IsNull():
			w.Byte(tagFull)
			t.Encode(w, false)
		default:
			if n, ok := ids[t.MemberID]; ok {
				w.Byte(tagWithNumberID)
				t.Encode(w, false)
				w.Uvarint(n)
				continue
			}
			ids[t.MemberID] = uint64(len(ids))
			w.Byte(tagWithNewID)
			t.Encode(w, false)
			w.String(string(t.MemberID))
		}
	}
}

// DecodeEntryVersionsList reads a list written by Encode.
func DecodeEntryVersionsList(r *wire.Reader) (EntryVersionsList, error) {
	flags, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if flags&listFlagHasTags == 0 {
		return nil, nil
	}
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, errors.Wrapf(wire.ErrTruncated, "version list of %d tags", n)
	}
	l := make(EntryVersionsList, 0, n)
	var ids []clock.MemberID
	for i := uint64(0); i < n; i++ {
		marker, err := r.Byte()
		if err != nil {
			return nil, err
		}
		if marker == tagNull {
			l = append(l, nil)
			continue
		}
		t, err := clock.DecodeTag(r)
		if err != nil {
			return nil, err
		}
		switch marker {
		case tagFull:
		case tagWithNewID:
			s, err := r.String()
			if err != nil {
				return nil, err
			}
			t.MemberID = clock.MemberID(s)
			ids = append(ids, t.MemberID)
		case tagWithNumberID:
			num, err := r.Uvarint()
			if err != nil {
				return nil, err
			}
			if num >= uint64(len(ids)) {
				return nil, errors.Newf("version list refers to unknown member number %d", num)
			}
			t.MemberID = ids[num]
		default:
			return nil, errors.Newf("unknown version tag marker %d", marker)
		}
		l = append(l, t)
	}
	return l, nil
}

// ReplaceNullIDs reconstitutes null member IDs with sender.
func (l EntryVersionsList) ReplaceNullIDs(sender clock.MemberID) {
	for _, t := range l {
		t.ReplaceNullIDs(sender)
	}
}
