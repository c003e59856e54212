package httpapi

import (
	"regionkv/internal/clock"
	"regionkv/internal/coordinator"
	"regionkv/internal/event"
)

// Tag is the JSON form of a version tag.
type Tag struct {
	Member        string `json:"member"`
	EntryVersion  uint32 `json:"entry_version"`
	RegionVersion uint64 `json:"region_version"`
	Timestamp     int64  `json:"timestamp"`
}

func newTag(t *clock.VersionTag) *Tag {
	if t == nil {
		return nil
	}
	return &Tag{
		Member:        string(t.MemberID),
		EntryVersion:  t.EntryVersion,
		RegionVersion: t.RegionVersion,
		Timestamp:     t.Timestamp,
	}
}

// EventID is the JSON form of a batch's base event id. Clients echo it
// back to replay a batch whose outcome was unknown.
type EventID struct {
	Member   string `json:"member"`
	Thread   int64  `json:"thread"`
	Sequence int64  `json:"sequence"`
}

func (id *EventID) toEvent() event.EventID {
	if id == nil {
		return event.EventID{}
	}
	return event.EventID{Member: clock.MemberID(id.Member), ThreadID: id.Thread, SequenceID: id.Sequence}
}

// EntryRequest is one key of a put-all request. Value and Delta are base64
// in JSON. A delta is applied to the key's current value by the region's
// delta codec.
type EntryRequest struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Delta   []byte `json:"delta,omitempty"`
	Destroy bool   `json:"destroy,omitempty"`
}

type PutAllRequest struct {
	Entries       []EntryRequest `json:"entries"`
	BaseEventID   *EventID       `json:"base_event_id,omitempty"`
	SkipCallbacks bool           `json:"skip_callbacks,omitempty"`
}

type AppliedKey struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Tag    *Tag   `json:"tag,omitempty"`
}

type RejectedKey struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type PutAllResponse struct {
	BaseEventID EventID       `json:"base_event_id"`
	Complete    bool          `json:"complete"`
	Applied     []AppliedKey  `json:"applied"`
	Rejected    []RejectedKey `json:"rejected,omitempty"`
	Unknown     []string      `json:"unknown,omitempty"`
}

func newPutAllResponse(res *coordinator.Result) PutAllResponse {
	out := PutAllResponse{
		BaseEventID: EventID{
			Member:   string(res.BaseEventID.Member),
			Thread:   res.BaseEventID.ThreadID,
			Sequence: res.BaseEventID.SequenceID,
		},
		Complete: res.Complete(),
		Applied:  make([]AppliedKey, 0, len(res.Applied)),
		Unknown:  res.Unknown,
	}
	for _, a := range res.Applied {
		out.Applied = append(out.Applied, AppliedKey{Key: a.Key, Status: a.Status.String(), Tag: newTag(a.Tag)})
	}
	for _, r := range res.Rejections {
		out.Rejected = append(out.Rejected, RejectedKey{Key: r.Key, Error: r.Err.Error()})
	}
	return out
}

type ValueResponse struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tag       *Tag   `json:"tag,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

type WriteResponse struct {
	Key string `json:"key"`
	Tag *Tag   `json:"tag,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
