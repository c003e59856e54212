package repair

import (
	"math/rand"
	"testing"

	"regionkv/internal/clock"
)

// For a single writer, the accepted entry version advances by exactly one
// per accepted write and stale writes never advance it.
func TestReconcile_SingleWriterMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 100; run++ {
		var local *clock.VersionTag
		for step := 0; step < 50; step++ {
			var cur uint32
			if local != nil {
				cur = local.EntryVersion
			}
			// replay, stale or successor
			ev := cur + 1
			switch rng.Intn(3) {
			case 0:
				ev = cur
			case 1:
				if cur > 1 {
					ev = uint32(rng.Intn(int(cur)) + 1)
				}
			}
			if ev == 0 {
				ev = 1
			}
			incoming := &clock.VersionTag{MemberID: "w", EntryVersion: ev, RegionVersion: uint64(step + 1)}
			d, err := Reconcile(local, incoming, false)
			if err != nil {
				t.Fatal(err)
			}
			if d == Apply {
				if incoming.EntryVersion != cur+1 {
					t.Fatalf("applied version %d over %d", incoming.EntryVersion, cur)
				}
				local = incoming
			} else if local != nil && local.EntryVersion != cur {
				t.Fatalf("stale write advanced version")
			}
		}
	}
}
