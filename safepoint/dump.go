package safepoint

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ThreadInfo is the snapshot of one thread in a Dump.
type ThreadInfo struct {
	ID               int64  `cbor:"1,keyasint"`
	Name             string `cbor:"2,keyasint"`
	State            string `cbor:"3,keyasint"`
	Parked           bool   `cbor:"4,keyasint,omitempty"`
	Suspended        bool   `cbor:"5,keyasint,omitempty"`
	HandshakePending bool   `cbor:"6,keyasint,omitempty"`
	AsyncPending     bool   `cbor:"7,keyasint,omitempty"`
	HeldLocks        int    `cbor:"8,keyasint,omitempty"`
	Walkable         bool   `cbor:"9,keyasint,omitempty"`
}

// Dump is a snapshot of every registered thread.
type Dump struct {
	Taken   time.Time    `cbor:"1,keyasint"`
	Paused  bool         `cbor:"2,keyasint,omitempty"`
	Reason  string       `cbor:"3,keyasint,omitempty"`
	Pauses  uint64       `cbor:"4,keyasint"`
	Threads []ThreadInfo `cbor:"5,keyasint"`
}

var dumpEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("safepoint: failed to create CBOR enc mode: %v", err))
	}
	dumpEncMode = em
}

// Dump takes a snapshot of the registered threads, sorted by id. Threads
// that are not parked may change state while the snapshot is taken.
func (c *Coordinator) Dump() *Dump {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &Dump{
		Taken:  time.Now().UTC(),
		Paused: c.armed.Load(),
		Reason: c.reason,
		Pauses: c.pauses.Load(),
	}
	for t, r := range c.threads {
		d.Threads = append(d.Threads, ThreadInfo{
			ID:               t.ID(),
			Name:             t.Name(),
			State:            t.State().String(),
			Parked:           r.parked,
			Suspended:        t.SuspendRequested(),
			HandshakePending: len(r.ops) > 0,
			AsyncPending:     len(r.async) > 0 || t.HasAsyncException(),
			HeldLocks:        t.HeldLocks(),
			Walkable:         t.Anchor().Walkable(),
		})
	}
	sortThreads(d.Threads)
	return d
}

// WriteDump encodes d as CBOR to w.
func WriteDump(w io.Writer, d *Dump) error {
	data, err := dumpEncMode.Marshal(d)
	if err != nil {
		return fmt.Errorf("safepoint: marshal dump: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("safepoint: write dump: %w", err)
	}
	return nil
}

// ReadDump decodes a CBOR dump from r.
func ReadDump(r io.Reader) (*Dump, error) {
	var d Dump
	if err := cbor.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("safepoint: unmarshal dump: %w", err)
	}
	return &d, nil
}

func sortThreads(infos []ThreadInfo) {
	slices.SortFunc(infos, func(a, b ThreadInfo) int { return cmp.Compare(a.ID, b.ID) })
}
