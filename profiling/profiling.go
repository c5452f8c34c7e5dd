// Package profiling is the kernel's allocator telemetry device (spec
// component C17): a pprof-format snapshot of which task holds how many
// frames, answering "who holds my memory" without a filesystem or
// network. The reference kernel never implemented this; it is built
// fresh against github.com/google/pprof/profile's Profile type, since
// none of the pack's example repos exercise that library directly —
// the shape below (one SampleType "frames"/"count", one Sample per
// live task, Location carrying the task's name) follows the
// conventions pprof.Profile.Write itself documents.
package profiling

import (
	"bytes"
	"strconv"

	"github.com/google/pprof/profile"

	"ilo/task"
)

// BuildSnapshot walks every live slot in tasks and returns a
// *profile.Profile with one sample per task, value = frames currently
// charged to it (task.Table.FramesOwned). Dead slots are skipped.
func BuildSnapshot(tasks *task.Table) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "frames", Unit: "count"},
		},
		TimeNanos: 1, // fixed placeholder timestamp; this package has no clock of its own
	}

	var functions []*profile.Function
	var locations []*profile.Location
	var samples []*profile.Sample

	var nextID uint64 = 1
	for pid := int32(0); pid < int32(tasks.Len()); pid++ {
		frames, ok := tasks.FramesOwned(pid)
		if !ok {
			continue
		}
		tk := tasks.Get(pid)
		fn := &profile.Function{
			ID:   nextID,
			Name: tk.Name,
		}
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		functions = append(functions, fn)
		locations = append(locations, loc)
		samples = append(samples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(frames)},
			Label:    map[string][]string{"pid": {strconv.Itoa(int(pid))}},
		})
	}

	p.Function = functions
	p.Location = locations
	p.Sample = samples
	return p
}

// Encode serializes a snapshot to the gzip-compressed pprof wire
// format, via Profile.Write, for D_PROF reads.
func Encode(p *profile.Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Snapshot is the convenience entry point the D_PROF device handler
// calls: build, then serialize.
func Snapshot(tasks *task.Table) ([]byte, error) {
	return Encode(BuildSnapshot(tasks))
}
