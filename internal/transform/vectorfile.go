package transform

import (
	"context"
	"errors"
	"io/fs"

	"github.com/banshee-data/rtdecnef/internal/artifact"
	"github.com/banshee-data/rtdecnef/internal/fsutil"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// VectorFile handles frames that already hold a flat float vector, as
// written by an upstream pipeline or the frame simulator. The optional mask
// reduces the vector to the region of interest.
type VectorFile struct {
	FS    fsutil.FileSystem
	Mask  *artifact.Mask
	Clock timeutil.Clock
}

// NewVectorFile returns a VectorFile reading through fs.
func NewVectorFile(fs fsutil.FileSystem, mask *artifact.Mask, clock timeutil.Clock) *VectorFile {
	return &VectorFile{FS: fs, Mask: mask, Clock: clock}
}

func (v *VectorFile) Transform(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	sw := timeutil.StartStopwatch(v.Clock)

	data, err := v.FS.ReadFile(in.FramePath)
	if err != nil {
		return Output{}, &Error{Op: "read", Path: in.FramePath, Retryable: errors.Is(err, fs.ErrNotExist), Err: err}
	}
	vec, err := artifact.ParseVector(data)
	if err != nil {
		// A partially copied frame parses short or empty.
		return Output{}, &Error{Op: "parse", Path: in.FramePath, Retryable: true, Err: err}
	}
	sw.Lap("read")

	if v.Mask != nil {
		vec, err = v.Mask.Apply(vec)
		if err != nil {
			return Output{}, &Error{Op: "mask", Path: in.FramePath, Retryable: true, Err: err}
		}
		sw.Lap("mask")
	}
	return Output{Vector: vec, Timings: sw.Stages()}, nil
}
