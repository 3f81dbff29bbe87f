// Package transform adapts the external raw-frame to feature-vector
// transformation. The session treats it as an opaque, possibly slow
// collaborator behind the Transformer interface.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransform matches every *Error.
var ErrTransform = errors.New("frame transform failed")

// Error describes a failed transformation of one frame.
type Error struct {
	Op        string
	Path      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransform }

// IsRetryable reports whether err is a transform error worth retrying, such
// as a frame file that was still being copied.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable
}

// Input names the files a transformation works from.
type Input struct {
	FramePath     string
	MaskPath      string
	ReferencePath string
	ScratchDir    string
}

// Output is the flat feature vector of one frame and the time spent in each
// stage of producing it.
type Output struct {
	Vector  []float64
	Timings map[string]time.Duration
}

// Transformer turns one raw frame into a feature vector.
type Transformer interface {
	Transform(ctx context.Context, in Input) (Output, error)
}
