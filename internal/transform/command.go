package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/banshee-data/rtdecnef/internal/artifact"
	"github.com/banshee-data/rtdecnef/internal/timeutil"
)

// Command runs an external preprocessing pipeline once per frame. Arguments
// may contain the placeholders {frame}, {mask}, {reference} and {scratch}.
// The pipeline prints the feature vector on stdout.
type Command struct {
	Args    []string
	Timeout time.Duration
	Clock   timeutil.Clock
}

func (c *Command) Transform(ctx context.Context, in Input) (Output, error) {
	if len(c.Args) == 0 {
		return Output{}, &Error{Op: "exec", Path: in.FramePath, Err: errors.New("no command configured")}
	}
	sw := timeutil.StartStopwatch(c.Clock)

	r := strings.NewReplacer(
		"{frame}", in.FramePath,
		"{mask}", in.MaskPath,
		"{reference}", in.ReferencePath,
		"{scratch}", in.ScratchDir,
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Output{}, &Error{Op: "exec", Path: in.FramePath, Retryable: true,
				Err: fmt.Errorf("timed out after %s", c.Timeout)}
		}
		return Output{}, &Error{Op: "exec", Path: in.FramePath, Err: fmt.Errorf("%w: %s", err, tail(stderr.String(), 512))}
	}
	sw.Lap("exec")

	vec, err := artifact.ParseVector(stdout.Bytes())
	if err != nil {
		return Output{}, &Error{Op: "parse", Path: in.FramePath, Err: err}
	}
	sw.Lap("parse")
	return Output{Vector: vec, Timings: sw.Stages()}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
