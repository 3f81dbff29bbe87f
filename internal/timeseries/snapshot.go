package timeseries

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// Snapshot names written by State.
const (
	SnapshotBaseline          = "baseline"
	SnapshotTask              = "task"
	SnapshotWhole             = "whole_timeseries"
	SnapshotDetrendedBaseline = "detrended_baseline"
)

// Snapshotter persists a named matrix.
type Snapshotter interface {
	Save(name string, m *mat.Dense) error
}

// DirSnapshotter writes matrices as <Dir>/<name>.mat in gonum's binary
// format, replacing the previous file atomically.
type DirSnapshotter struct {
	Dir string
	FS  fsutil.FileSystem
}

func (d DirSnapshotter) Save(name string, m *mat.Dense) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	final := filepath.Join(d.Dir, name+".mat")
	tmp := final + ".tmp"
	if err := d.FS.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := d.FS.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot reads a matrix written by DirSnapshotter.
func LoadSnapshot(fs fsutil.FileSystem, dir, name string) (*mat.Dense, error) {
	data, err := fs.ReadFile(filepath.Join(dir, name+".mat"))
	if err != nil {
		return nil, err
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &m, nil
}
