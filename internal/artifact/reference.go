package artifact

import (
	"fmt"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// Stats are per-feature normalization statistics computed offline from a
// model-construction session.
type Stats struct {
	Mean []float64
	Std  []float64
}

// LoadStats reads the mean and std vector files and checks they agree in
// length.
func LoadStats(fs fsutil.FileSystem, meanPath, stdPath string) (*Stats, error) {
	mean, err := LoadVector(fs, meanPath)
	if err != nil {
		return nil, fmt.Errorf("load mean: %w", err)
	}
	std, err := LoadVector(fs, stdPath)
	if err != nil {
		return nil, fmt.Errorf("load std: %w", err)
	}
	if len(mean) != len(std) {
		return nil, fmt.Errorf("mean has %d features, std has %d", len(mean), len(std))
	}
	return &Stats{Mean: mean, Std: std}, nil
}
