// Package artifact loads the static numeric resources of a session: flat
// feature vectors, ROI masks and reference mean/std statistics.
package artifact

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// ErrEmpty is returned when a vector file holds no numbers.
var ErrEmpty = errors.New("empty vector")

// ParseVector reads whitespace or comma separated floats. Lines starting
// with '#' are comments.
func ParseVector(data []byte) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// LoadVector reads a vector file through fs.
func LoadVector(fs fsutil.FileSystem, path string) ([]float64, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := ParseVector(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// FormatVector writes v one value per line, the inverse of ParseVector.
func FormatVector(v []float64) []byte {
	var b bytes.Buffer
	for _, x := range v {
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		b.WriteByte('\n')
	}
	return b.Bytes()
}
