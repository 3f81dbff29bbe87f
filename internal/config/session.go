package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical session defaults file.
const DefaultConfigPath = "config/session.defaults.json"

// ErrConfiguration marks invalid settings or missing resources. It is fatal
// before the session loop starts.
var ErrConfiguration = errors.New("configuration error")

// Normalization and decoding mode names accepted in the config file.
const (
	NormToBaseline     = "to_baseline"
	NormToTimeseries   = "to_timeseries"
	NormToModelSession = "to_model_session"

	DecodeAverageVectors       = "average_vectors_then_decode"
	DecodeAverageProbabilities = "decode_then_average_probabilities"
	DecodeDynamic              = "dynamic_per_frame"

	TransformVectorFile = "vector_file"
	TransformCommand    = "command"
)

// Session is the configuration of one acquisition run. Tunables are pointer
// fields so partial files are safe; the Get* methods supply defaults.
type Session struct {
	Subject string `json:"subject,omitempty"`
	Session string `json:"session,omitempty"`
	Run     string `json:"run,omitempty"`

	TR             *float64 `json:"tr,omitempty"` // seconds
	HeatupFrames   *int     `json:"heatup_frames,omitempty"`
	BaselineFrames *int     `json:"baseline_frames,omitempty"`
	WindowOnset    *float64 `json:"window_onset,omitempty"`  // seconds after trial onset
	WindowOffset   *float64 `json:"window_offset,omitempty"` // seconds after trial onset
	Normalization  *string  `json:"normalization,omitempty"`
	Decoding       *string  `json:"decoding,omitempty"`

	FirstFrameIndex *int    `json:"first_frame_index,omitempty"`
	IndexWidth      *int    `json:"index_width,omitempty"`
	FrameExt        *string `json:"frame_ext,omitempty"`

	PollInterval     *string `json:"poll_interval,omitempty"` // duration string like "100ms"
	SettleDelay      *string `json:"settle_delay,omitempty"`
	FrameTimeout     *string `json:"frame_timeout,omitempty"` // "0s" disables
	SendSpacing      *string `json:"send_spacing,omitempty"`
	TransformRetries *int    `json:"transform_retries,omitempty"`
	NotifyPhase      *bool   `json:"notify_phase,omitempty"`
	ClearSourceDir   *bool   `json:"clear_source_dir,omitempty"`

	Paths     Paths     `json:"paths"`
	Transform Transform `json:"transform"`
	Transport Transport `json:"transport"`
}

// Paths locates the frame source, the run outputs and the static resources.
type Paths struct {
	SourceDir  string `json:"source_dir,omitempty"`
	OutputsDir string `json:"outputs_dir,omitempty"`
	Classifier string `json:"classifier,omitempty"`
	Mask       string `json:"mask,omitempty"`
	Reference  string `json:"reference,omitempty"`
	NormMean   string `json:"norm_mean,omitempty"`
	NormStd    string `json:"norm_std,omitempty"`
}

// Transform selects the frame transformation adapter.
type Transform struct {
	Kind    *string  `json:"kind,omitempty"`
	Command []string `json:"command,omitempty"`
	Timeout *string  `json:"timeout,omitempty"`
}

// Transport selects how the stimulus peer connects. Exactly one of Listen
// and SerialPort is used; SerialPort wins when both are set.
type Transport struct {
	Listen     string `json:"listen,omitempty"`
	SerialPort string `json:"serial_port,omitempty"`
	SerialBaud *int   `json:"serial_baud,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadSession loads a Session from a JSON file and validates it. The file
// must have a .json extension and be under 1MB.
func LoadSession(path string) (*Session, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrConfiguration, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat config file: %w", ErrConfiguration, err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfiguration, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
	}

	cfg := &Session{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that can be judged without touching the filesystem.
func (c *Session) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.TR != nil && (*c.TR <= 0 || math.IsNaN(*c.TR)) {
		add("tr must be positive, got %v", *c.TR)
	}
	if c.HeatupFrames != nil && *c.HeatupFrames < 0 {
		add("heatup_frames must be non-negative, got %d", *c.HeatupFrames)
	}
	if c.BaselineFrames != nil && *c.BaselineFrames < 0 {
		add("baseline_frames must be non-negative, got %d", *c.BaselineFrames)
	}
	if c.GetWindowOnset() < 0 {
		add("window_onset must be non-negative, got %v", c.GetWindowOnset())
	}
	if c.GetWindowOnset() > c.GetWindowOffset() {
		add("window_onset %v is after window_offset %v", c.GetWindowOnset(), c.GetWindowOffset())
	}
	switch c.GetNormalization() {
	case NormToBaseline:
		if c.GetBaselineFrames() == 0 {
			add("normalization %s needs baseline_frames > 0", NormToBaseline)
		}
	case NormToTimeseries:
	case NormToModelSession:
		if c.Paths.NormMean == "" || c.Paths.NormStd == "" {
			add("normalization %s needs paths.norm_mean and paths.norm_std", NormToModelSession)
		}
	default:
		add("unknown normalization %q", c.GetNormalization())
	}
	switch c.GetDecoding() {
	case DecodeAverageVectors, DecodeAverageProbabilities, DecodeDynamic:
	default:
		add("unknown decoding %q", c.GetDecoding())
	}
	if c.IndexWidth != nil && (*c.IndexWidth < 1 || *c.IndexWidth > 12) {
		add("index_width must be between 1 and 12, got %d", *c.IndexWidth)
	}
	if c.FirstFrameIndex != nil && *c.FirstFrameIndex < 0 {
		add("first_frame_index must be non-negative, got %d", *c.FirstFrameIndex)
	}
	if ext := c.GetFrameExt(); ext != "" && !strings.HasPrefix(ext, ".") {
		add("frame_ext must start with '.', got %q", ext)
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"poll_interval", c.PollInterval},
		{"settle_delay", c.SettleDelay},
		{"frame_timeout", c.FrameTimeout},
		{"send_spacing", c.SendSpacing},
		{"transform.timeout", c.Transform.Timeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			add("invalid %s '%s': %v", d.name, *d.v, err)
		} else if parsed < 0 {
			add("%s must be non-negative, got %s", d.name, *d.v)
		}
	}
	if p := c.GetPollInterval(); p <= 0 || p >= time.Second {
		add("poll_interval must be in (0, 1s), got %s", p)
	}
	if c.TransformRetries != nil && *c.TransformRetries < 0 {
		add("transform_retries must be non-negative, got %d", *c.TransformRetries)
	}

	switch c.GetTransformKind() {
	case TransformVectorFile:
	case TransformCommand:
		if len(c.Transform.Command) == 0 {
			add("transform.kind %s needs transform.command", TransformCommand)
		}
	default:
		add("unknown transform.kind %q", c.GetTransformKind())
	}
	if c.Transport.SerialBaud != nil && *c.Transport.SerialBaud <= 0 {
		add("transport.serial_baud must be positive, got %d", *c.Transport.SerialBaud)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// CheckResources verifies that the frame source directory and every static
// resource the configured modes need are present. All missing resources are
// reported together.
func (c *Session) CheckResources(fs fsutil.FileSystem) error {
	var problems []string

	if c.Paths.SourceDir == "" {
		problems = append(problems, "paths.source_dir is not set")
	} else if info, err := fs.Stat(c.Paths.SourceDir); err != nil {
		problems = append(problems, fmt.Sprintf("frame source directory %s: %v", c.Paths.SourceDir, err))
	} else if !info.IsDir() {
		problems = append(problems, fmt.Sprintf("frame source %s is not a directory", c.Paths.SourceDir))
	}
	if c.Paths.OutputsDir == "" {
		problems = append(problems, "paths.outputs_dir is not set")
	}

	required := []struct{ name, path string }{
		{"classifier", c.Paths.Classifier},
	}
	if c.GetNormalization() == NormToModelSession {
		required = append(required,
			struct{ name, path string }{"norm_mean", c.Paths.NormMean},
			struct{ name, path string }{"norm_std", c.Paths.NormStd})
	}
	optional := []struct{ name, path string }{
		{"mask", c.Paths.Mask},
		{"reference", c.Paths.Reference},
	}
	for _, r := range required {
		if r.path == "" {
			problems = append(problems, fmt.Sprintf("paths.%s is not set", r.name))
			continue
		}
		if !fs.Exists(r.path) {
			problems = append(problems, fmt.Sprintf("%s %s does not exist", r.name, r.path))
		}
	}
	for _, r := range optional {
		if r.path != "" && !fs.Exists(r.path) {
			problems = append(problems, fmt.Sprintf("%s %s does not exist", r.name, r.path))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// GetTR returns the sampling interval.
func (c *Session) GetTR() time.Duration {
	if c.TR == nil {
		return 2 * time.Second
	}
	return secondsToDuration(*c.TR)
}

// GetHeatupFrames returns the heatup_frames value or the default.
func (c *Session) GetHeatupFrames() int {
	if c.HeatupFrames == nil {
		return 5
	}
	return *c.HeatupFrames
}

// GetBaselineFrames returns the baseline_frames value or the default.
func (c *Session) GetBaselineFrames() int {
	if c.BaselineFrames == nil {
		return 20
	}
	return *c.BaselineFrames
}

// GetWindowOnset returns the window onset in seconds.
func (c *Session) GetWindowOnset() float64 {
	if c.WindowOnset == nil {
		return 5
	}
	return *c.WindowOnset
}

// GetWindowOffset returns the window offset in seconds.
func (c *Session) GetWindowOffset() float64 {
	if c.WindowOffset == nil {
		return 11
	}
	return *c.WindowOffset
}

// GetWindow returns the window bounds as durations after trial onset.
func (c *Session) GetWindow() (onset, offset time.Duration) {
	return secondsToDuration(c.GetWindowOnset()), secondsToDuration(c.GetWindowOffset())
}

func (c *Session) GetNormalization() string {
	if c.Normalization == nil || *c.Normalization == "" {
		return NormToBaseline
	}
	return *c.Normalization
}

func (c *Session) GetDecoding() string {
	if c.Decoding == nil || *c.Decoding == "" {
		return DecodeAverageProbabilities
	}
	return *c.Decoding
}

func (c *Session) GetFirstFrameIndex() int {
	if c.FirstFrameIndex == nil {
		return 1
	}
	return *c.FirstFrameIndex
}

func (c *Session) GetIndexWidth() int {
	if c.IndexWidth == nil {
		return 4
	}
	return *c.IndexWidth
}

func (c *Session) GetFrameExt() string {
	if c.FrameExt == nil {
		return ".dcm"
	}
	return *c.FrameExt
}

// GetPollInterval returns the watcher re-check interval.
func (c *Session) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 100*time.Millisecond)
}

// GetSettleDelay returns how long the watcher waits after detecting a frame.
func (c *Session) GetSettleDelay() time.Duration {
	return parseDurationOr(c.SettleDelay, 100*time.Millisecond)
}

// GetFrameTimeout returns the longest wait for one frame; zero disables it.
func (c *Session) GetFrameTimeout() time.Duration {
	return parseDurationOr(c.FrameTimeout, 60*time.Second)
}

// GetSendSpacing returns the minimum gap between consecutive sends.
func (c *Session) GetSendSpacing() time.Duration {
	return parseDurationOr(c.SendSpacing, 50*time.Millisecond)
}

func (c *Session) GetTransformRetries() int {
	if c.TransformRetries == nil {
		return 2
	}
	return *c.TransformRetries
}

func (c *Session) GetNotifyPhase() bool {
	if c.NotifyPhase == nil {
		return false
	}
	return *c.NotifyPhase
}

func (c *Session) GetClearSourceDir() bool {
	if c.ClearSourceDir == nil {
		return false
	}
	return *c.ClearSourceDir
}

func (c *Session) GetTransformKind() string {
	if c.Transform.Kind == nil || *c.Transform.Kind == "" {
		return TransformVectorFile
	}
	return *c.Transform.Kind
}

// GetTransformTimeout bounds a single external transform invocation. It
// defaults to twice the TR.
func (c *Session) GetTransformTimeout() time.Duration {
	return parseDurationOr(c.Transform.Timeout, 2*c.GetTR())
}

func (c *Session) GetSerialBaud() int {
	if c.Transport.SerialBaud == nil {
		return 115200
	}
	return *c.Transport.SerialBaud
}

// GetListen returns the TCP listen address for the stimulus peer.
func (c *Session) GetListen() string {
	if c.Transport.Listen == "" {
		return "127.0.0.1:5000"
	}
	return c.Transport.Listen
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
