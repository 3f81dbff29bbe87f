package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestType names a peer request.
type RequestType string

const (
	TrialOnset    RequestType = "trial_onset"
	FeedbackStart RequestType = "feedback_start"
	EndRun        RequestType = "end_run"

	// legacyEndRun is the name older peers use for EndRun.
	legacyEndRun RequestType = "exp_run_end"
)

// Request is a message from the peer.
type Request struct {
	Type        RequestType `json:"request_type"`
	TrialIdx    *int        `json:"trial_idx,omitempty"`
	GroundTruth *int        `json:"ground_truth,omitempty"`
	Stimulus    string      `json:"stimulus,omitempty"`
}

// UnmarshalJSON accepts the legacy spellings "stimuli" and "word" for the
// stimulus field and "exp_run_end" for end_run.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w struct {
		Type        RequestType `json:"request_type"`
		TrialIdx    *int        `json:"trial_idx"`
		GroundTruth *int        `json:"ground_truth"`
		Stimulus    *string     `json:"stimulus"`
		Stimuli     *string     `json:"stimuli"`
		Word        *string     `json:"word"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Request{Type: w.Type, TrialIdx: w.TrialIdx, GroundTruth: w.GroundTruth}
	if r.Type == legacyEndRun {
		r.Type = EndRun
	}
	for _, s := range []*string{w.Stimulus, w.Stimuli, w.Word} {
		if s != nil {
			r.Stimulus = *s
			break
		}
	}
	return nil
}

// ParseRequest decodes and validates a request payload. Failures wrap
// ErrProtocol.
func ParseRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: malformed request: %w", ErrProtocol, err)
	}
	switch req.Type {
	case TrialOnset:
		if req.TrialIdx == nil || req.GroundTruth == nil {
			return req, fmt.Errorf("%w: trial_onset needs trial_idx and ground_truth", ErrProtocol)
		}
	case FeedbackStart, EndRun:
	case "":
		return req, fmt.Errorf("%w: missing request_type", ErrProtocol)
	default:
		return req, fmt.Errorf("%w: unknown request_type %q", ErrProtocol, req.Type)
	}
	return req, nil
}

// Response is a bare JSON scalar sent to the peer: a token string or a
// probability.
type Response struct {
	token string
	value float64
	isNum bool
}

// Reply tokens.
const (
	TokenOK           = "ok"
	TokenError        = "error"
	TokenHeatupDone   = "heatup_done"
	TokenBaselineDone = "baseline_done"
)

// Token returns a string response.
func Token(s string) Response { return Response{token: s} }

// Probability returns a numeric response.
func Probability(p float64) Response { return Response{value: p, isNum: true} }

// OK is the acknowledgement token.
func OK() Response { return Token(TokenOK) }

// Value returns the numeric value and whether the response is a number.
func (r Response) Value() (float64, bool) { return r.value, r.isNum }

// Is reports whether r is the token s.
func (r Response) Is(s string) bool { return !r.isNum && r.token == s }

func (r Response) String() string {
	if r.isNum {
		return strconv.FormatFloat(r.value, 'g', -1, 64)
	}
	return r.token
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.isNum {
		return json.Marshal(r.value)
	}
	return json.Marshal(r.token)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		*r = Token(x)
	case float64:
		*r = Probability(x)
	default:
		return fmt.Errorf("%w: response must be a string or number, got %s", ErrProtocol, data)
	}
	return nil
}
