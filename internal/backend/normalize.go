package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// errEmptyPayload is returned when the backend answers with an empty body.
var errEmptyPayload = errors.New("empty payload")

// payload is the union of the fields the backend may send, either at the top
// level or nested under "data".
type payload struct {
	ID      string            `json:"id"`
	JobID   string            `json:"job_id"`
	JobIDC  string            `json:"jobId"`
	Status  string            `json:"status"`
	State   string            `json:"state"`
	Outputs []json.RawMessage `json:"outputs"`
	Output  json.RawMessage   `json:"output"`
	Error   json.RawMessage   `json:"error"`
	Message string            `json:"message"`
}

type envelope struct {
	payload
	Data json.RawMessage `json:"data"`
}

// unwrap decodes raw and returns the effective payload. When "data" holds an
// object it wins over the top-level fields; otherwise the top level is used.
func unwrap(raw []byte) (payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return payload{}, errEmptyPayload
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return payload{}, err
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) > 0 && data[0] == '{' {
		var inner payload
		if err := json.Unmarshal(data, &inner); err != nil {
			return payload{}, err
		}
		return inner, nil
	}
	return env.payload, nil
}

// normalizeSubmit extracts the job id from a submit response.
func normalizeSubmit(raw []byte) (jobID, errMsg string, err error) {
	p, err := unwrap(raw)
	if err != nil {
		return "", "", err
	}
	for _, id := range []string{p.JobID, p.JobIDC, p.ID} {
		if id != "" {
			return id, "", nil
		}
	}
	return "", errorText(p), nil
}

// normalizeStatus maps both payload shapes,
//
//	{"status": ..., "outputs": [...], "error": ...}
//	{"data": {"status": ..., "outputs": [...], "error": ...}}
//
// into a StatusResult. Outputs may be URL strings or objects with a "url"
// field; a single "output" value is accepted too. Error may be a string or
// an object with a "message" field.
func normalizeStatus(raw []byte) (StatusResult, error) {
	p, err := unwrap(raw)
	if err != nil {
		return StatusResult{}, err
	}

	rawStatus := p.Status
	if rawStatus == "" {
		rawStatus = p.State
	}

	res := StatusResult{
		Status:    mapStatus(rawStatus),
		RawStatus: rawStatus,
		Outputs:   outputURLs(p),
	}
	if res.Status == StatusFailed {
		res.Error = errorText(p)
		if res.Error == "" {
			res.Error = "generation failed without an error message"
		}
	}
	return res, nil
}

func mapStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "submitted", "in_queue", "created", "":
		return StatusSubmitted
	case "running", "processing", "in_progress", "started":
		return StatusProcessing
	case "completed", "complete", "succeeded", "success", "done", "finished":
		return StatusCompleted
	case "failed", "error", "cancelled", "canceled", "timed_out", "rejected":
		return StatusFailed
	default:
		return StatusProcessing
	}
}

func outputURLs(p payload) []string {
	items := p.Outputs
	if len(items) == 0 && len(bytes.TrimSpace(p.Output)) > 0 {
		out := bytes.TrimSpace(p.Output)
		if out[0] == '[' {
			if err := json.Unmarshal(out, &items); err != nil {
				items = nil
			}
		} else {
			items = []json.RawMessage{out}
		}
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		if u := outputURL(item); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func outputURL(item json.RawMessage) string {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		URL      string `json:"url"`
		VideoURL string `json:"video_url"`
		Video    string `json:"video"`
	}
	if err := json.Unmarshal(item, &obj); err != nil {
		return ""
	}
	for _, u := range []string{obj.URL, obj.VideoURL, obj.Video} {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

func errorText(p payload) string {
	e := bytes.TrimSpace(p.Error)
	if len(e) > 0 && !bytes.Equal(e, []byte("null")) {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(e, &obj); err == nil {
			if obj.Message != "" {
				return obj.Message
			}
			if obj.Detail != "" {
				return obj.Detail
			}
		}
		return string(e)
	}
	return p.Message
}
