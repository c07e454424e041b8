// Package loki pushes telemetry log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// DefaultJob is the job label applied to every stream.
const DefaultJob = "campus-telemetry"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	// Values holds [timestamp_ns, line] pairs.
	Values [][]string `json:"values"`
}

// labelSanitize matches characters that are not kept in label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// eventFields are the parts of a producer message used for labels and the
// entry timestamp.
type eventFields struct {
	EventType  string `json:"event_type"`
	DeviceType string `json:"device_type"`
	AppVersion string `json:"app_version"`
	OccurredAt string `json:"occurred_at"`
}

// Client pushes entries to one Loki instance.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithJob overrides DefaultJob.
func WithJob(job string) Option {
	return func(cl *Client) { cl.job = job }
}

// New returns a client for baseURL, e.g. http://localhost:3100.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New("loki: base URL is empty")
	}
	c := &Client{baseURL: baseURL, job: DefaultJob, http: http.DefaultClient, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PushEventJSON pushes a producer message. Labels and the timestamp come from
// the message; if it does not parse, the raw line is pushed at the current
// time with only the job label.
func (c *Client) PushEventJSON(ctx context.Context, raw []byte) error {
	labels := map[string]string{}
	ts := c.now().UTC()
	var fields eventFields
	if err := json.Unmarshal(raw, &fields); err == nil {
		labels["event_type"] = fields.EventType
		labels["device_type"] = fields.DeviceType
		labels["app_version"] = fields.AppVersion
		if t, err := time.Parse(time.RFC3339Nano, fields.OccurredAt); err == nil {
			ts = t
		}
	}
	return c.Push(ctx, ts, string(raw), labels)
}

// Push sends one line. Empty label values are dropped.
func (c *Client) Push(ctx context.Context, ts time.Time, line string, labels map[string]string) error {
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = c.job
	for k, v := range labels {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	payload, err := json.Marshal(PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	})
	if err != nil {
		return xerrors.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return xerrors.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("push to loki: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Errorf("loki: push returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
