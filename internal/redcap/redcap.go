// Package redcap exports lifestyle questionnaire records from a REDCap project API.
//
// Each questionnaire version lives in its own REDCap project with its own API token.
// Records are exported as flat CSV; the package turns them into completion records
// and raw screening responses keyed by canonical subject id.
package redcap

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/registry"
)

const (
	// StudyIDField is the record identifier field in every questionnaire project.
	StudyIDField = "obs_study_id"
	// CompleteStatus is REDCap's instrument status for a completed form.
	CompleteStatus = "2"

	DefaultTimeout    = 60 * time.Second
	DefaultRetryCount = 2
)

// ErrNoToken is returned when no API token is configured for a questionnaire version.
var ErrNoToken = errors.New("no REDCap API token configured")

// Opts holds configuration for the REDCap client.
type Opts struct {
	BaseURL    string
	Tokens     map[models.Version]string
	Timeout    time.Duration
	RetryCount int
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithBaseURL sets the REDCap API endpoint, e.g. https://redcap.example.org/api/.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithToken sets the API token for questionnaire version v.
func WithToken(v models.Version, token string) Option {
	return func(o *Opts) {
		if token == "" {
			return
		}
		if o.Tokens == nil {
			o.Tokens = make(map[models.Version]string)
		}
		o.Tokens[v] = token
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithRetryCount sets how many times a failed request is retried by the HTTP client.
func WithRetryCount(n int) Option {
	return func(o *Opts) {
		o.RetryCount = n
	}
}

// Client exports records from the questionnaire projects.
type Client struct {
	http   *resty.Client
	tokens map[models.Version]string
}

// NewClient builds a client. The base URL is mandatory.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout, RetryCount: DefaultRetryCount}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, &models.ConfigError{Key: "REDCAP_API_URL", Err: errors.New("not set")}
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "text/csv")

	tokens := make(map[models.Version]string, len(cfg.Tokens))
	for v, t := range cfg.Tokens {
		tokens[v] = t
	}
	slog.Debug("redcap.NewClient", "tokens", len(tokens), "timeout", cfg.Timeout)
	return &Client{http: httpClient, tokens: tokens}, nil
}

// HasToken reports whether questionnaire v can be exported.
func (c *Client) HasToken(v models.Version) bool {
	return c.tokens[v] != ""
}

// Export downloads the named fields for every record of questionnaire v and returns
// one map per CSV row, keyed by column header.
func (c *Client) Export(ctx context.Context, v models.Version, fields []string) ([]map[string]string, error) {
	token := c.tokens[v]
	if token == "" {
		return nil, fmt.Errorf("%s: %w", v, ErrNoToken)
	}

	form := map[string]string{
		"token":               token,
		"content":             "record",
		"format":              "csv",
		"type":                "flat",
		"rawOrLabel":          "raw",
		"rawOrLabelHeaders":   "raw",
		"exportCheckboxLabel": "false",
		"exportSurveyFields":  "true",
		"returnFormat":        "json",
	}
	for i, f := range fields {
		form["fields["+strconv.Itoa(i)+"]"] = f
	}

	slog.Debug("redcap.Client.Export", "version", v, "fields", fields)
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post("")
	if err != nil {
		slog.Error("REDCap export failed", "version", v, "error", err)
		return nil, fmt.Errorf("REDCap export for %s failed: %w", v, err)
	}
	if resp.IsError() {
		slog.Error("REDCap export returned error", "version", v, "status_code", resp.StatusCode())
		return nil, fmt.Errorf("REDCap export for %s failed: status %d: %s", v, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	rows, err := parseCSV(resp.Body())
	if err != nil {
		slog.Error("REDCap export parse failed", "version", v, "error", err)
		return nil, &models.DataError{Source: v.String() + " export", Row: -1, Err: err}
	}
	slog.Debug("redcap.Client.Export succeeded", "version", v, "rows", len(rows))
	return rows, nil
}

// parseCSV reads a header row followed by records. Short rows are padded with blanks.
func parseCSV(body []byte) ([]map[string]string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", len(rows), err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TimestampField returns the survey timestamp field for questionnaire v.
func TimestampField(v models.Version) string {
	return fmt.Sprintf("lifestyle_questionnaire_%d_timestamp", int(v))
}

// CompleteField returns the instrument status field for questionnaire v.
func CompleteField(v models.Version) string {
	return fmt.Sprintf("lifestyle_questionnaire_%d_complete", int(v))
}

// FetchCompletions returns subjects who completed questionnaire v and the date they
// completed it. Rows not marked complete are ignored. Rows with an unusable id or
// timestamp are logged and dropped.
func (c *Client) FetchCompletions(ctx context.Context, v models.Version) (models.Completions, error) {
	rows, err := c.Export(ctx, v, []string{StudyIDField, TimestampField(v), CompleteField(v)})
	if err != nil {
		return nil, err
	}

	completions := make(models.Completions)
	for i, row := range rows {
		if strings.TrimSpace(row[CompleteField(v)]) != CompleteStatus {
			continue
		}
		id, err := registry.NormalizeID(row[StudyIDField])
		if err != nil {
			logDropped(v, i, err)
			continue
		}
		date, err := models.ParseDate(row[TimestampField(v)])
		if err != nil {
			logDropped(v, i, err)
			continue
		}
		if !date.IsValid() {
			logDropped(v, i, errors.New("missing completion timestamp"))
			continue
		}
		if prev, ok := completions[id]; !ok || date.Before(prev) {
			completions[id] = date
		}
	}
	slog.Debug("redcap.Client.FetchCompletions", "version", v, "rows", len(rows), "completed", len(completions))
	return completions, nil
}

// FetchResponses returns the raw answers to fields for every record of questionnaire
// v, keyed by canonical subject id, in the order of fields.
func (c *Client) FetchResponses(ctx context.Context, v models.Version, fields []string) (map[string][]string, error) {
	rows, err := c.Export(ctx, v, append([]string{StudyIDField}, fields...))
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(rows))
	for i, row := range rows {
		id, err := registry.NormalizeID(row[StudyIDField])
		if err != nil {
			logDropped(v, i, err)
			continue
		}
		answers := make([]string, len(fields))
		for j, f := range fields {
			answers[j] = row[f]
		}
		out[id] = answers
	}
	return out, nil
}

func logDropped(v models.Version, row int, err error) {
	slog.Warn("redcap: dropping malformed row", "error", &models.DataError{Source: v.String() + " export", Row: row, Err: err})
}
