// Package grader implements the configuration protocol against external
// grading services. Exercises are grouped by grader URL; each URL gets
// one multipart POST carrying the course spec, the exercise configs and
// a tar archive of the referenced course files. Transient upstream
// failures are retried with exponential backoff; a failure on one URL
// never aborts the others.
package grader

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/courseman/courseman/internal/course"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/fileutil"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/parser"
	"github.com/courseman/courseman/internal/registry"
)

const (
	// retryAttempts is the total number of tries per URL.
	retryAttempts = 5
	// retryBase is the initial backoff interval.
	retryBase = 400 * time.Millisecond
)

// Client talks to grading services.
type Client struct {
	http *http.Client
	log  logging.Logger
}

// NewClient creates a grader client.
func NewClient(log logging.Logger) *Client {
	if log == nil {
		log = logging.NopLogger{}
	}

	return &Client{
		http: &http.Client{Timeout: 5 * time.Minute},
		log:  log.WithComponent("grader"),
	}
}

// target is one grader URL with everything that must be posted to it.
type target struct {
	url       string
	files     map[string]string // archive name -> course-relative path
	exercises []*course.Node
}

// collectTargets groups the course-level and per-exercise configure
// blocks by URL.
func collectTargets(cc *courseconfig.CourseConfig) map[string]*target {
	targets := make(map[string]*target)
	get := func(url string) *target {
		t, ok := targets[url]
		if !ok {
			t = &target{url: url, files: make(map[string]string)}
			targets[url] = t
		}
		return t
	}

	for _, block := range cc.Course.Configures {
		t := get(block.URL)
		for name, path := range block.Files {
			t.files[name] = path
		}
	}
	for _, n := range cc.Course.Exercises() {
		if n.Exercise == nil || n.Exercise.Configure == nil {
			continue
		}
		block := n.Exercise.Configure
		t := get(block.URL)
		t.exercises = append(t.exercises, n)
		for name, path := range block.Files {
			t.files[name] = path
		}
	}

	return targets
}

// HasTargets reports whether the course configures any grader.
func HasTargets(cc *courseconfig.CourseConfig) bool {
	return len(collectTargets(cc)) > 0
}

// ConfigureGraders posts the course configuration to every grader URL.
// It returns any exercise config defaults the graders responded with,
// keyed by exercise key, plus one GraderError per failed URL. Callers
// storing a course must treat a non-empty error list as fatal.
func (c *Client) ConfigureGraders(ctx context.Context, cc *courseconfig.CourseConfig, rec *registry.Course) (map[string]parser.Doc, []errors.GraderError, error) {
	targets := collectTargets(cc)
	if len(targets) == 0 {
		return nil, nil, nil
	}
	if rec.RemoteID == nil {
		return nil, nil, errors.NewValidationError(errors.ErrCodeRemoteIDMissing,
			fmt.Sprintf("course %q configures graders but has no remote id", cc.Key))
	}

	urls := make([]string, 0, len(targets))
	for url := range targets {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	defaults := make(map[string]parser.Doc)
	var failures []errors.GraderError
	for _, url := range urls {
		t := targets[url]
		respDefaults, gerr := c.configureOne(ctx, cc, rec, t)
		if gerr != nil {
			c.log.Warn(ctx, gerr, "grader configure failed", "url", url, "course", cc.Key)
			failures = append(failures, *gerr)
			continue
		}
		for key, doc := range respDefaults {
			defaults[key] = doc
		}
	}

	return defaults, failures, nil
}

func (c *Client) configureOne(ctx context.Context, cc *courseconfig.CourseConfig, rec *registry.Course, t *target) (map[string]parser.Doc, *errors.GraderError) {
	body, contentType, err := c.configurePayload(cc, rec, t)
	if err != nil {
		return nil, &errors.GraderError{URL: t.url, Message: err.Error()}
	}

	respBody, gerr := c.post(ctx, t.url, contentType, body)
	if gerr != nil {
		return nil, gerr
	}

	if len(respBody) == 0 {
		if len(t.exercises) > 0 {
			return nil, &errors.GraderError{URL: t.url,
				Message: "empty response on exercise configuration"}
		}
		return nil, nil
	}

	// the response body is the defaults document itself, keyed by
	// exercise
	var all map[string]parser.Doc
	if err := json.Unmarshal(respBody, &all); err != nil {
		return nil, &errors.GraderError{URL: t.url,
			Message: fmt.Sprintf("cannot decode configure response: %v", err)}
	}

	defaults := make(map[string]parser.Doc)
	for _, n := range t.exercises {
		if d, ok := all[n.Key]; ok {
			defaults[n.Key] = d
		}
	}

	return defaults, nil
}

// configurePayload renders the multipart form for one grader URL.
func (c *Client) configurePayload(cc *courseconfig.CourseConfig, rec *registry.Course, t *target) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("course_id", strconv.Itoa(*rec.RemoteID)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("course_key", cc.Key); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("version_id", cc.VersionID); err != nil {
		return nil, "", err
	}

	spec, err := json.Marshal(cc.Course.Spec())
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("course_spec", string(spec)); err != nil {
		return nil, "", err
	}

	allExports := cc.Course.ExerciseExport()
	exercises := make([]parser.Doc, 0, len(t.exercises))
	for _, n := range t.exercises {
		exercises = append(exercises, allExports[n.Key])
	}
	exJSON, err := json.Marshal(exercises)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("exercises", string(exJSON)); err != nil {
		return nil, "", err
	}

	if len(t.files) > 0 {
		archive, err := tarFiles(cc.Dir, t.files)
		if err != nil {
			return nil, "", err
		}
		part, err := w.CreateFormFile("files", "course.tar")
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(archive); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// PublishGraders notifies every grader URL that the stored version went
// live. Per-URL failures and any errors the graders report back are
// returned; they never abort publication. A course that configures
// graders cannot be published without a remote id.
func (c *Client) PublishGraders(ctx context.Context, cc *courseconfig.CourseConfig, rec *registry.Course) ([]errors.GraderError, error) {
	targets := collectTargets(cc)
	if len(targets) == 0 {
		return nil, nil
	}
	if rec.RemoteID == nil {
		return nil, errors.NewValidationError(errors.ErrCodeRemoteIDMissing,
			fmt.Sprintf("course %q configures graders but has no remote id", cc.Key))
	}

	urls := make([]string, 0, len(targets))
	for url := range targets {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	var failures []errors.GraderError
	for _, url := range urls {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		_ = w.WriteField("course_id", strconv.Itoa(*rec.RemoteID))
		_ = w.WriteField("course_key", cc.Key)
		_ = w.WriteField("version_id", cc.VersionID)
		_ = w.WriteField("publish", "true")
		if err := w.Close(); err != nil {
			failures = append(failures, errors.GraderError{URL: url, Message: err.Error()})
			continue
		}

		respBody, gerr := c.post(ctx, url, w.FormDataContentType(), buf.Bytes())
		if gerr != nil {
			c.log.Warn(ctx, gerr, "grader publish failed", "url", url, "course", cc.Key)
			failures = append(failures, *gerr)
			continue
		}
		failures = append(failures, publishResponseErrors(url, respBody)...)
	}

	return failures, nil
}

// publishResponseErrors decodes the non-fatal errors a grader reports
// in its publish response body, normally a JSON list of strings.
func publishResponseErrors(url string, body []byte) []errors.GraderError {
	if len(body) == 0 {
		return nil
	}

	var reported interface{}
	if err := json.Unmarshal(body, &reported); err != nil {
		return []errors.GraderError{{URL: url,
			Message: fmt.Sprintf("cannot decode publish response: %v", err)}}
	}
	list, ok := reported.([]interface{})
	if !ok {
		list = []interface{}{reported}
	}

	out := make([]errors.GraderError, 0, len(list))
	for _, e := range list {
		out = append(out, errors.GraderError{URL: url, Message: fmt.Sprint(e)})
	}

	return out
}

// retryableStatus are the upstream statuses worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}

	return false
}

// post sends the payload with retries and returns the response body.
func (c *Client) post(ctx context.Context, url, contentType string, body []byte) ([]byte, *errors.GraderError) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryBase),
		), retryAttempts-1), ctx)

	var respBody []byte
	var lastStatus int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Prefer", "respond-async")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respBody = data
			return nil
		}
		statusErr := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, &errors.GraderError{URL: url, StatusCode: lastStatus, Message: err.Error()}
	}

	return respBody, nil
}

// tarFiles archives the named course files as an uncompressed PAX tar.
func tarFiles(root string, files map[string]string) ([]byte, error) {
	mappings := make([]fileutil.FileMapping, 0, len(files))
	for name, path := range files {
		mappings = append(mappings, fileutil.FileMapping{Name: name, Path: path})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Name < mappings[j].Name })

	resolved, err := fileutil.FileMappings(root, mappings)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, fm := range resolved {
		info, err := os.Stat(fm.Path)
		if err != nil {
			return nil, err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = fm.Name
		hdr.Format = tar.FormatPAX
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(fm.Path)
		if err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
