package builder

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/registry"
)

// Notifier informs the outside world about build outcomes. All methods
// are best-effort: a failed notification never fails the build.
type Notifier interface {
	NotifyUpdate(ctx context.Context, rec *registry.Course, u *registry.CourseUpdate)
	SendErrorMail(ctx context.Context, rec *registry.Course, subject, body string)
}

// NopNotifier does nothing.
type NopNotifier struct{}

func (NopNotifier) NotifyUpdate(context.Context, *registry.Course, *registry.CourseUpdate) {}
func (NopNotifier) SendErrorMail(context.Context, *registry.Course, string, string)       {}

// FrontendNotifier pings the learning frontend after a build so it can
// refresh the course. Error mail is not sent directly; the failure is
// logged for the operator's mail pipeline to pick up.
type FrontendNotifier struct {
	base string
	http *http.Client
	log  logging.Logger
}

// NewFrontendNotifier creates a notifier against the frontend base URL.
func NewFrontendNotifier(base string, log logging.Logger) *FrontendNotifier {
	return &FrontendNotifier{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.WithComponent("notifier"),
	}
}

// NotifyUpdate posts the update outcome to the frontend.
func (f *FrontendNotifier) NotifyUpdate(ctx context.Context, rec *registry.Course, u *registry.CourseUpdate) {
	form := url.Values{
		"course_key": {rec.Key},
		"status":     {string(u.Status)},
	}
	if rec.RemoteID != nil {
		form.Set("course_id", strconv.Itoa(*rec.RemoteID))
	}

	endpoint := f.base + "/api/v2/courses/notify_update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		f.log.Warn(ctx, err, "cannot build notify request", "course", rec.Key)
		return
	}
	req.URL.RawQuery = form.Encode()

	resp, err := f.http.Do(req)
	if err != nil {
		f.log.Warn(ctx, err, "frontend notification failed", "course", rec.Key)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.log.Warn(ctx, nil, "frontend rejected notification",
			"course", rec.Key, "status", resp.StatusCode)
	}
}

// SendErrorMail logs the failure for the operator. Mail delivery is
// delegated to the surrounding infrastructure watching the logs.
func (f *FrontendNotifier) SendErrorMail(ctx context.Context, rec *registry.Course, subject, body string) {
	f.log.Error(ctx, nil, "build error notification",
		"course", rec.Key, "subject", subject, "detail", body)
}
