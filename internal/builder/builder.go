// Package builder runs the course update pipeline: git sync into the
// build root, an optional build command, validation, grader
// configuration and storage, and finally publication. Updates are
// queued per course and processed by a bounded worker pool; while a
// course is being built, additional requests collapse into the newest
// pending one.
package builder

import (
	"context"
	"fmt"
	"sync"

	"github.com/courseman/courseman/internal/config"
	"github.com/courseman/courseman/internal/course"
	"github.com/courseman/courseman/internal/courseconfig"
	"github.com/courseman/courseman/internal/gitsync"
	"github.com/courseman/courseman/internal/grader"
	"github.com/courseman/courseman/internal/logging"
	"github.com/courseman/courseman/internal/registry"
)

// queueSize bounds the number of queued build triggers.
const queueSize = 256

// BuildFunc is the external build collaborator: it receives the course
// identity, the build tree, the resolved container image and shell
// command, and the environment the build should see. A non-nil error
// fails the update. The default collaborator runs the command through
// the shell; deployments building in containers plug in their own.
type BuildFunc func(ctx context.Context, log logging.Logger, courseKey, dir, image, command string, env []string) error

// Builder coordinates course updates end to end.
type Builder struct {
	cfg       *config.Config
	reg       *registry.Registry
	loader    *courseconfig.Loader
	git       *gitsync.Client
	graders   *grader.Client
	notifier  Notifier
	buildFunc BuildFunc
	log       logging.Logger

	jobs chan string

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a builder over the configured roots and services.
func New(cfg *config.Config, reg *registry.Registry, loader *courseconfig.Loader, log logging.Logger) *Builder {
	if log == nil {
		log = logging.NopLogger{}
	}
	log = log.WithComponent("builder")

	var notifier Notifier = NopNotifier{}
	if cfg.Frontend.URL != "" {
		notifier = NewFrontendNotifier(cfg.Frontend.URL, log)
	}

	return &Builder{
		cfg:       cfg,
		reg:       reg,
		loader:    loader,
		git:       gitsync.New(cfg.Git.SSHKeyPath, log),
		graders:   grader.NewClient(log),
		notifier:  notifier,
		buildFunc: shellBuild,
		log:       log,
		jobs:      make(chan string, queueSize),
		inflight:  make(map[string]bool),
	}
}

// SetBuildFunc replaces the build collaborator. Must be called before
// Start.
func (b *Builder) SetBuildFunc(fn BuildFunc) {
	b.buildFunc = fn
}

// Start launches the build workers. They run until ctx is done.
func (b *Builder) Start(ctx context.Context) {
	for i := 0; i < b.cfg.Build.Workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case key := <-b.jobs:
					b.processCourse(ctx, key)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (b *Builder) Wait() {
	b.wg.Wait()
}

// Trigger records a build request for the course and queues it. The
// returned update can be polled for the outcome.
func (b *Builder) Trigger(ctx context.Context, courseKey, requestIP string, opts registry.UpdateOptions) (*registry.CourseUpdate, error) {
	u, err := b.reg.AddUpdate(courseKey, requestIP, opts)
	if err != nil {
		return nil, err
	}

	select {
	case b.jobs <- courseKey:
	default:
		// queue full; the pending record is picked up by the next
		// trigger for any course sharing a worker
		b.log.Warn(ctx, nil, "build queue full", "course", courseKey)
	}

	return u, nil
}

// BuildOnce runs a build for the course synchronously and returns the
// resulting update record. Used by the CLI.
func (b *Builder) BuildOnce(ctx context.Context, courseKey, requestIP string, opts registry.UpdateOptions) (*registry.CourseUpdate, error) {
	u, err := b.reg.AddUpdate(courseKey, requestIP, opts)
	if err != nil {
		return nil, err
	}
	b.processCourse(ctx, courseKey)

	updates, err := b.reg.Updates(courseKey)
	if err != nil {
		return nil, err
	}
	for _, candidate := range updates {
		if candidate.ID == u.ID {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("update record for course %q vanished", courseKey)
}

// processCourse drains the course's pending updates. Only one goroutine
// builds a given course at a time; all but the newest pending request
// are skipped.
func (b *Builder) processCourse(ctx context.Context, courseKey string) {
	b.mu.Lock()
	if b.inflight[courseKey] {
		b.mu.Unlock()
		return
	}
	b.inflight[courseKey] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, courseKey)
		b.mu.Unlock()
	}()

	for ctx.Err() == nil {
		pending, err := b.reg.PendingUpdates(courseKey)
		if err != nil {
			b.log.Error(ctx, err, "cannot read pending updates", "course", courseKey)
			return
		}
		if len(pending) == 0 {
			return
		}

		newest := pending[len(pending)-1]
		for _, old := range pending[:len(pending)-1] {
			old.Status = registry.StatusSkipped
			if err := b.reg.SaveUpdate(old); err != nil {
				b.log.Error(ctx, err, "cannot skip update", "course", courseKey)
			}
		}

		rec, err := b.reg.GetCourse(courseKey)
		if err != nil {
			newest.Status = registry.StatusFailed
			newest.Log = fmt.Sprintf("no course record for %q: %v", courseKey, err)
			if err := b.reg.SaveUpdate(newest); err != nil {
				b.log.Error(ctx, err, "cannot fail update", "course", courseKey)
			}
			return
		}

		b.buildOne(ctx, rec, newest)
	}
}

// loadOptions are the decode options for build-time validation.
func (b *Builder) loadOptions() courseconfig.LoadOptions {
	return courseconfig.LoadOptions{
		Course:           course.Options{},
		DefaultGraderURL: b.cfg.Grader.DefaultURL,
	}
}
