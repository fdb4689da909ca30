// Package registry persists course records and their update history in
// an embedded Badger database. A course record holds the git origin and
// webhook settings; update records track each build request through its
// lifecycle and keep the build log.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/fileutil"
)

// UpdateStatus is the lifecycle state of a build request.
type UpdateStatus string

const (
	StatusPending UpdateStatus = "PENDING"
	StatusRunning UpdateStatus = "RUNNING"
	StatusSuccess UpdateStatus = "SUCCESS"
	StatusFailed  UpdateStatus = "FAILED"
	StatusSkipped UpdateStatus = "SKIPPED"
)

// historyKeep is how many update records are retained per course.
const historyKeep = 10

// Course is the persistent record of a managed course.
type Course struct {
	Key                 string `json:"key"`
	RemoteID            *int   `json:"remote_id,omitempty"`
	GitOrigin           string `json:"git_origin"`
	GitBranch           string `json:"git_branch"`
	UpdateHook          string `json:"update_hook,omitempty"`
	EmailOnError        bool   `json:"email_on_error"`
	UpdateAutomatically bool   `json:"update_automatically"`
	// SkipBuildFailsafes disables the self-containment check for
	// courses that legitimately link outside their own tree.
	SkipBuildFailsafes bool   `json:"skip_build_failsafes"`
	WebhookSecret      string `json:"webhook_secret"`
}

// UpdateOptions are per-request toggles for the build pipeline,
// recorded on the update so the worker that eventually runs it sees
// the flags of the request it serves.
type UpdateOptions struct {
	SkipGit    bool `json:"skip_git,omitempty"`
	SkipBuild  bool `json:"skip_build,omitempty"`
	SkipNotify bool `json:"skip_notify,omitempty"`
	// BuildImage and BuildCommand override the course meta file and
	// the configured defaults for this request only.
	BuildImage   string `json:"build_image,omitempty"`
	BuildCommand string `json:"build_command,omitempty"`
}

// CourseUpdate is one build request and its outcome.
type CourseUpdate struct {
	ID          string        `json:"id"`
	CourseKey   string        `json:"course_key"`
	RequestIP   string        `json:"request_ip,omitempty"`
	Status      UpdateStatus  `json:"status"`
	RequestTime time.Time     `json:"request_time"`
	UpdatedTime time.Time     `json:"updated_time"`
	Options     UpdateOptions `json:"options"`
	Log         string        `json:"log,omitempty"`
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = &errors.Error{
	Type:        errors.ErrorTypeIO,
	Code:        "ERR_NOT_FOUND",
	Message:     "record not found",
	Recoverable: true,
}

// Registry is a handle to the course database.
type Registry struct {
	db *badger.DB
}

// Open opens (creating if needed) the database under dir.
func Open(dir string) (*Registry, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot open course database: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func courseKey(key string) []byte {
	return []byte("course:" + key)
}

// update keys embed the reverse timestamp so ascending iteration yields
// newest first.
func updateKey(course string, requestTime time.Time, id string) []byte {
	reverse := ^uint64(0) - uint64(requestTime.UnixNano())
	return []byte(fmt.Sprintf("update:%s:%020d:%s", course, reverse, id))
}

func updatePrefix(course string) []byte {
	return []byte("update:" + course + ":")
}

// SaveCourse inserts or overwrites a course record. A missing webhook
// secret is generated.
func (r *Registry) SaveCourse(c *Course) error {
	if c.Key == "" {
		return errors.NewValidationError(errors.ErrCodeRequiredField, "course key is required")
	}
	if c.WebhookSecret == "" {
		c.WebhookSecret = fileutil.RandomToken(32)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(courseKey(c.Key), data)
	})
}

// GetCourse fetches a course record by key.
func (r *Registry) GetCourse(key string) (*Course, error) {
	var c Course
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(courseKey(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// DeleteCourse removes a course record and its update history.
func (r *Registry) DeleteCourse(key string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(courseKey(key)); err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: updatePrefix(key)})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListCourses returns every course record sorted by key.
func (r *Registry) ListCourses() ([]*Course, error) {
	var out []*Course
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte("course:"),
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c Course
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// AddUpdate records a new pending build request and prunes the
// history down to the retention limit.
func (r *Registry) AddUpdate(courseKey, requestIP string, opts UpdateOptions) (*CourseUpdate, error) {
	now := time.Now()
	u := &CourseUpdate{
		ID:          uuid.NewString(),
		CourseKey:   courseKey,
		RequestIP:   requestIP,
		Status:      StatusPending,
		RequestTime: now,
		UpdatedTime: now,
		Options:     opts,
	}
	if err := r.SaveUpdate(u); err != nil {
		return nil, err
	}
	if err := r.PruneUpdates(courseKey, historyKeep); err != nil {
		return nil, err
	}

	return u, nil
}

// SaveUpdate writes an update record in place.
func (r *Registry) SaveUpdate(u *CourseUpdate) error {
	u.UpdatedTime = time.Now()
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(updateKey(u.CourseKey, u.RequestTime, u.ID), data)
	})
}

// Updates returns the course's update records, newest first.
func (r *Registry) Updates(courseKey string) ([]*CourseUpdate, error) {
	var out []*CourseUpdate
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         updatePrefix(courseKey),
			PrefetchValues: true,
			PrefetchSize:   historyKeep,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var u CourseUpdate
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			})
			if err != nil {
				return err
			}
			out = append(out, &u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// PendingUpdates returns the course's pending requests, oldest first.
func (r *Registry) PendingUpdates(courseKey string) ([]*CourseUpdate, error) {
	all, err := r.Updates(courseKey)
	if err != nil {
		return nil, err
	}

	var pending []*CourseUpdate
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == StatusPending {
			pending = append(pending, all[i])
		}
	}

	return pending, nil
}

// LatestUpdate returns the most recent update record, or ErrNotFound.
func (r *Registry) LatestUpdate(courseKey string) (*CourseUpdate, error) {
	all, err := r.Updates(courseKey)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}

	return all[0], nil
}

// PruneUpdates drops update records beyond the newest keep entries.
func (r *Registry) PruneUpdates(courseKey string, keep int) error {
	all, err := r.Updates(courseKey)
	if err != nil {
		return err
	}
	if len(all) <= keep {
		return nil
	}

	return r.db.Update(func(txn *badger.Txn) error {
		for _, u := range all[keep:] {
			if err := txn.Delete(updateKey(u.CourseKey, u.RequestTime, u.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}
