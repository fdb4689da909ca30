package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/courseman/courseman/internal/courseconfig"
	cmerrors "github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/registry"
)

// courseRequest is the writable subset of a course record. The webhook
// secret is server-generated and never accepted from clients.
type courseRequest struct {
	Key                 string `json:"key"`
	RemoteID            *int   `json:"remote_id"`
	GitOrigin           string `json:"git_origin"`
	GitBranch           string `json:"git_branch"`
	UpdateHook          string `json:"update_hook"`
	EmailOnError        bool   `json:"email_on_error"`
	UpdateAutomatically bool   `json:"update_automatically"`
	SkipBuildFailsafes  bool   `json:"skip_build_failsafes"`
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.reg.ListCourses()
	if err != nil {
		s.log.Error(r.Context(), err, "list courses")
		writeError(w, http.StatusInternalServerError, "cannot list courses")
		return
	}
	if courses == nil {
		courses = []*registry.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req courseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed course")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "course key is required")
		return
	}
	if _, err := s.reg.GetCourse(req.Key); err == nil {
		writeError(w, http.StatusConflict, "course already exists")
		return
	}

	c := &registry.Course{
		Key:                 req.Key,
		RemoteID:            req.RemoteID,
		GitOrigin:           req.GitOrigin,
		GitBranch:           defaultBranch(req.GitBranch),
		UpdateHook:          req.UpdateHook,
		EmailOnError:        req.EmailOnError,
		UpdateAutomatically: req.UpdateAutomatically,
		SkipBuildFailsafes:  req.SkipBuildFailsafes,
	}
	if err := s.reg.SaveCourse(c); err != nil {
		s.log.Error(r.Context(), err, "create course", "course", req.Key)
		writeError(w, http.StatusInternalServerError, "cannot save course")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCourse(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	var req courseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed course")
		return
	}

	c.RemoteID = req.RemoteID
	c.GitOrigin = req.GitOrigin
	c.GitBranch = defaultBranch(req.GitBranch)
	c.UpdateHook = req.UpdateHook
	c.EmailOnError = req.EmailOnError
	c.UpdateAutomatically = req.UpdateAutomatically
	c.SkipBuildFailsafes = req.SkipBuildFailsafes
	if err := s.reg.SaveCourse(c); err != nil {
		s.log.Error(r.Context(), err, "update course", "course", c.Key)
		writeError(w, http.StatusInternalServerError, "cannot save course")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	if err := s.reg.DeleteCourse(c.Key); err != nil {
		s.log.Error(r.Context(), err, "delete course", "course", c.Key)
		writeError(w, http.StatusInternalServerError, "cannot delete course")
		return
	}
	s.loader.Invalidate(c.Key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	updates, err := s.reg.Updates(c.Key)
	if err != nil {
		s.log.Error(r.Context(), err, "list updates", "course", c.Key)
		writeError(w, http.StatusInternalServerError, "cannot list updates")
		return
	}
	if updates == nil {
		updates = []*registry.CourseUpdate{}
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	cc, nonfatal, err := s.builder.Publish(r.Context(), c.Key)
	if err != nil {
		s.log.Error(r.Context(), err, "publish", "course", c.Key)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if nonfatal == nil {
		nonfatal = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"course":  cc.Key,
		"version": cc.VersionID,
		"errors":  nonfatal,
	})
}

// handleBuildLog returns the most recent update record with its
// captured build log.
func (s *Server) handleBuildLog(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}
	u, err := s.reg.LatestUpdate(c.Key)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "course has no updates")
		} else {
			s.log.Error(r.Context(), err, "load latest update", "course", c.Key)
			writeError(w, http.StatusInternalServerError, "cannot load update")
		}
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCourseSpec(w http.ResponseWriter, r *http.Request) {
	cc, ok := s.publishedCourse(w, r)
	if !ok {
		return
	}
	if lang := r.URL.Query().Get("lang"); lang != "" {
		writeJSON(w, http.StatusOK, cc.Doc(lang))
		return
	}
	writeJSON(w, http.StatusOK, cc.Course.Spec())
}

func (s *Server) handleExerciseConfig(w http.ResponseWriter, r *http.Request) {
	cc, ok := s.publishedCourse(w, r)
	if !ok {
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = cc.Course.DefaultLang()
	}
	doc, err := cc.ExerciseConfig(r.PathValue("exercise"), lang)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// course fetches the course record named in the URL, writing the error
// response itself when missing.
func (s *Server) course(w http.ResponseWriter, r *http.Request) (*registry.Course, bool) {
	key := r.PathValue("key")
	c, err := s.reg.GetCourse(key)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such course")
		} else {
			s.log.Error(r.Context(), err, "load course record", "course", key)
			writeError(w, http.StatusInternalServerError, "cannot load course")
		}
		return nil, false
	}

	return c, true
}

// publishedCourse loads the published config of the course in the URL.
func (s *Server) publishedCourse(w http.ResponseWriter, r *http.Request) (*courseconfig.CourseConfig, bool) {
	key := r.PathValue("key")
	cc, err := s.loader.Get(r.Context(), courseconfig.SourcePublish, key)
	if err != nil {
		if cmerrors.IsConfigError(err) {
			writeError(w, http.StatusNotFound, "course is not published")
		} else {
			s.log.Error(r.Context(), err, "load published course", "course", key)
			writeError(w, http.StatusInternalServerError, "cannot load course")
		}
		return nil, false
	}

	return cc, true
}

func defaultBranch(branch string) string {
	if branch == "" {
		return "master"
	}

	return branch
}

// clientIP extracts the requester address for update records.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
