package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/courseman/courseman/internal/registry"
)

// hookBodyLimit caps webhook payload size.
const hookBodyLimit = 1 << 20

// handleHook receives push notifications from the git host and queues a
// build. GitHub requests are verified by HMAC signature, GitLab
// requests by the shared token; unauthenticated requests are rejected.
// Pushes to a branch other than the course's configured one return 400
// so the host can surface the misconfiguration.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.course(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, hookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read payload")
		return
	}

	switch {
	case r.Header.Get("X-Hub-Signature-256") != "":
		if !verifyGitHubSignature(c.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusForbidden, "signature mismatch")
			return
		}
	case r.Header.Get("X-Gitlab-Token") != "":
		if !verifyGitLabToken(c.WebhookSecret, r.Header.Get("X-Gitlab-Token")) {
			writeError(w, http.StatusForbidden, "token mismatch")
			return
		}
	default:
		writeError(w, http.StatusForbidden, "unauthenticated hook")
		return
	}

	if branch, ok := payloadBranch(body); ok && branch != c.GitBranch {
		writeError(w, http.StatusBadRequest,
			"push to branch "+branch+" ignored, course tracks "+c.GitBranch)
		return
	}

	u, err := s.builder.Trigger(r.Context(), c.Key, clientIP(r), hookOptions(r))
	if err != nil {
		s.log.Error(r.Context(), err, "trigger build", "course", c.Key)
		writeError(w, http.StatusInternalServerError, "cannot queue build")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"update": u.ID,
		"status": string(u.Status),
	})
}

// hookOptions reads the per-request pipeline toggles off the hook
// URL's query string. The payload body belongs to the git host and is
// never inspected for them.
func hookOptions(r *http.Request) registry.UpdateOptions {
	q := r.URL.Query()
	return registry.UpdateOptions{
		SkipGit:      q.Get("skip_git") == "true",
		SkipBuild:    q.Get("skip_build") == "true",
		SkipNotify:   q.Get("skip_notify") == "true",
		BuildImage:   q.Get("build_image"),
		BuildCommand: q.Get("build_command"),
	}
}

// verifyGitHubSignature checks the X-Hub-Signature-256 header value
// against the HMAC-SHA256 of the payload.
func verifyGitHubSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if secret == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(header))
}

// verifyGitLabToken compares the shared secret in constant time.
func verifyGitLabToken(secret, token string) bool {
	if secret == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1
}

// payloadBranch extracts the pushed branch from the hook payload. Both
// GitHub and GitLab send a "ref" like "refs/heads/main".
func payloadBranch(body []byte) (string, bool) {
	var payload struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Ref == "" {
		return "", false
	}

	return strings.TrimPrefix(payload.Ref, "refs/heads/"), true
}
