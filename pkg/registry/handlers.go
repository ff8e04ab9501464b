package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/pierrelefevre/grain/pkg/audit"
	"github.com/pierrelefevre/grain/pkg/auth"
	"github.com/pierrelefevre/grain/pkg/config"
	"github.com/pierrelefevre/grain/pkg/middleware"
	"github.com/pierrelefevre/grain/pkg/policy"
	"github.com/pierrelefevre/grain/pkg/storage"
	"github.com/pierrelefevre/grain/pkg/uploads"
	"github.com/pierrelefevre/grain/pkg/webhook"
)

type Handler struct {
	Config  *config.Config
	Storage storage.Driver
	Uploads *uploads.Manager
	Policy  *policy.Service
	Webhook *webhook.Service
	Audit   *audit.Service
}

func NewHandler(cfg *config.Config, store storage.Driver, up *uploads.Manager, pol *policy.Service, hook *webhook.Service, aud *audit.Service) *Handler {
	return &Handler{
		Config:  cfg,
		Storage: store,
		Uploads: up,
		Policy:  pol,
		Webhook: hook,
		Audit:   aud,
	}
}

// repoName pulls the {name} route var through the sanitizer. Blob
// requests address content by digest, so their tag dimension is "*".
func repoName(r *http.Request) string {
	return storage.Sanitize(mux.Vars(r)["name"])
}

// referenceVar canonicalizes the {reference} route var. Digest references
// keep their "sha256:" prefix, which the sanitizer would strip; anything
// else is treated as a tag and sanitized.
func referenceVar(r *http.Request) string {
	raw := mux.Vars(r)["reference"]
	if d := digest.Digest(raw); d.Validate() == nil {
		return d.String()
	}
	return storage.Sanitize(raw)
}

// authorize checks the ACL for the request's user and writes the 403 on
// deny. The authenticated user is always present: the auth middleware
// runs before every action-bearing handler.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, repo, tag string, action auth.Action) (*auth.User, bool) {
	user, ok := middleware.UserFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return nil, false
	}
	if !auth.Authorize(user, repo, tag, action) {
		writeError(w, r, http.StatusForbidden, CodeDenied,
			fmt.Sprintf("user %q is not allowed to %s %s", user.Username, action, repo))
		return nil, false
	}
	return user, true
}

// parseDigest normalizes a client digest parameter, accepting both
// "sha256:<hex>" and the bare hex form.
func parseDigest(s string) (digest.Digest, error) {
	if s == "" {
		return "", fmt.Errorf("digest missing")
	}
	if !strings.Contains(s, ":") {
		s = "sha256:" + s
	}
	d := digest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// BaseCheck implements GET /v2/. Authentication alone gates this
// endpoint; no authorization applies.
func (h *Handler) BaseCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

// Catalog implements GET /v2/_catalog, filtered to repositories the user
// may pull.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	repos, err := h.Storage.ListRepositories(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to list repositories")
		return
	}
	visible := []string{}
	for _, repo := range repos {
		if auth.Authorize(user, repo, "*", auth.ActionPull) {
			visible = append(visible, repo)
		}
	}
	resp := struct {
		Repositories []string `json:"repositories"`
	}{Repositories: visible}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartBlobUpload implements POST /v2/<name>/blobs/uploads/ in its three
// forms: session create, monolithic upload (?digest=), and cross-repo
// mount (?mount=&from=). A mount miss falls through to session create.
func (h *Handler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	if repo == "" {
		writeError(w, r, http.StatusBadRequest, CodeNameInvalid, "invalid repository name")
		return
	}
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPush); !ok {
		return
	}

	if d := r.URL.Query().Get("digest"); d != "" {
		h.monolithicUpload(w, r, repo, d)
		return
	}

	if mount := r.URL.Query().Get("mount"); mount != "" {
		if from := storage.Sanitize(r.URL.Query().Get("from")); from != "" {
			dgst, err := parseDigest(mount)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
				return
			}
			err = h.Storage.MountBlob(r.Context(), from, repo, dgst)
			if err == nil {
				log.Printf("[Registry] Mounted %s from %s into %s", dgst, from, repo)
				w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
			if !errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
				return
			}
			// Source blob absent: fall through to a fresh session.
		}
	}

	session, err := h.Uploads.Create(repo)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	log.Printf("[Registry] Starting upload for %s (UUID: %s)", repo, session.ID)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, session.ID))
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.WriteHeader(http.StatusAccepted)
}

// monolithicUpload runs the create+append+finalize sequence in one
// request, so a digest mismatch never leaves a blob behind.
func (h *Handler) monolithicUpload(w http.ResponseWriter, r *http.Request, repo, rawDigest string) {
	dgst, err := parseDigest(rawDigest)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
		return
	}
	session, err := h.Uploads.Create(repo)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if _, err := h.Uploads.Append(session.ID, -1, r.Body); err != nil {
		h.Uploads.Abort(session.ID)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	tempPath, err := h.Uploads.Commit(session.ID, dgst)
	if errors.Is(err, uploads.ErrDigestMismatch) {
		h.Uploads.Abort(session.ID)
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, "body does not match digest")
		return
	}
	if err != nil {
		h.Uploads.Abort(session.ID)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if err := h.Storage.FinalizeUpload(r.Context(), repo, dgst, tempPath); err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// parseContentRange extracts the start offset of a "start-end" range
// header, returning -1 when the header is absent.
func parseContentRange(r *http.Request) (int64, error) {
	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		return -1, nil
	}
	var start, end int64
	if _, err := fmt.Sscanf(contentRange, "%d-%d", &start, &end); err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	return start, nil
}

// PatchBlobData implements PATCH /v2/<name>/blobs/uploads/<uuid>. Only
// sequential appends are accepted; a Content-Range whose start is not the
// current session size yields 416.
func (h *Handler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	id := mux.Vars(r)["uuid"]
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPush); !ok {
		return
	}

	offset, err := parseContentRange(r)
	if err != nil {
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, CodeRangeInvalid, err.Error())
		return
	}
	total, err := h.Uploads.Append(id, offset, r.Body)
	switch {
	case errors.Is(err, uploads.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeBlobUploadUnknown, "unknown upload session")
		return
	case errors.Is(err, uploads.ErrRangeInvalid):
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, CodeRangeInvalid,
			fmt.Sprintf("expected offset %d", total))
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	end := total - 1
	if end < 0 {
		end = 0
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", end))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUpload implements PUT /v2/<name>/blobs/uploads/<uuid>?digest=.
// A request body is appended first, as a final PATCH would be. On digest
// mismatch the session stays open for the client to retry or abort.
func (h *Handler) PutBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	id := mux.Vars(r)["uuid"]
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPush); !ok {
		return
	}
	dgst, err := parseDigest(r.URL.Query().Get("digest"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
		return
	}

	if _, err := h.Uploads.Append(id, -1, r.Body); err != nil {
		if errors.Is(err, uploads.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, CodeBlobUploadUnknown, "unknown upload session")
			return
		}
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	tempPath, err := h.Uploads.Commit(id, dgst)
	switch {
	case errors.Is(err, uploads.ErrDigestMismatch):
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, "uploaded content does not match digest")
		return
	case errors.Is(err, uploads.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeBlobUploadUnknown, "unknown upload session")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if err := h.Storage.FinalizeUpload(r.Context(), repo, dgst, tempPath); err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	log.Printf("[Registry] Finalized upload %s as %s in %s", id, dgst, repo)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// DeleteBlobUpload implements DELETE /v2/<name>/blobs/uploads/<uuid>.
func (h *Handler) DeleteBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	id := mux.Vars(r)["uuid"]
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPush); !ok {
		return
	}
	if err := h.Uploads.Abort(id); err != nil {
		writeError(w, r, http.StatusNotFound, CodeBlobUploadUnknown, "unknown upload session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckBlob implements HEAD /v2/<name>/blobs/<digest>
func (h *Handler) CheckBlob(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPull); !ok {
		return
	}
	dgst, err := parseDigest(mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
		return
	}
	size, err := h.Storage.StatBlob(r.Context(), repo, dgst)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
}

// GetBlob implements GET /v2/<name>/blobs/<digest>
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPull); !ok {
		return
	}
	dgst, err := parseDigest(mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
		return
	}
	reader, size, err := h.Storage.GetBlob(r.Context(), repo, dgst)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("[Registry] Failed to stream blob %s: %v", dgst, err)
	}
}

// DeleteBlob implements DELETE /v2/<name>/blobs/<digest>. Deletion is
// unconditional; referencing manifests are not consulted.
func (h *Handler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionDelete); !ok {
		return
	}
	dgst, err := parseDigest(mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeDigestInvalid, err.Error())
		return
	}
	err = h.Storage.DeleteBlob(r.Context(), repo, dgst)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PutManifest implements PUT /v2/<name>/manifests/<reference>
func (h *Handler) PutManifest(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	reference := referenceVar(r)
	if repo == "" || reference == "" {
		writeError(w, r, http.StatusBadRequest, CodeNameInvalid, "invalid repository or reference")
		return
	}
	user, ok := h.authorize(w, r, repo, reference, auth.ActionPush)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "failed to read body")
		return
	}
	dgst, err := h.Storage.WriteManifest(r.Context(), repo, reference, body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	log.Printf("[Registry] Put manifest %s:%s (%s)", repo, reference, dgst)

	if h.Audit != nil {
		h.Audit.Log(user.Username, "PUSH", map[string]interface{}{
			"repository": repo, "reference": reference, "digest": dgst.String(),
		})
	}
	if h.Webhook != nil {
		go h.Webhook.Notify(context.Background(), webhook.Event{
			Action: "push", Repository: repo, Tag: reference, Digest: dgst.String(),
			Timestamp: time.Now(), User: user.Username,
		})
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, reference))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// GetManifest implements GET|HEAD /v2/<name>/manifests/<reference>
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	reference := referenceVar(r)
	user, ok := h.authorize(w, r, repo, reference, auth.ActionPull)
	if !ok {
		return
	}

	body, dgst, mediaType, err := h.Storage.ReadManifest(r.Context(), repo, reference)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeManifestUnknown, "manifest unknown to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	// Rego pull gate. It can only narrow what the ACL allowed.
	if h.Policy != nil {
		allowed, violations, err := h.Policy.Evaluate(r.Context(), policy.EvaluationInput{
			Repository: repo,
			Tag:        reference,
			User:       user.Username,
			Action:     string(auth.ActionPull),
		})
		if err != nil {
			// Fail open on evaluation errors so a broken policy file does
			// not take down pulls.
			log.Printf("[Policy] Evaluation error: %v", err)
		} else if !allowed {
			writeError(w, r, http.StatusForbidden, CodeDenied,
				fmt.Sprintf("policy violation: %s", strings.Join(violations, "; ")))
			return
		}
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(body)
}

// DeleteManifest implements DELETE /v2/<name>/manifests/<reference>
func (h *Handler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	reference := referenceVar(r)
	user, ok := h.authorize(w, r, repo, reference, auth.ActionDelete)
	if !ok {
		return
	}
	err := h.Storage.DeleteManifest(r.Context(), repo, reference)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeManifestUnknown, "manifest unknown to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	if h.Audit != nil {
		h.Audit.Log(user.Username, "DELETE_MANIFEST", map[string]interface{}{
			"repository": repo, "reference": reference,
		})
	}
	if h.Webhook != nil {
		go h.Webhook.Notify(context.Background(), webhook.Event{
			Action: "delete", Repository: repo, Tag: reference,
			Timestamp: time.Now(), User: user.Username,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

// Tags implements GET /v2/<name>/tags/list with n/last pagination.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	repo := repoName(r)
	if _, ok := h.authorize(w, r, repo, "*", auth.ActionPull); !ok {
		return
	}

	tags, err := h.Storage.ListTags(r.Context(), repo)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, CodeNameUnknown, "repository name not known to registry")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	if last := r.URL.Query().Get("last"); last != "" {
		filtered := tags[:0]
		for _, t := range tags {
			if t > last {
				filtered = append(filtered, t)
			}
		}
		tags = filtered
	}
	if nStr := r.URL.Query().Get("n"); nStr != "" {
		n, err := strconv.Atoi(nStr)
		if err != nil || n < 0 {
			n = 0
		}
		if len(tags) > n {
			tags = tags[:n]
		}
	}

	resp := struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repo, Tags: tags}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
