package registry

import (
	"encoding/json"
	"log"
	"net/http"
)

// ociError is the OCI distribution error body:
// {"errors": [{"code": "...", "message": "..."}]}
type ociError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Errors []ociError `json:"errors"`
}

// Error codes emitted by the registry surface.
const (
	CodeBlobUnknown       = "BLOB_UNKNOWN"
	CodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	CodeManifestUnknown   = "MANIFEST_UNKNOWN"
	CodeNameUnknown       = "NAME_UNKNOWN"
	CodeNameInvalid       = "NAME_INVALID"
	CodeDigestInvalid     = "DIGEST_INVALID"
	CodeRangeInvalid      = "RANGE_INVALID"
	CodeDenied            = "DENIED"
	CodeUnsupported       = "UNSUPPORTED"
	CodeInternal          = "INTERNAL"
)

// writeError emits the status and OCI error JSON, logging every non-2xx.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	log.Printf("[Registry] %s %s -> %d %s: %s", r.Method, r.URL.Path, status, code, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Errors: []ociError{{Code: code, Message: message}}})
}

// NotImplemented answers endpoints outside the implemented set.
func NotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotImplemented, CodeUnsupported, "endpoint not supported")
}
