package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pierrelefevre/grain/pkg/api"
	"github.com/pierrelefevre/grain/pkg/auth"
	"github.com/pierrelefevre/grain/pkg/middleware"
	"github.com/pierrelefevre/grain/pkg/registry"
)

// Services carries the handler set the router dispatches to. Everything
// is constructed in main (or in tests) and passed in; no globals.
type Services struct {
	Registry *registry.Handler
	Admin    *api.AdminHandler
	Tokens   *auth.TokenService
	Auth     *middleware.Authenticator
}

// New assembles the full route table.
func New(s Services) http.Handler {
	r := mux.NewRouter()

	authn := s.Auth.Wrap

	// Token Service
	r.HandleFunc("/auth/token", s.Tokens.TokenHandler).Methods("GET")

	// Admin API
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Handle("/users", authn(http.HandlerFunc(s.Admin.ListUsers))).Methods("GET")
	admin.Handle("/users", authn(http.HandlerFunc(s.Admin.CreateUser))).Methods("POST")
	admin.Handle("/users/{username}", authn(http.HandlerFunc(s.Admin.DeleteUser))).Methods("DELETE")
	admin.Handle("/users/{username}/permissions", authn(http.HandlerFunc(s.Admin.GrantPermission))).Methods("POST")

	// OCI V2 Distribution API
	v2 := r.PathPrefix("/v2").Subrouter()

	// Base
	v2.Handle("/", authn(http.HandlerFunc(s.Registry.BaseCheck))).Methods("GET")

	// Catalog (Listing Repos)
	v2.Handle("/_catalog", authn(http.HandlerFunc(s.Registry.Catalog))).Methods("GET")

	// Blob uploads
	// {name:.+} matches namespaced repositories ("org/repo")
	v2.Handle("/{name:.+}/blobs/uploads/", authn(http.HandlerFunc(s.Registry.StartBlobUpload))).Methods("POST")
	v2.Handle("/{name:.+}/blobs/uploads/{uuid}", authn(http.HandlerFunc(s.Registry.PatchBlobData))).Methods("PATCH")
	v2.Handle("/{name:.+}/blobs/uploads/{uuid}", authn(http.HandlerFunc(s.Registry.PutBlobUpload))).Methods("PUT")
	v2.Handle("/{name:.+}/blobs/uploads/{uuid}", authn(http.HandlerFunc(s.Registry.DeleteBlobUpload))).Methods("DELETE")

	// Blobs
	v2.Handle("/{name:.+}/blobs/{digest}", authn(http.HandlerFunc(s.Registry.CheckBlob))).Methods("HEAD")
	v2.Handle("/{name:.+}/blobs/{digest}", authn(http.HandlerFunc(s.Registry.GetBlob))).Methods("GET")
	v2.Handle("/{name:.+}/blobs/{digest}", authn(http.HandlerFunc(s.Registry.DeleteBlob))).Methods("DELETE")

	// Manifests
	v2.Handle("/{name:.+}/manifests/{reference}", authn(http.HandlerFunc(s.Registry.GetManifest))).Methods("GET", "HEAD")
	v2.Handle("/{name:.+}/manifests/{reference}", authn(http.HandlerFunc(s.Registry.PutManifest))).Methods("PUT")
	v2.Handle("/{name:.+}/manifests/{reference}", authn(http.HandlerFunc(s.Registry.DeleteManifest))).Methods("DELETE")

	// Tags
	v2.Handle("/{name:.+}/tags/list", authn(http.HandlerFunc(s.Registry.Tags))).Methods("GET")

	// Anything else under /v2 is outside the implemented set.
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, "/v2/") {
			registry.NotImplemented(w, req)
			return
		}
		http.NotFound(w, req)
	})

	return logRequests(r)
}

// logRequests is the global middleware: one line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
