package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pierrelefevre/grain/pkg/audit"
	"github.com/pierrelefevre/grain/pkg/auth"
	"github.com/pierrelefevre/grain/pkg/middleware"
)

// AdminHandler serves the user CRUD and permission-grant surface. Every
// endpoint requires the derived admin privilege.
type AdminHandler struct {
	Store *auth.Store
	Audit *audit.Service
}

func NewAdminHandler(store *auth.Store, aud *audit.Service) *AdminHandler {
	return &AdminHandler{Store: store, Audit: aud}
}

// userView is the password-less representation returned by the listing.
type userView struct {
	Username    string            `json:"username"`
	Permissions []auth.Permission `json:"permissions"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	log.Printf("[Admin] %s %s -> %d %s: %s", r.Method, r.URL.Path, status, code, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errors": [{"code": %q, "message": %q}]}`, code, message)
}

// requireAdmin resolves the caller and enforces the admin derivation.
func (h *AdminHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := middleware.UserFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return nil, false
	}
	if !user.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "DENIED", "admin privilege required")
		return nil, false
	}
	return user, true
}

// ListUsers implements GET /admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	users := h.Store.List()
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{Username: u.Username, Permissions: u.Permissions})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// CreateUser implements POST /admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req auth.User
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	req.Password = hash

	if err := h.Store.Insert(req); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			writeError(w, r, http.StatusConflict, "CONFLICT", "username already exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	if h.Audit != nil {
		h.Audit.Log(caller.Username, "CREATE_USER", map[string]interface{}{"username": req.Username})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(userView{Username: req.Username, Permissions: req.Permissions})
}

// DeleteUser implements DELETE /admin/users/{username}. Admins cannot
// delete themselves.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	username := mux.Vars(r)["username"]
	if username == caller.Username {
		writeError(w, r, http.StatusForbidden, "DENIED", "cannot delete yourself")
		return
	}
	if err := h.Store.Remove(username); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	if h.Audit != nil {
		h.Audit.Log(caller.Username, "DELETE_USER", map[string]interface{}{"username": username})
	}
	w.WriteHeader(http.StatusNoContent)
}

// GrantPermission implements POST /admin/users/{username}/permissions
func (h *AdminHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	username := mux.Vars(r)["username"]
	var perm auth.Permission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := h.Store.Grant(username, perm); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	if h.Audit != nil {
		h.Audit.Log(caller.Username, "GRANT_PERMISSION", map[string]interface{}{
			"username": username, "repository": perm.Repository, "tag": perm.Tag,
		})
	}
	w.WriteHeader(http.StatusOK)
}
