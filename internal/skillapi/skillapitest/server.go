// Package skillapitest provides an in-process skill management API and
// token endpoint for tests.
package skillapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// TokenPath is where the server answers refresh-token grants.
const TokenPath = "/auth/o2/token"

type mockSkill struct {
	id        string
	vendorID  string
	manifests map[string]json.RawMessage            // stage -> {"manifest": ...}
	models    map[string]map[string]json.RawMessage // stage -> locale -> model
	polls     int
}

// Server is a mock skill platform. Its zero configuration accepts any
// credentials and builds instantly.
type Server struct {
	// ClientID, ClientSecret and RefreshToken, when set, must match the
	// token grant.
	ClientID     string
	ClientSecret string
	RefreshToken string

	// PendingPolls is the number of status reads that report IN_PROGRESS
	// before a build succeeds.
	PendingPolls int
	// FailBuild makes every build report FAILED.
	FailBuild bool
	// Validate, when set, may reject a submitted manifest with violations.
	Validate func(manifest map[string]interface{}) []deployerr.Violation

	mu     sync.Mutex
	skills map[string]*mockSkill

	creates        atomic.Int64
	manifestWrites atomic.Int64
	modelWrites    atomic.Int64
	tokenGrants    atomic.Int64
	deletes        atomic.Int64

	*httptest.Server
}

// NewServer starts a mock platform that is closed with the test.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{skills: make(map[string]*mockSkill)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+TokenPath, s.token)
	mux.HandleFunc("POST /v1/skills", s.auth(s.createSkill))
	mux.HandleFunc("GET /v1/skills", s.auth(s.listSkills))
	mux.HandleFunc("DELETE /v1/skills/{id}", s.auth(s.deleteSkill))
	mux.HandleFunc("GET /v1/skills/{id}/status", s.auth(s.status))
	mux.HandleFunc("GET /v1/skills/{id}/stages/{stage}/manifest", s.auth(s.getManifest))
	mux.HandleFunc("PUT /v1/skills/{id}/stages/{stage}/manifest", s.auth(s.putManifest))
	mux.HandleFunc("GET /v1/skills/{id}/stages/{stage}/interactionModel/locales/{locale}", s.auth(s.getModel))
	mux.HandleFunc("PUT /v1/skills/{id}/stages/{stage}/interactionModel/locales/{locale}", s.auth(s.putModel))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// TokenURL is the server's token endpoint.
func (s *Server) TokenURL() string { return s.URL + TokenPath }

// Creates counts skills created.
func (s *Server) Creates() int64 { return s.creates.Load() }

// ManifestWrites counts manifest replacements, creation excluded.
func (s *Server) ManifestWrites() int64 { return s.manifestWrites.Load() }

// ModelWrites counts interaction model uploads.
func (s *Server) ModelWrites() int64 { return s.modelWrites.Load() }

// TokenGrants counts refresh-token exchanges.
func (s *Server) TokenGrants() int64 { return s.tokenGrants.Load() }

// Deletes counts deleted skills.
func (s *Server) Deletes() int64 { return s.deletes.Load() }

// SkillIDs lists the registered skills, sorted.
func (s *Server) SkillIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.skills))
	for id := range s.skills {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Manifest returns the inner manifest object stored for skillID at stage.
func (s *Server) Manifest(skillID, stage string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.skills[skillID]
	if !ok {
		return nil, false
	}
	raw, ok := sk.manifests[stage]
	if !ok {
		return nil, false
	}
	var doc struct {
		Manifest map[string]interface{} `json:"manifest"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc.Manifest, true
}

// Endpoint returns the custom endpoint uri stored for skillID at stage.
func (s *Server) Endpoint(skillID, stage string) string {
	m, ok := s.Manifest(skillID, stage)
	if !ok {
		return ""
	}
	apis, _ := m["apis"].(map[string]interface{})
	for _, api := range apis {
		a, _ := api.(map[string]interface{})
		ep, _ := a["endpoint"].(map[string]interface{})
		if uri, ok := ep["uri"].(string); ok {
			return uri
		}
	}
	return ""
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form", nil)
		return
	}
	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeTokenError(w, "unsupported_grant_type")
		return
	}
	id, secret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if u, p, ok := r.BasicAuth(); ok {
		id, secret = u, p
	}
	if (s.ClientID != "" && id != s.ClientID) || (s.ClientSecret != "" && secret != s.ClientSecret) {
		writeTokenError(w, "invalid_client")
		return
	}
	if s.RefreshToken != "" && r.PostForm.Get("refresh_token") != s.RefreshToken {
		writeTokenError(w, "invalid_grant")
		return
	}
	n := s.tokenGrants.Add(1)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": fmt.Sprintf("Atza|mock-%d", n),
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func writeTokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer Atza|") {
			writeError(w, http.StatusUnauthorized, "Request is not authorized.", nil)
			return
		}
		next(w, r)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*mockSkill, bool) {
	sk, ok := s.skills[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Skill with id %s not found.", r.PathValue("id")), nil)
	}
	return sk, ok
}

// validate decodes a {"manifest": ...} body and runs the Validate hook.
func (s *Server) validate(w http.ResponseWriter, body []byte) (json.RawMessage, bool) {
	var doc struct {
		Manifest map[string]interface{} `json:"manifest"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Manifest == nil {
		writeError(w, http.StatusBadRequest, "Request body is not a valid skill manifest.", nil)
		return nil, false
	}
	if s.Validate != nil {
		if v := s.Validate(doc.Manifest); len(v) > 0 {
			writeError(w, http.StatusBadRequest, "Skill manifest is not valid.", v)
			return nil, false
		}
	}
	raw, _ := json.Marshal(map[string]interface{}{"manifest": doc.Manifest})
	return raw, true
}

func (s *Server) createSkill(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		VendorID string          `json:"vendorId"`
		Manifest json.RawMessage `json:"manifest"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.VendorID == "" {
		writeError(w, http.StatusBadRequest, "vendorId is required.", nil)
		return
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"manifest": req.Manifest})
	manifest, ok := s.validate(w, wrapped)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := "amzn1.ask.skill." + uuid.NewString()
	s.skills[id] = &mockSkill{
		id:        id,
		vendorID:  req.VendorID,
		manifests: map[string]json.RawMessage{"development": manifest},
		models:    map[string]map[string]json.RawMessage{},
		polls:     s.PendingPolls,
	}
	s.creates.Add(1)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/skills/"+id+"/status")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"skillId": id})
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	vendor := r.URL.Query().Get("vendorId")
	if vendor == "" {
		writeError(w, http.StatusBadRequest, "vendorId is required.", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type summary struct {
		SkillID      string            `json:"skillId"`
		Stage        string            `json:"stage"`
		NameByLocale map[string]string `json:"nameByLocale"`
	}
	var out []summary
	for _, id := range sortedIDs(s.skills) {
		sk := s.skills[id]
		if sk.vendorID != vendor {
			continue
		}
		for stage, raw := range sk.manifests {
			out = append(out, summary{SkillID: id, Stage: stage, NameByLocale: namesOf(raw)})
		}
	}
	if out == nil {
		out = []summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"skills": out, "isTruncated": false})
}

func (s *Server) deleteSkill(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	delete(s.skills, sk.id)
	s.deletes.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}

	state := map[string]interface{}{"status": "SUCCEEDED"}
	switch {
	case sk.polls > 0:
		sk.polls--
		state = map[string]interface{}{"status": "IN_PROGRESS"}
	case s.FailBuild:
		state = map[string]interface{}{
			"status": "FAILED",
			"errors": []map[string]string{{"code": "INVALID_MANIFEST", "message": "Skill build failed."}},
		}
	}

	resp := map[string]interface{}{"manifest": map[string]interface{}{"lastUpdateRequest": state}}
	for _, res := range r.URL.Query()["resource"] {
		if res != "interactionModel" {
			continue
		}
		models := map[string]interface{}{}
		for locale := range sk.models["development"] {
			models[locale] = map[string]interface{}{"lastUpdateRequest": state}
		}
		resp["interactionModel"] = models
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw, ok := sk.manifests[r.PathValue("stage")]
	if !ok {
		writeError(w, http.StatusNotFound, "Stage not found.", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) putManifest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	manifest, ok := s.validate(w, body)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sk.manifests[r.PathValue("stage")] = manifest
	sk.polls = s.PendingPolls
	s.manifestWrites.Add(1)
	w.Header().Set("Location", "/v1/skills/"+sk.id+"/status")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw, ok := sk.models[r.PathValue("stage")][r.PathValue("locale")]
	if !ok {
		writeError(w, http.StatusNotFound, "Interaction model not found.", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) putModel(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "Interaction model is not valid JSON.", nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stage := r.PathValue("stage")
	if sk.models[stage] == nil {
		sk.models[stage] = map[string]json.RawMessage{}
	}
	sk.models[stage][r.PathValue("locale")] = json.RawMessage(body)
	s.modelWrites.Add(1)
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, status int, message string, violations []deployerr.Violation) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"message": message}
	if len(violations) > 0 {
		body["violations"] = violations
	}
	json.NewEncoder(w).Encode(body)
}

func namesOf(raw json.RawMessage) map[string]string {
	var doc struct {
		Manifest struct {
			PublishingInformation struct {
				Locales map[string]struct {
					Name string `json:"name"`
				} `json:"locales"`
			} `json:"publishingInformation"`
		} `json:"manifest"`
	}
	_ = json.Unmarshal(raw, &doc)
	out := map[string]string{}
	for locale, l := range doc.Manifest.PublishingInformation.Locales {
		out[locale] = l.Name
	}
	return out
}

func sortedIDs(m map[string]*mockSkill) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
