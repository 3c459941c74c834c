package skillapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// Build states reported by the status endpoint.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// DefaultStage is the stage new skills are created in and updated at.
const DefaultStage = "development"

// Record is the registration outcome handed back to operators.
type Record struct {
	SkillID      string
	Stage        string
	VendorID     string
	ManifestHash string
	Status       string
	// Created is true when this run created the skill, Updated when it
	// wrote a new manifest to an existing one.
	Created bool
	Updated bool
}

// SkillSummary is one entry of the vendor's skill listing.
type SkillSummary struct {
	SkillID      string            `json:"skillId"`
	Stage        string            `json:"stage"`
	NameByLocale map[string]string `json:"nameByLocale"`
	LastUpdated  string            `json:"lastUpdated,omitempty"`
	APIs         []string          `json:"apis,omitempty"`
}

// Named reports whether any locale of s carries name.
func (s SkillSummary) Named(name string) bool {
	for _, n := range s.NameByLocale {
		if n == name {
			return true
		}
	}
	return false
}

type listSkillsResponse struct {
	Skills      []SkillSummary `json:"skills"`
	IsTruncated bool           `json:"isTruncated"`
	NextToken   string         `json:"nextToken,omitempty"`
}

type createSkillRequest struct {
	VendorID string          `json:"vendorId"`
	Manifest json.RawMessage `json:"manifest"`
}

type createSkillResponse struct {
	SkillID string `json:"skillId"`
}

// UpdateRequest is the state of the last asynchronous update of a
// resource.
type UpdateRequest struct {
	Status string        `json:"status"`
	Errors []StatusError `json:"errors,omitempty"`
}

// StatusError is a failure reported for an asynchronous update.
type StatusError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type resourceStatus struct {
	LastUpdateRequest *UpdateRequest `json:"lastUpdateRequest,omitempty"`
}

// SkillStatus is the build status of a skill's manifest and its
// interaction models by locale.
type SkillStatus struct {
	Manifest         *resourceStatus           `json:"manifest,omitempty"`
	InteractionModel map[string]resourceStatus `json:"interactionModel,omitempty"`
}

// Overall folds the manifest and model states into one: FAILED if anything
// failed, IN_PROGRESS if anything is still building, else SUCCEEDED.
func (s *SkillStatus) Overall() (string, []StatusError) {
	var states []*UpdateRequest
	if s.Manifest != nil && s.Manifest.LastUpdateRequest != nil {
		states = append(states, s.Manifest.LastUpdateRequest)
	}
	for _, m := range s.InteractionModel {
		if m.LastUpdateRequest != nil {
			states = append(states, m.LastUpdateRequest)
		}
	}

	overall := StatusSucceeded
	var errs []StatusError
	for _, st := range states {
		switch st.Status {
		case StatusFailed:
			overall = StatusFailed
			errs = append(errs, st.Errors...)
		case StatusInProgress:
			if overall != StatusFailed {
				overall = StatusInProgress
			}
		}
	}
	return overall, errs
}

// APIError is an error response from the skill management API.
type APIError struct {
	StatusCode int                   `json:"-"`
	Message    string                `json:"message"`
	Violations []deployerr.Violation `json:"violations,omitempty"`
	Body       []byte                `json:"-"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "skillapi: HTTP %d", e.StatusCode)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "; %s", v.Message)
	}
	return b.String()
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Rejection converts a validation failure (400 or 409) into a
// RegistrationConflictError. Other errors are returned unchanged.
func Rejection(err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		return err
	}
	if apiErr.StatusCode != http.StatusBadRequest && apiErr.StatusCode != http.StatusConflict {
		return err
	}
	return &deployerr.RegistrationConflictError{
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Message,
		Violations: apiErr.Violations,
		Payload:    apiErr.Body,
	}
}
