package skillapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func skillPath(skillID string, parts ...string) string {
	p := "/v1/skills/" + url.PathEscape(skillID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// CreateSkill registers a new skill for vendorID from manifest, which must
// be a {"manifest": {...}} document. It returns the new skill id.
func (c *Client) CreateSkill(ctx context.Context, vendorID string, manifest []byte) (string, error) {
	var doc struct {
		Manifest json.RawMessage `json:"manifest"`
	}
	if err := json.Unmarshal(manifest, &doc); err != nil || len(doc.Manifest) == 0 {
		return "", fmt.Errorf("skillapi: create skill: document has no manifest object")
	}

	var out createSkillResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/skills", createSkillRequest{VendorID: vendorID, Manifest: doc.Manifest}, &out); err != nil {
		return "", fmt.Errorf("create skill: %w", err)
	}
	if out.SkillID == "" {
		return "", fmt.Errorf("skillapi: create skill: response carried no skill id")
	}
	return out.SkillID, nil
}

// GetManifest returns the {"manifest": {...}} document stored at stage.
func (c *Client) GetManifest(ctx context.Context, skillID, stage string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, skillPath(skillID, "stages", stage, "manifest"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get manifest of %q: %w", skillID, err)
	}
	return resp.body, nil
}

// UpdateManifest replaces the manifest at stage. The build runs
// asynchronously; poll GetStatus for its outcome.
func (c *Client) UpdateManifest(ctx context.Context, skillID, stage string, manifest []byte) error {
	if !json.Valid(manifest) {
		return fmt.Errorf("skillapi: update manifest: body is not JSON")
	}
	if _, err := c.do(ctx, http.MethodPut, skillPath(skillID, "stages", stage, "manifest"), json.RawMessage(manifest), nil); err != nil {
		return fmt.Errorf("update manifest of %q: %w", skillID, err)
	}
	return nil
}

// GetStatus returns the build status of the manifest and of the
// interaction models for locales.
func (c *Client) GetStatus(ctx context.Context, skillID string, locales ...string) (*SkillStatus, error) {
	q := url.Values{}
	q.Add("resource", "manifest")
	if len(locales) > 0 {
		q.Add("resource", "interactionModel")
	}
	var out SkillStatus
	if _, err := c.do(ctx, http.MethodGet, skillPath(skillID, "status")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("get status of %q: %w", skillID, err)
	}
	return &out, nil
}

// ListSkills returns every skill owned by vendorID, following pagination.
func (c *Client) ListSkills(ctx context.Context, vendorID string) ([]SkillSummary, error) {
	var all []SkillSummary
	token := ""
	for {
		q := url.Values{}
		q.Set("vendorId", vendorID)
		q.Set("maxResults", "50")
		if token != "" {
			q.Set("nextToken", token)
		}
		var page listSkillsResponse
		if _, err := c.do(ctx, http.MethodGet, "/v1/skills?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list skills: %w", err)
		}
		all = append(all, page.Skills...)
		if !page.IsTruncated || page.NextToken == "" {
			return all, nil
		}
		token = page.NextToken
	}
}

// FindSkill returns the id of vendorID's skill named name at stage, or ""
// when there is none.
func (c *Client) FindSkill(ctx context.Context, vendorID, stage, name string) (string, error) {
	skills, err := c.ListSkills(ctx, vendorID)
	if err != nil {
		return "", err
	}
	for _, s := range skills {
		if (s.Stage == "" || strings.EqualFold(s.Stage, stage)) && s.Named(name) {
			return s.SkillID, nil
		}
	}
	return "", nil
}

// DeleteSkill removes the skill and all of its stages.
func (c *Client) DeleteSkill(ctx context.Context, skillID string) error {
	if _, err := c.do(ctx, http.MethodDelete, skillPath(skillID), nil, nil); err != nil {
		return fmt.Errorf("delete skill %q: %w", skillID, err)
	}
	return nil
}

// GetInteractionModel returns the model for locale at stage.
func (c *Client) GetInteractionModel(ctx context.Context, skillID, stage, locale string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, skillPath(skillID, "stages", stage, "interactionModel", "locales", locale), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get interaction model %s of %q: %w", locale, skillID, err)
	}
	return resp.body, nil
}

// PutInteractionModel replaces the model for locale at stage and starts a
// model build.
func (c *Client) PutInteractionModel(ctx context.Context, skillID, stage, locale string, model []byte) error {
	if !json.Valid(model) {
		return fmt.Errorf("skillapi: interaction model %s is not JSON", locale)
	}
	if _, err := c.do(ctx, http.MethodPut, skillPath(skillID, "stages", stage, "interactionModel", "locales", locale), json.RawMessage(model), nil); err != nil {
		return fmt.Errorf("put interaction model %s of %q: %w", locale, skillID, err)
	}
	return nil
}
