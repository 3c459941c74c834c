// Package registrar submits the merged skill manifest and interaction
// models to the skill platform and waits for the build to settle.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/artifact"
	"github.com/agentctx/terraform-provider-voiceskill/internal/bundle"
	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
	"github.com/agentctx/terraform-provider-voiceskill/internal/manifest"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
	"github.com/agentctx/terraform-provider-voiceskill/internal/skillapi"
)

const (
	// ManifestFile is the static manifest at the root of a skill package.
	ManifestFile = "skill.json"
	// ModelDir holds one interaction model per locale, named <locale>.json.
	ModelDir = "interactionModels/custom"
)

// Platform is the part of the skill management API the registrar uses.
// *skillapi.Client implements it.
type Platform interface {
	CreateSkill(ctx context.Context, vendorID string, manifest []byte) (string, error)
	GetManifest(ctx context.Context, skillID, stage string) ([]byte, error)
	UpdateManifest(ctx context.Context, skillID, stage string, manifest []byte) error
	GetStatus(ctx context.Context, skillID string, locales ...string) (*skillapi.SkillStatus, error)
	FindSkill(ctx context.Context, vendorID, stage, name string) (string, error)
	GetInteractionModel(ctx context.Context, skillID, stage, locale string) ([]byte, error)
	PutInteractionModel(ctx context.Context, skillID, stage, locale string, model []byte) error
	DeleteSkill(ctx context.Context, skillID string) error
}

// Connector opens a Platform session authenticated with creds.
type Connector func(ctx context.Context, creds secret.Credentials) Platform

// ClientConnector returns a Connector building skillapi clients from cfg.
func ClientConnector(cfg skillapi.Config) Connector {
	return func(ctx context.Context, creds secret.Credentials) Platform {
		ts := skillapi.TokenSource(ctx, cfg.TokenURL, creds.ClientID, creds.ClientSecret, creds.RefreshToken)
		return skillapi.NewClient(cfg, ts)
	}
}

// Registrar registers skills.
type Registrar struct {
	connect  Connector
	packages *artifact.Packager

	// PollInterval and PollTimeout bound the wait for a build to finish.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// New returns a Registrar reading skill packages through packages.
func New(connect Connector, packages *artifact.Packager) *Registrar {
	return &Registrar{
		connect:      connect,
		packages:     packages,
		PollInterval: 2 * time.Second,
		PollTimeout:  5 * time.Minute,
	}
}

// WithPackages returns a copy of r reading skill packages through packages.
func (r *Registrar) WithPackages(packages *artifact.Packager) *Registrar {
	c := *r
	c.packages = packages
	return &c
}

// Request is everything a registration needs.
type Request struct {
	Credentials secret.Credentials
	// FieldNames names the credentials in errors.
	FieldNames secret.FieldNames
	Package    artifact.Reference
	Overrides  manifest.Overrides
	Stage      string
	// SkillID is the id recorded by a previous run, if any.
	SkillID string
}

// Merge loads the static manifest from the package and applies the
// overrides. The endpoint of the result is always the override's address.
func (r *Registrar) Merge(ctx context.Context, pkg artifact.Reference, o manifest.Overrides) (manifest.Document, error) {
	raw, err := r.packages.ReadFile(ctx, pkg, ManifestFile)
	if errors.Is(err, bundle.ErrNoSuchFile) {
		return nil, &deployerr.ConfigurationError{Reason: "skill package has no " + ManifestFile, Err: err}
	}
	if err != nil {
		return nil, err
	}
	static, err := manifest.Parse(raw)
	if err != nil {
		return nil, &deployerr.ConfigurationError{Reason: ManifestFile + " is not valid", Err: err}
	}
	merged, err := o.Apply(static)
	if err != nil {
		return nil, &deployerr.ConfigurationError{Reason: ManifestFile + " is not valid", Err: err}
	}
	if got := merged.StringAt(o.EndpointPath()); got != o.EndpointURI {
		return nil, deployerr.Configf("merged endpoint %q does not match the function address %q", got, o.EndpointURI)
	}
	return merged, nil
}

// RegisterOrUpdate creates the skill, or updates it when its stored
// manifest differs from the merged one. Identical content causes no
// writes and never creates a second skill.
func (r *Registrar) RegisterOrUpdate(ctx context.Context, req Request) (skillapi.Record, error) {
	if missing := req.Credentials.Missing(req.FieldNames); len(missing) > 0 {
		return skillapi.Record{}, &deployerr.UnresolvedSecretError{Fields: missing}
	}
	ctx = secret.MaskCredentials(ctx, req.Credentials)

	stage := req.Stage
	if stage == "" {
		stage = skillapi.DefaultStage
	}

	merged, err := r.Merge(ctx, req.Package, req.Overrides)
	if err != nil {
		return skillapi.Record{}, err
	}
	body, err := manifest.Canonical(merged)
	if err != nil {
		return skillapi.Record{}, err
	}
	hash := bundle.HashBytes(body)

	rec := skillapi.Record{
		Stage:        stage,
		VendorID:     req.Credentials.VendorID,
		ManifestHash: hash,
	}
	api := r.connect(ctx, req.Credentials)

	skillID := req.SkillID
	if skillID == "" {
		name := skillName(merged)
		if name != "" {
			skillID, err = api.FindSkill(ctx, rec.VendorID, stage, name)
			if err != nil {
				return skillapi.Record{}, err
			}
		}
	}

	if skillID != "" {
		current, err := api.GetManifest(ctx, skillID, stage)
		switch {
		case skillapi.IsNotFound(err):
			tflog.Warn(ctx, "recorded skill no longer exists, registering a new one", map[string]interface{}{
				"skill_id": skillID,
			})
			skillID = ""
		case err != nil:
			return skillapi.Record{}, err
		default:
			if !sameManifest(current, hash) {
				if err := api.UpdateManifest(ctx, skillID, stage, body); err != nil {
					return skillapi.Record{}, skillapi.Rejection(err)
				}
				rec.Updated = true
				tflog.Info(ctx, "updated skill manifest", map[string]interface{}{
					"skill_id": skillID,
					"hash":     hash,
				})
			}
		}
	}

	if skillID == "" {
		skillID, err = api.CreateSkill(ctx, rec.VendorID, body)
		if err != nil {
			return skillapi.Record{}, skillapi.Rejection(err)
		}
		rec.Created = true
		tflog.Info(ctx, "created skill", map[string]interface{}{"skill_id": skillID})
	}
	rec.SkillID = skillID

	locales, err := r.syncModels(ctx, api, req.Package, skillID, stage)
	if err != nil {
		return rec, err
	}

	status, err := r.await(ctx, api, skillID, locales)
	if err != nil {
		return rec, err
	}
	rec.Status = status
	return rec, nil
}

// syncModels uploads every interaction model in the package whose content
// differs from the platform's copy and returns the package's locales.
func (r *Registrar) syncModels(ctx context.Context, api Platform, pkg artifact.Reference, skillID, stage string) ([]string, error) {
	models, names, err := r.packages.ReadDir(ctx, pkg, ModelDir)
	if err != nil {
		return nil, err
	}

	var locales []string
	for _, name := range names {
		if path.Dir(name) != "." || path.Ext(name) != ".json" {
			continue
		}
		locale := strings.TrimSuffix(name, ".json")
		locales = append(locales, locale)

		local, err := manifest.Parse(models[name])
		if err != nil {
			return nil, &deployerr.ConfigurationError{Reason: "interaction model " + locale + " is not valid", Err: err}
		}
		want, err := manifest.Hash(local)
		if err != nil {
			return nil, err
		}

		remote, err := api.GetInteractionModel(ctx, skillID, stage, locale)
		if err != nil && !skillapi.IsNotFound(err) {
			return nil, err
		}
		if err == nil && sameManifest(remote, want) {
			continue
		}

		canonical, err := manifest.Canonical(local)
		if err != nil {
			return nil, err
		}
		if err := api.PutInteractionModel(ctx, skillID, stage, locale, canonical); err != nil {
			return nil, skillapi.Rejection(err)
		}
		tflog.Info(ctx, "uploaded interaction model", map[string]interface{}{
			"skill_id": skillID,
			"locale":   locale,
		})
	}
	return locales, nil
}

// await polls the build status until it leaves IN_PROGRESS.
func (r *Registrar) await(ctx context.Context, api Platform, skillID string, locales []string) (string, error) {
	deadline := time.Now().Add(r.PollTimeout)
	for {
		st, err := api.GetStatus(ctx, skillID, locales...)
		if err != nil {
			return "", err
		}
		overall, errs := st.Overall()
		switch overall {
		case skillapi.StatusSucceeded:
			return overall, nil
		case skillapi.StatusFailed:
			conflict := &deployerr.RegistrationConflictError{Message: "skill build failed"}
			for _, e := range errs {
				conflict.Violations = append(conflict.Violations, deployerr.Violation{Code: e.Code, Message: e.Message})
			}
			return overall, conflict
		}

		if time.Now().After(deadline) {
			return overall, fmt.Errorf("registrar: skill %s still building after %s", skillID, r.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return overall, ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}

// Lookup reports the stage status of skillID, or false if the skill is
// gone.
func (r *Registrar) Lookup(ctx context.Context, creds secret.Credentials, skillID, stage string) (string, bool, error) {
	if stage == "" {
		stage = skillapi.DefaultStage
	}
	ctx = secret.MaskCredentials(ctx, creds)
	api := r.connect(ctx, creds)
	if _, err := api.GetManifest(ctx, skillID, stage); err != nil {
		if skillapi.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	st, err := api.GetStatus(ctx, skillID)
	if err != nil {
		return "", false, err
	}
	overall, _ := st.Overall()
	return overall, true, nil
}

// Delete removes the skill. A skill that is already gone is not an error.
func (r *Registrar) Delete(ctx context.Context, creds secret.Credentials, skillID string) error {
	ctx = secret.MaskCredentials(ctx, creds)
	err := r.connect(ctx, creds).DeleteSkill(ctx, skillID)
	if err != nil && !skillapi.IsNotFound(err) {
		return err
	}
	return nil
}

// sameManifest reports whether remote parses to a document hashing to want.
func sameManifest(remote []byte, want string) bool {
	doc, err := manifest.Parse(remote)
	if err != nil {
		return false
	}
	got, err := manifest.Hash(doc)
	return err == nil && got == want
}

// skillName is the name used to find an existing skill when no id is
// recorded: en-US if present, else the first locale.
func skillName(doc manifest.Document) string {
	if n := doc.StringAt("manifest.publishingInformation.locales.en-US.name"); n != "" {
		return n
	}
	for _, locale := range doc.Locales() {
		if n := doc.StringAt("manifest.publishingInformation.locales." + locale + ".name"); n != "" {
			return n
		}
	}
	return ""
}
