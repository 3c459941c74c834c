// Package identity provisions the execution role the backend function runs
// as. The role carries a fixed, ordered set of grants: managed read-only
// parameter access, then log group and stream creation and log writes.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// IAMAPI is the subset of the IAM client used by the provisioner.
type IAMAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	TagRole(ctx context.Context, in *iam.TagRoleInput, optFns ...func(*iam.Options)) (*iam.TagRoleOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	GetRolePolicy(ctx context.Context, in *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
}

// GrantKind distinguishes managed policy attachments from inline
// statements.
type GrantKind string

const (
	GrantManaged GrantKind = "managed"
	GrantInline  GrantKind = "inline"
)

// Grant is one entry of a role's permission set.
type Grant struct {
	Kind      GrantKind
	PolicyARN string   // managed grants
	Actions   []string // inline grants
	Resource  string   // inline grants
}

// ReadOnlyParametersPolicyARN is the managed policy giving the function
// read access to configuration parameters.
const ReadOnlyParametersPolicyARN = "arn:aws:iam::aws:policy/AmazonSSMReadOnlyAccess"

// LambdaPrincipal is trusted to assume execution roles.
const LambdaPrincipal = "lambda.amazonaws.com"

// DefaultGrants returns the fixed grant set in application order.
func DefaultGrants() []Grant {
	return []Grant{
		{Kind: GrantManaged, PolicyARN: ReadOnlyParametersPolicyARN},
		{
			Kind:     GrantInline,
			Actions:  []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"},
			Resource: "*",
		},
	}
}

// Spec describes the desired role.
type Spec struct {
	Name   string
	Tags   map[string]string
	Path   string
	Grants []Grant // DefaultGrants when nil
}

// Role is a provisioned execution role.
type Role struct {
	Name   string
	ARN    string
	Grants []Grant
}

// Provisioner creates, reconciles and deletes execution roles.
type Provisioner struct {
	client IAMAPI
}

// NewProvisioner wraps client.
func NewProvisioner(client IAMAPI) *Provisioner {
	return &Provisioner{client: client}
}

// InlinePolicyName is the name of the inline statement attached to role.
func InlinePolicyName(role string) string { return role + "-logs" }

// Ensure creates the role if absent and brings its grants in line with the
// spec. Every step reads before it writes, so an up-to-date role costs no
// write calls.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (Role, error) {
	if spec.Name == "" {
		return Role{}, fmt.Errorf("identity: role name is required")
	}
	grants := spec.Grants
	if grants == nil {
		grants = DefaultGrants()
	}

	arn, err := p.ensureRole(ctx, spec)
	if err != nil {
		return Role{}, err
	}

	for _, g := range grants {
		switch g.Kind {
		case GrantManaged:
			err = p.ensureManaged(ctx, spec.Name, g.PolicyARN)
		case GrantInline:
			err = p.ensureInline(ctx, spec.Name, g)
		default:
			err = fmt.Errorf("unknown grant kind %q", g.Kind)
		}
		if err != nil {
			return Role{}, fmt.Errorf("identity: grant on %q: %w", spec.Name, err)
		}
	}

	return Role{Name: spec.Name, ARN: arn, Grants: grants}, nil
}

func (p *Provisioner) ensureRole(ctx context.Context, spec Spec) (string, error) {
	out, err := p.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.Name)})
	if err == nil {
		if missing := missingTags(out.Role.Tags, spec.Tags); len(missing) > 0 {
			if _, err := p.client.TagRole(ctx, &iam.TagRoleInput{RoleName: aws.String(spec.Name), Tags: missing}); err != nil {
				return "", fmt.Errorf("identity: tag role %q: %w", spec.Name, err)
			}
		}
		return aws.ToString(out.Role.Arn), nil
	}
	if !isNoSuchEntity(err) {
		return "", fmt.Errorf("identity: get role %q: %w", spec.Name, err)
	}

	trust, err := TrustPolicy()
	if err != nil {
		return "", err
	}
	in := &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Name),
		AssumeRolePolicyDocument: aws.String(trust),
		Description:              aws.String("Execution role for the voice skill backend function"),
		Tags:                     iamTags(spec.Tags),
	}
	if spec.Path != "" {
		in.Path = aws.String(spec.Path)
	}

	created, err := p.client.CreateRole(ctx, in)
	if err != nil {
		var exists *iamtypes.EntityAlreadyExistsException
		if errors.As(err, &exists) {
			// Lost a race with a concurrent run; read back what it created.
			return p.ensureRole(ctx, spec)
		}
		return "", fmt.Errorf("identity: create role %q: %w", spec.Name, err)
	}
	tflog.Info(ctx, "created execution role", map[string]interface{}{"role": spec.Name})
	return aws.ToString(created.Role.Arn), nil
}

func (p *Provisioner) ensureManaged(ctx context.Context, role, policyARN string) error {
	attached, err := p.attached(ctx, role)
	if err != nil {
		return err
	}
	if attached[policyARN] {
		return nil
	}
	_, err = p.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return fmt.Errorf("attach %s: %w", policyARN, err)
	}
	return nil
}

func (p *Provisioner) attached(ctx context.Context, role string) (map[string]bool, error) {
	out := make(map[string]bool)
	pager := iam.NewListAttachedRolePoliciesPaginator(p.client, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(role),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list attached policies: %w", err)
		}
		for _, ap := range page.AttachedPolicies {
			out[aws.ToString(ap.PolicyArn)] = true
		}
	}
	return out, nil
}

func (p *Provisioner) ensureInline(ctx context.Context, role string, g Grant) error {
	name := InlinePolicyName(role)
	want, err := InlinePolicy(g)
	if err != nil {
		return err
	}

	cur, err := p.client.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
		RoleName:   aws.String(role),
		PolicyName: aws.String(name),
	})
	switch {
	case err == nil:
		if samePolicy(aws.ToString(cur.PolicyDocument), want) {
			return nil
		}
	case !isNoSuchEntity(err):
		return fmt.Errorf("get inline policy: %w", err)
	}

	_, err = p.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(role),
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(want),
	})
	if err != nil {
		return fmt.Errorf("put inline policy: %w", err)
	}
	return nil
}

// Delete removes the role after detaching managed policies and deleting the
// inline statement. A missing role is not an error.
func (p *Provisioner) Delete(ctx context.Context, role string) error {
	attached, err := p.attached(ctx, role)
	if err != nil {
		if isNoSuchEntity(err) {
			return nil
		}
		return fmt.Errorf("identity: %w", err)
	}

	arns := make([]string, 0, len(attached))
	for arn := range attached {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	for _, arn := range arns {
		_, err := p.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: aws.String(arn),
		})
		if err != nil && !isNoSuchEntity(err) {
			return fmt.Errorf("identity: detach %s: %w", arn, err)
		}
	}

	_, err = p.client.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(role),
		PolicyName: aws.String(InlinePolicyName(role)),
	})
	if err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("identity: delete inline policy: %w", err)
	}

	if _, err := p.client.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(role)}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("identity: delete role %q: %w", role, err)
	}
	tflog.Info(ctx, "deleted execution role", map[string]interface{}{"role": role})
	return nil
}

// Exists reports whether the role is present.
func (p *Provisioner) Exists(ctx context.Context, role string) (bool, error) {
	_, err := p.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
	if err == nil {
		return true, nil
	}
	if isNoSuchEntity(err) {
		return false, nil
	}
	return false, fmt.Errorf("identity: get role %q: %w", role, err)
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    []string          `json:"Action"`
	Resource  string            `json:"Resource,omitempty"`
}

// TrustPolicy lets the function platform assume the role.
func TrustPolicy() (string, error) {
	return marshalPolicy(policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": LambdaPrincipal},
			Action:    []string{"sts:AssumeRole"},
		}},
	})
}

// InlinePolicy renders an inline grant as a policy document.
func InlinePolicy(g Grant) (string, error) {
	return marshalPolicy(policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:   "Allow",
			Action:   g.Actions,
			Resource: g.Resource,
		}},
	})
}

func marshalPolicy(doc policyDocument) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("identity: marshal policy: %w", err)
	}
	return string(b), nil
}

// samePolicy compares a document returned by IAM (URL-encoded) with a
// rendered one, ignoring formatting.
func samePolicy(remote, want string) bool {
	if decoded, err := url.QueryUnescape(remote); err == nil {
		remote = decoded
	}
	var a, b interface{}
	if json.Unmarshal([]byte(remote), &a) != nil || json.Unmarshal([]byte(want), &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]iamtypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func missingTags(have []iamtypes.Tag, want map[string]string) []iamtypes.Tag {
	cur := make(map[string]string, len(have))
	for _, t := range have {
		cur[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	diff := make(map[string]string)
	for k, v := range want {
		if cur[k] != v {
			diff[k] = v
		}
	}
	return iamTags(diff)
}

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}
