package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

type memoryRole struct {
	arn      string
	trust    string
	tags     map[string]string
	attached map[string]bool
	inline   map[string]string
}

// MemoryIAM is an in-process IAMAPI used by tests and the memory cloud
// type. It counts mutating calls so callers can assert idempotence.
type MemoryIAM struct {
	AccountID string

	mu     sync.Mutex
	roles  map[string]*memoryRole
	writes atomic.Int64
}

// NewMemoryIAM returns an empty account.
func NewMemoryIAM() *MemoryIAM {
	return &MemoryIAM{AccountID: "123456789012", roles: make(map[string]*memoryRole)}
}

// Writes counts create, tag, attach, detach, put and delete calls.
func (m *MemoryIAM) Writes() int64 { return m.writes.Load() }

// Attached returns the managed policy ARNs on role, sorted.
func (m *MemoryIAM) Attached(role string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[role]
	if !ok {
		return nil
	}
	var out []string
	for arn := range r.attached {
		out = append(out, arn)
	}
	sort.Strings(out)
	return out
}

// InlinePolicy returns the named inline document on role.
func (m *MemoryIAM) InlinePolicy(role, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[role]
	if !ok {
		return "", false
	}
	doc, ok := r.inline[name]
	return doc, ok
}

func noSuchEntity(what string) error {
	return &iamtypes.NoSuchEntityException{Message: aws.String(what + " not found")}
}

func (m *MemoryIAM) role(name *string) (*memoryRole, error) {
	r, ok := m.roles[aws.ToString(name)]
	if !ok {
		return nil, noSuchEntity("role " + aws.ToString(name))
	}
	return r, nil
}

func (m *MemoryIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		tags[k] = v
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{
		RoleName:                 in.RoleName,
		Arn:                      aws.String(r.arn),
		AssumeRolePolicyDocument: aws.String(r.trust),
		Tags:                     iamTags(tags),
	}}, nil
}

func (m *MemoryIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(in.RoleName)
	if _, ok := m.roles[name]; ok {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("role exists")}
	}
	r := &memoryRole{
		arn:      fmt.Sprintf("arn:aws:iam::%s:role/%s", m.AccountID, name),
		trust:    aws.ToString(in.AssumeRolePolicyDocument),
		tags:     make(map[string]string),
		attached: make(map[string]bool),
		inline:   make(map[string]string),
	}
	for _, t := range in.Tags {
		r.tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	m.roles[name] = r
	m.writes.Add(1)
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String(r.arn)}}, nil
}

func (m *MemoryIAM) TagRole(_ context.Context, in *iam.TagRoleInput, _ ...func(*iam.Options)) (*iam.TagRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	for _, t := range in.Tags {
		r.tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	m.writes.Add(1)
	return &iam.TagRoleOutput{}, nil
}

func (m *MemoryIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	if len(r.attached) > 0 || len(r.inline) > 0 {
		return nil, &iamtypes.DeleteConflictException{Message: aws.String("role has policies")}
	}
	delete(m.roles, aws.ToString(in.RoleName))
	m.writes.Add(1)
	return &iam.DeleteRoleOutput{}, nil
}

func (m *MemoryIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	arns := make([]string, 0, len(r.attached))
	for arn := range r.attached {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range arns {
		out.AttachedPolicies = append(out.AttachedPolicies, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out, nil
}

func (m *MemoryIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	r.attached[aws.ToString(in.PolicyArn)] = true
	m.writes.Add(1)
	return &iam.AttachRolePolicyOutput{}, nil
}

func (m *MemoryIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	if !r.attached[aws.ToString(in.PolicyArn)] {
		return nil, noSuchEntity("attachment")
	}
	delete(r.attached, aws.ToString(in.PolicyArn))
	m.writes.Add(1)
	return &iam.DetachRolePolicyOutput{}, nil
}

func (m *MemoryIAM) GetRolePolicy(_ context.Context, in *iam.GetRolePolicyInput, _ ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	doc, ok := r.inline[aws.ToString(in.PolicyName)]
	if !ok {
		return nil, noSuchEntity("policy")
	}
	return &iam.GetRolePolicyOutput{
		RoleName:       in.RoleName,
		PolicyName:     in.PolicyName,
		PolicyDocument: aws.String(doc),
	}, nil
}

func (m *MemoryIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	r.inline[aws.ToString(in.PolicyName)] = aws.ToString(in.PolicyDocument)
	m.writes.Add(1)
	return &iam.PutRolePolicyOutput{}, nil
}

func (m *MemoryIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.role(in.RoleName)
	if err != nil {
		return nil, err
	}
	if _, ok := r.inline[aws.ToString(in.PolicyName)]; !ok {
		return nil, noSuchEntity("policy")
	}
	delete(r.inline, aws.ToString(in.PolicyName))
	m.writes.Add(1)
	return &iam.DeleteRolePolicyOutput{}, nil
}
