package compute

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

type memoryFunction struct {
	cfg    lambdatypes.FunctionConfiguration
	tags   map[string]string
	policy []memoryStatement
}

type memoryStatement struct {
	Sid       string            `json:"Sid"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    string            `json:"Action"`
	Resource  string            `json:"Resource"`
}

// MemoryLambda is an in-process LambdaAPI used by tests and the memory
// cloud type. Functions become active and finish updates immediately.
type MemoryLambda struct {
	Region    string
	AccountID string

	// ARNFor overrides the generated function ARN when set.
	ARNFor func(name string) string
	// FetchObject resolves bucket-located code. Without it only inline
	// archives are accepted.
	FetchObject func(bucket, key string) ([]byte, error)
	// AddPermissionErr, when set, fails every AddPermission call.
	AddPermissionErr error

	mu        sync.Mutex
	functions map[string]*memoryFunction
	layers    map[string][]lambdatypes.LayerVersionsListItem
	writes    atomic.Int64
	grants    atomic.Int64
}

// NewMemoryLambda returns an empty region.
func NewMemoryLambda() *MemoryLambda {
	return &MemoryLambda{
		Region:    "us-east-1",
		AccountID: "123456789012",
		functions: make(map[string]*memoryFunction),
		layers:    make(map[string][]lambdatypes.LayerVersionsListItem),
	}
}

// Writes counts every mutating call.
func (m *MemoryLambda) Writes() int64 { return m.writes.Load() }

// Grants counts successful AddPermission calls.
func (m *MemoryLambda) Grants() int64 { return m.grants.Load() }

// Statements returns the statement ids on the named function.
func (m *MemoryLambda) Statements(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(name)
	if !ok {
		return nil
	}
	out := make([]string, len(fn.policy))
	for i, s := range fn.policy {
		out[i] = s.Sid
	}
	return out
}

// LayerVersions returns the number of published versions of layer.
func (m *MemoryLambda) LayerVersions(layer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.layers[layer])
}

// Configuration returns a copy of the named function's configuration.
func (m *MemoryLambda) Configuration(name string) (lambdatypes.FunctionConfiguration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(name)
	if !ok {
		return lambdatypes.FunctionConfiguration{}, false
	}
	return fn.cfg, true
}

func notFound(what string) error {
	return &lambdatypes.ResourceNotFoundException{Message: aws.String(what + " not found")}
}

func conflict(what string) error {
	return &lambdatypes.ResourceConflictException{Message: aws.String(what)}
}

// lookup accepts a function name or ARN. Callers hold m.mu.
func (m *MemoryLambda) lookup(ref string) (*memoryFunction, bool) {
	if fn, ok := m.functions[ref]; ok {
		return fn, true
	}
	for _, fn := range m.functions {
		if aws.ToString(fn.cfg.FunctionArn) == ref {
			return fn, true
		}
	}
	return nil, false
}

func (m *MemoryLambda) functionARN(name string) string {
	if m.ARNFor != nil {
		return m.ARNFor(name)
	}
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", m.Region, m.AccountID, name)
}

func (m *MemoryLambda) codeHash(zip []byte, bucket, key *string) (string, int64, error) {
	if zip == nil {
		if m.FetchObject == nil {
			return "", 0, fmt.Errorf("memory lambda: bucket-located code is not supported")
		}
		data, err := m.FetchObject(aws.ToString(bucket), aws.ToString(key))
		if err != nil {
			return "", 0, err
		}
		zip = data
	}
	sum := sha256.Sum256(zip)
	return base64.StdEncoding.EncodeToString(sum[:]), int64(len(zip)), nil
}

func (m *MemoryLambda) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	cfg := fn.cfg
	tags := make(map[string]string, len(fn.tags))
	for k, v := range fn.tags {
		tags[k] = v
	}
	return &lambda.GetFunctionOutput{Configuration: &cfg, Tags: tags}, nil
}

func (m *MemoryLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(in.FunctionName)
	if _, ok := m.functions[name]; ok {
		return nil, conflict("function already exist: " + name)
	}
	if in.Code == nil {
		return nil, fmt.Errorf("memory lambda: code is required")
	}
	sha, size, err := m.codeHash(in.Code.ZipFile, in.Code.S3Bucket, in.Code.S3Key)
	if err != nil {
		return nil, err
	}
	m.writes.Add(1)

	cfg := lambdatypes.FunctionConfiguration{
		FunctionName:     in.FunctionName,
		FunctionArn:      aws.String(m.functionARN(name)),
		Role:             in.Role,
		Handler:          in.Handler,
		Runtime:          in.Runtime,
		Timeout:          in.Timeout,
		MemorySize:       in.MemorySize,
		CodeSha256:       aws.String(sha),
		CodeSize:         size,
		Version:          aws.String("$LATEST"),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}
	if in.Environment != nil {
		cfg.Environment = &lambdatypes.EnvironmentResponse{Variables: in.Environment.Variables}
	}
	for _, l := range in.Layers {
		cfg.Layers = append(cfg.Layers, lambdatypes.Layer{Arn: aws.String(l)})
	}
	tags := make(map[string]string, len(in.Tags))
	for k, v := range in.Tags {
		tags[k] = v
	}
	m.functions[name] = &memoryFunction{cfg: cfg, tags: tags}

	return &lambda.CreateFunctionOutput{
		FunctionName: cfg.FunctionName,
		FunctionArn:  cfg.FunctionArn,
		CodeSha256:   cfg.CodeSha256,
		State:        cfg.State,
	}, nil
}

func (m *MemoryLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	sha, size, err := m.codeHash(in.ZipFile, in.S3Bucket, in.S3Key)
	if err != nil {
		return nil, err
	}
	m.writes.Add(1)
	fn.cfg.CodeSha256 = aws.String(sha)
	fn.cfg.CodeSize = size
	return &lambda.UpdateFunctionCodeOutput{FunctionArn: fn.cfg.FunctionArn, CodeSha256: fn.cfg.CodeSha256}, nil
}

func (m *MemoryLambda) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	m.writes.Add(1)
	if in.Role != nil {
		fn.cfg.Role = in.Role
	}
	if in.Handler != nil {
		fn.cfg.Handler = in.Handler
	}
	if in.Runtime != "" {
		fn.cfg.Runtime = in.Runtime
	}
	if in.Timeout != nil {
		fn.cfg.Timeout = in.Timeout
	}
	if in.MemorySize != nil {
		fn.cfg.MemorySize = in.MemorySize
	}
	if in.Environment != nil {
		fn.cfg.Environment = &lambdatypes.EnvironmentResponse{Variables: in.Environment.Variables}
	}
	if in.Layers != nil {
		fn.cfg.Layers = nil
		for _, l := range in.Layers {
			fn.cfg.Layers = append(fn.cfg.Layers, lambdatypes.Layer{Arn: aws.String(l)})
		}
	}
	return &lambda.UpdateFunctionConfigurationOutput{FunctionArn: fn.cfg.FunctionArn}, nil
}

func (m *MemoryLambda) DeleteFunction(_ context.Context, in *lambda.DeleteFunctionInput, _ ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	m.writes.Add(1)
	delete(m.functions, aws.ToString(fn.cfg.FunctionName))
	return &lambda.DeleteFunctionOutput{}, nil
}

func (m *MemoryLambda) TagResource(_ context.Context, in *lambda.TagResourceInput, _ ...func(*lambda.Options)) (*lambda.TagResourceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.Resource))
	if !ok {
		return nil, notFound("resource " + aws.ToString(in.Resource))
	}
	m.writes.Add(1)
	for k, v := range in.Tags {
		fn.tags[k] = v
	}
	return &lambda.TagResourceOutput{}, nil
}

func (m *MemoryLambda) ListLayerVersions(_ context.Context, in *lambda.ListLayerVersionsInput, _ ...func(*lambda.Options)) (*lambda.ListLayerVersionsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.layers[aws.ToString(in.LayerName)]
	out := make([]lambdatypes.LayerVersionsListItem, len(versions))
	// Newest first, like the real listing.
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return &lambda.ListLayerVersionsOutput{LayerVersions: out}, nil
}

func (m *MemoryLambda) PublishLayerVersion(_ context.Context, in *lambda.PublishLayerVersionInput, _ ...func(*lambda.Options)) (*lambda.PublishLayerVersionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.Content == nil {
		return nil, fmt.Errorf("memory lambda: layer content is required")
	}
	if _, _, err := m.codeHash(in.Content.ZipFile, in.Content.S3Bucket, in.Content.S3Key); err != nil {
		return nil, err
	}
	m.writes.Add(1)

	name := aws.ToString(in.LayerName)
	version := int64(len(m.layers[name]) + 1)
	layerARN := fmt.Sprintf("arn:aws:lambda:%s:%s:layer:%s", m.Region, m.AccountID, name)
	item := lambdatypes.LayerVersionsListItem{
		LayerVersionArn:    aws.String(fmt.Sprintf("%s:%d", layerARN, version)),
		Version:            version,
		Description:        in.Description,
		CompatibleRuntimes: in.CompatibleRuntimes,
	}
	m.layers[name] = append(m.layers[name], item)
	return &lambda.PublishLayerVersionOutput{
		LayerArn:        aws.String(layerARN),
		LayerVersionArn: item.LayerVersionArn,
		Version:         version,
		Description:     in.Description,
	}, nil
}

func (m *MemoryLambda) GetPolicy(_ context.Context, in *lambda.GetPolicyInput, _ ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	if len(fn.policy) == 0 {
		return nil, notFound("policy")
	}
	doc, err := json.Marshal(map[string]interface{}{
		"Version":   "2012-10-17",
		"Id":        "default",
		"Statement": fn.policy,
	})
	if err != nil {
		return nil, err
	}
	return &lambda.GetPolicyOutput{Policy: aws.String(string(doc))}, nil
}

func (m *MemoryLambda) AddPermission(_ context.Context, in *lambda.AddPermissionInput, _ ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	if m.AddPermissionErr != nil {
		return nil, m.AddPermissionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	sid := aws.ToString(in.StatementId)
	for _, s := range fn.policy {
		if s.Sid == sid {
			return nil, conflict("The statement id (" + sid + ") provided already exists")
		}
	}
	m.writes.Add(1)
	m.grants.Add(1)
	stmt := memoryStatement{
		Sid:       sid,
		Effect:    "Allow",
		Principal: map[string]string{"Service": aws.ToString(in.Principal)},
		Action:    aws.ToString(in.Action),
		Resource:  aws.ToString(fn.cfg.FunctionArn),
	}
	fn.policy = append(fn.policy, stmt)
	raw, _ := json.Marshal(stmt)
	return &lambda.AddPermissionOutput{Statement: aws.String(string(raw))}, nil
}

func (m *MemoryLambda) RemovePermission(_ context.Context, in *lambda.RemovePermissionInput, _ ...func(*lambda.Options)) (*lambda.RemovePermissionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.lookup(aws.ToString(in.FunctionName))
	if !ok {
		return nil, notFound("function " + aws.ToString(in.FunctionName))
	}
	sid := aws.ToString(in.StatementId)
	for i, s := range fn.policy {
		if s.Sid == sid {
			m.writes.Add(1)
			fn.policy = append(fn.policy[:i], fn.policy[i+1:]...)
			return &lambda.RemovePermissionOutput{}, nil
		}
	}
	return nil, notFound("statement " + sid)
}

// HasFunction reports whether name (or an ARN) exists.
func (m *MemoryLambda) HasFunction(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(ref)
	return ok
}
