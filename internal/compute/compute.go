// Package compute provisions the backend function, its dependency layer and
// the permission that lets the skill platform invoke it.
package compute

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"

	"github.com/agentctx/terraform-provider-voiceskill/internal/bundle"
)

// LambdaAPI is the subset of the Lambda client used by this package.
type LambdaAPI interface {
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, in *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	TagResource(ctx context.Context, in *lambda.TagResourceInput, optFns ...func(*lambda.Options)) (*lambda.TagResourceOutput, error)

	ListLayerVersions(ctx context.Context, in *lambda.ListLayerVersionsInput, optFns ...func(*lambda.Options)) (*lambda.ListLayerVersionsOutput, error)
	PublishLayerVersion(ctx context.Context, in *lambda.PublishLayerVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishLayerVersionOutput, error)

	GetPolicy(ctx context.Context, in *lambda.GetPolicyInput, optFns ...func(*lambda.Options)) (*lambda.GetPolicyOutput, error)
	AddPermission(ctx context.Context, in *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
	RemovePermission(ctx context.Context, in *lambda.RemovePermissionInput, optFns ...func(*lambda.Options)) (*lambda.RemovePermissionOutput, error)
}

// Code locates a deployment package. Bucket and Key are used when the
// platform can read the archive straight from object storage; otherwise
// ZipFile carries the bytes. Hash is the "sha256:<hex>" content hash.
type Code struct {
	Bucket  string
	Key     string
	ZipFile []byte
	Hash    string
}

func (c Code) validate() error {
	if c.Hash == "" {
		return errors.New("code hash is required")
	}
	if c.ZipFile == nil && (c.Bucket == "" || c.Key == "") {
		return errors.New("code needs either a bucket location or archive bytes")
	}
	return nil
}

// CodeSHA256 is the platform's encoding of a content hash: base64 of the
// raw digest.
func CodeSHA256(hash string) (string, error) {
	raw, err := hex.DecodeString(bundle.HexDigest(hash))
	if err != nil {
		return "", fmt.Errorf("compute: malformed content hash %q: %w", hash, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Platform provisions functions, layers and invoke permissions.
type Platform struct {
	client LambdaAPI

	// WaitTimeout bounds each wait for the function to become active or
	// finish an update, and for a fresh role to become assumable.
	WaitTimeout time.Duration
	// PollInterval spaces the role propagation checks.
	PollInterval time.Duration
}

// NewPlatform wraps client with default timeouts.
func NewPlatform(client LambdaAPI) *Platform {
	return &Platform{
		client:       client,
		WaitTimeout:  5 * time.Minute,
		PollInterval: 2 * time.Second,
	}
}

func isNotFound(err error) bool {
	var nf *lambdatypes.ResourceNotFoundException
	return errors.As(err, &nf)
}

func isConflict(err error) bool {
	var rc *lambdatypes.ResourceConflictException
	return errors.As(err, &rc)
}

// isRoleNotReady matches the error Lambda returns while a newly created
// role is still propagating.
func isRoleNotReady(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidParameterValueException" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "cannot be assumed")
}

func stringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
