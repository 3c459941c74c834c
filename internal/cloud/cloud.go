// Package cloud builds the secret store, identity and compute clients for
// the configured cloud type.
package cloud

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/agentctx/terraform-provider-voiceskill/internal/compute"
	"github.com/agentctx/terraform-provider-voiceskill/internal/identity"
	"github.com/agentctx/terraform-provider-voiceskill/internal/secret"
)

const (
	TypeAWS    = "aws"
	TypeMemory = "memory"
)

// Config selects and configures the cloud.
type Config struct {
	Type   string // TypeAWS when empty
	Region string
}

// Clients are the cloud APIs a deployment talks to.
type Clients struct {
	Type    string
	Region  string
	Secrets secret.Store
	IAM     identity.IAMAPI
	Lambda  compute.LambdaAPI
}

// New returns the clients for cfg.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	switch cfg.Type {
	case "", TypeAWS:
		var optFns []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return &Clients{
			Type:    TypeAWS,
			Region:  awsCfg.Region,
			Secrets: secret.NewSecretsManagerStore(secretsmanager.NewFromConfig(awsCfg)),
			IAM:     iam.NewFromConfig(awsCfg),
			Lambda:  lambda.NewFromConfig(awsCfg),
		}, nil
	case TypeMemory:
		m := GetOrCreateMemory(cfg.Region)
		return &Clients{
			Type:    TypeMemory,
			Region:  m.Lambda.Region,
			Secrets: m.Secrets,
			IAM:     m.IAM,
			Lambda:  m.Lambda,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported cloud type: %q (must be aws or memory)", cfg.Type)
	}
}

// Memory is an in-process account: secrets, roles and functions.
type Memory struct {
	Secrets *secret.MemoryStore
	IAM     *identity.MemoryIAM
	Lambda  *compute.MemoryLambda
}

// NewMemory returns an empty account in region.
func NewMemory(region string) *Memory {
	m := &Memory{
		Secrets: secret.NewMemoryStore(),
		IAM:     identity.NewMemoryIAM(),
		Lambda:  compute.NewMemoryLambda(),
	}
	if region != "" {
		m.Lambda.Region = region
	}
	return m
}

// Memory accounts outlive provider instances across acceptance test steps.
var (
	memoryMu       sync.Mutex
	memoryAccounts = make(map[string]*Memory)
)

// GetOrCreateMemory returns the account registered for region, creating
// it on first use.
func GetOrCreateMemory(region string) *Memory {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	if m, ok := memoryAccounts[region]; ok {
		return m
	}
	m := NewMemory(region)
	memoryAccounts[region] = m
	return m
}

// ResetMemory clears every registered account.
func ResetMemory() {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	memoryAccounts = make(map[string]*Memory)
}
