package compute

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// SkillType selects the invoking principal.
type SkillType string

const (
	SkillCustom    SkillType = "custom"
	SkillSmartHome SkillType = "smart_home"
	SkillVideo     SkillType = "video"
)

// ParseSkillType validates s. The empty string means SkillCustom.
func ParseSkillType(s string) (SkillType, error) {
	switch t := SkillType(s); t {
	case "":
		return SkillCustom, nil
	case SkillCustom, SkillSmartHome, SkillVideo:
		return t, nil
	default:
		return "", deployerr.Configf("unknown skill type %q", s)
	}
}

// Principal is the service principal that invokes functions for skills of
// type t.
func (t SkillType) Principal() string {
	switch t {
	case SkillSmartHome, SkillVideo:
		return "alexa-connectedhome.amazon.com"
	default:
		return "alexa-appkit.amazon.com"
	}
}

// ManifestAPI is the key under manifest.apis that carries the endpoint for
// skills of type t.
func (t SkillType) ManifestAPI() string {
	switch t {
	case SkillSmartHome:
		return "smartHome"
	case SkillVideo:
		return "video"
	default:
		return "custom"
	}
}

// InvokeStatementID names the policy statement holding the grant. It does
// not vary with the skill type, so changing the type replaces the grant.
const InvokeStatementID = "voiceskill-skill-invoke"

const invokeAction = "lambda:InvokeFunction"

// Permission is an invoke grant on a function.
type Permission struct {
	FunctionARN string
	StatementID string
	Principal   string
	// Added is false when the grant was already in place.
	Added bool
}

// GrantInvoke allows the skill platform to invoke functionARN. Granting
// twice leaves exactly one statement.
func (p *Platform) GrantInvoke(ctx context.Context, functionARN string, t SkillType) (Permission, error) {
	if functionARN == "" {
		return Permission{}, deployerr.Configf("function address is required for an invoke grant")
	}
	perm := Permission{FunctionARN: functionARN, StatementID: InvokeStatementID, Principal: t.Principal()}

	stmts, err := p.statements(ctx, functionARN)
	if err != nil {
		return Permission{}, err
	}
	if cur, ok := stmts[perm.StatementID]; ok {
		if cur.principal() == perm.Principal {
			return perm, nil
		}
		if err := p.revoke(ctx, functionARN, perm.StatementID); err != nil {
			return Permission{}, err
		}
	}

	_, err = p.client.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(functionARN),
		StatementId:  aws.String(perm.StatementID),
		Action:       aws.String(invokeAction),
		Principal:    aws.String(perm.Principal),
	})
	if isConflict(err) {
		return perm, nil
	}
	if err != nil {
		return Permission{}, fmt.Errorf("compute: grant invoke on %q: %w", functionARN, err)
	}
	tflog.Info(ctx, "granted invoke permission", map[string]interface{}{
		"function":  functionARN,
		"principal": perm.Principal,
	})
	perm.Added = true
	return perm, nil
}

// RevokeInvoke removes the grant made by GrantInvoke. A missing statement
// or function is not an error.
func (p *Platform) RevokeInvoke(ctx context.Context, functionARN string) error {
	return p.revoke(ctx, functionARN, InvokeStatementID)
}

func (p *Platform) revoke(ctx context.Context, functionARN, sid string) error {
	_, err := p.client.RemovePermission(ctx, &lambda.RemovePermissionInput{
		FunctionName: aws.String(functionARN),
		StatementId:  aws.String(sid),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("compute: revoke %s on %q: %w", sid, functionARN, err)
	}
	return nil
}

type policyDoc struct {
	Statement []statement `json:"Statement"`
}

type statement struct {
	Sid       string          `json:"Sid"`
	Principal json.RawMessage `json:"Principal"`
}

// principal flattens the two encodings a principal may take: a bare
// string or {"Service": "..."}.
func (s statement) principal() string {
	var str string
	if err := json.Unmarshal(s.Principal, &str); err == nil {
		return str
	}
	var svc struct {
		Service string `json:"Service"`
	}
	if err := json.Unmarshal(s.Principal, &svc); err == nil {
		return svc.Service
	}
	return ""
}

func (p *Platform) statements(ctx context.Context, functionARN string) (map[string]statement, error) {
	out, err := p.client.GetPolicy(ctx, &lambda.GetPolicyInput{FunctionName: aws.String(functionARN)})
	if isNotFound(err) {
		return map[string]statement{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compute: read policy of %q: %w", functionARN, err)
	}
	var doc policyDoc
	if err := json.Unmarshal([]byte(aws.ToString(out.Policy)), &doc); err != nil {
		return nil, fmt.Errorf("compute: parse policy of %q: %w", functionARN, err)
	}
	byID := make(map[string]statement, len(doc.Statement))
	for _, s := range doc.Statement {
		byID[s.Sid] = s
	}
	return byID, nil
}
