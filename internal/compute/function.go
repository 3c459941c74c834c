package compute

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// DefaultRuntime is used for both the function and its layer.
const DefaultRuntime = "python3.11"

// Descriptor is the desired state of the backend function.
type Descriptor struct {
	Name           string
	Code           Code
	RoleARN        string
	Handler        string
	Runtime        string
	TimeoutSeconds int32
	MemoryMB       int32
	Environment    map[string]string
	Layers         []string // layer version ARNs, in order
	Tags           map[string]string
}

func (d Descriptor) validate() error {
	switch {
	case d.Name == "":
		return deployerr.Configf("function name is required")
	case d.RoleARN == "":
		return deployerr.Configf("function %q has no execution role", d.Name)
	case d.Handler == "":
		return deployerr.Configf("function %q has no handler", d.Name)
	}
	if err := d.Code.validate(); err != nil {
		return &deployerr.ConfigurationError{Reason: fmt.Sprintf("function %q", d.Name), Err: err}
	}
	return nil
}

func (d Descriptor) runtime() lambdatypes.Runtime {
	if d.Runtime == "" {
		return lambdatypes.Runtime(DefaultRuntime)
	}
	return lambdatypes.Runtime(d.Runtime)
}

// Function is a deployed backend function.
type Function struct {
	Name       string
	ARN        string
	CodeSHA256 string
	// Changed is true when Deploy created the function or modified its
	// code or configuration.
	Changed bool
	Created bool
}

// Deploy creates the function or reconciles an existing one with d. Code is
// only pushed when the remote code hash differs from d.Code.Hash, and
// configuration only when a field drifted.
func (p *Platform) Deploy(ctx context.Context, d Descriptor) (Function, error) {
	if err := d.validate(); err != nil {
		return Function{}, err
	}
	sha, err := CodeSHA256(d.Code.Hash)
	if err != nil {
		return Function{}, err
	}

	out, err := p.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(d.Name)})
	switch {
	case isNotFound(err):
		fn, err := p.create(ctx, d)
		if err == nil || !isConflict(err) {
			return fn, err
		}
		// Created concurrently; reconcile against what now exists.
		out, err = p.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(d.Name)})
		if err != nil {
			return Function{}, fmt.Errorf("compute: get function %q: %w", d.Name, err)
		}
	case err != nil:
		return Function{}, fmt.Errorf("compute: get function %q: %w", d.Name, err)
	}

	return p.reconcile(ctx, d, sha, out)
}

func (p *Platform) create(ctx context.Context, d Descriptor) (Function, error) {
	in := &lambda.CreateFunctionInput{
		FunctionName: aws.String(d.Name),
		Role:         aws.String(d.RoleARN),
		Handler:      aws.String(d.Handler),
		Runtime:      d.runtime(),
		PackageType:  lambdatypes.PackageTypeZip,
		Code:         functionCode(d.Code),
		Layers:       d.Layers,
		Tags:         stringMap(d.Tags),
		Description:  aws.String("Voice skill backend"),
		Environment:  &lambdatypes.Environment{Variables: stringMap(d.Environment)},
	}
	if d.TimeoutSeconds > 0 {
		in.Timeout = aws.Int32(d.TimeoutSeconds)
	}
	if d.MemoryMB > 0 {
		in.MemorySize = aws.Int32(d.MemoryMB)
	}

	var out *lambda.CreateFunctionOutput
	err := p.untilRoleAssumable(ctx, func() error {
		var err error
		out, err = p.client.CreateFunction(ctx, in)
		return err
	})
	if err != nil {
		if isConflict(err) {
			return Function{}, err
		}
		return Function{}, fmt.Errorf("compute: create function %q: %w", d.Name, err)
	}
	tflog.Info(ctx, "created function", map[string]interface{}{"function": d.Name})

	if err := p.waitActive(ctx, d.Name); err != nil {
		return Function{}, err
	}
	return Function{
		Name:       d.Name,
		ARN:        aws.ToString(out.FunctionArn),
		CodeSHA256: aws.ToString(out.CodeSha256),
		Changed:    true,
		Created:    true,
	}, nil
}

func (p *Platform) reconcile(ctx context.Context, d Descriptor, sha string, out *lambda.GetFunctionOutput) (Function, error) {
	cfg := out.Configuration
	if cfg == nil {
		return Function{}, fmt.Errorf("compute: function %q has no configuration", d.Name)
	}
	fn := Function{
		Name:       d.Name,
		ARN:        aws.ToString(cfg.FunctionArn),
		CodeSHA256: aws.ToString(cfg.CodeSha256),
	}

	// A previous run may have left an update in flight.
	if cfg.LastUpdateStatus == lambdatypes.LastUpdateStatusInProgress {
		if err := p.waitUpdated(ctx, d.Name); err != nil {
			return Function{}, err
		}
	}

	if fn.CodeSHA256 != sha {
		code := functionCode(d.Code)
		upd, err := p.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(d.Name),
			ZipFile:      code.ZipFile,
			S3Bucket:     code.S3Bucket,
			S3Key:        code.S3Key,
		})
		if err != nil {
			return Function{}, fmt.Errorf("compute: update code of %q: %w", d.Name, err)
		}
		tflog.Info(ctx, "updated function code", map[string]interface{}{
			"function": d.Name,
			"from":     fn.CodeSHA256,
			"to":       aws.ToString(upd.CodeSha256),
		})
		fn.CodeSHA256 = aws.ToString(upd.CodeSha256)
		fn.Changed = true
		if err := p.waitUpdated(ctx, d.Name); err != nil {
			return Function{}, err
		}
	}

	if drift := configDrift(cfg, d); len(drift) > 0 {
		in := &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(d.Name),
			Role:         aws.String(d.RoleARN),
			Handler:      aws.String(d.Handler),
			Runtime:      d.runtime(),
			Layers:       d.Layers,
			Environment:  &lambdatypes.Environment{Variables: stringMap(d.Environment)},
		}
		if in.Layers == nil {
			in.Layers = []string{}
		}
		if d.TimeoutSeconds > 0 {
			in.Timeout = aws.Int32(d.TimeoutSeconds)
		}
		if d.MemoryMB > 0 {
			in.MemorySize = aws.Int32(d.MemoryMB)
		}
		err := p.untilRoleAssumable(ctx, func() error {
			_, err := p.client.UpdateFunctionConfiguration(ctx, in)
			return err
		})
		if err != nil {
			return Function{}, fmt.Errorf("compute: update configuration of %q: %w", d.Name, err)
		}
		tflog.Info(ctx, "updated function configuration", map[string]interface{}{
			"function": d.Name,
			"fields":   drift,
		})
		fn.Changed = true
		if err := p.waitUpdated(ctx, d.Name); err != nil {
			return Function{}, err
		}
	}

	if missing := missingTags(out.Tags, d.Tags); len(missing) > 0 {
		_, err := p.client.TagResource(ctx, &lambda.TagResourceInput{
			Resource: aws.String(fn.ARN),
			Tags:     missing,
		})
		if err != nil {
			return Function{}, fmt.Errorf("compute: tag function %q: %w", d.Name, err)
		}
		fn.Changed = true
	}

	return fn, nil
}

// Lookup returns the deployed function, or false when it does not exist.
func (p *Platform) Lookup(ctx context.Context, name string) (Function, bool, error) {
	out, err := p.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	if isNotFound(err) {
		return Function{}, false, nil
	}
	if err != nil {
		return Function{}, false, fmt.Errorf("compute: get function %q: %w", name, err)
	}
	return Function{
		Name:       name,
		ARN:        aws.ToString(out.Configuration.FunctionArn),
		CodeSHA256: aws.ToString(out.Configuration.CodeSha256),
	}, true, nil
}

// Delete removes the function. A missing function is not an error.
func (p *Platform) Delete(ctx context.Context, name string) error {
	_, err := p.client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("compute: delete function %q: %w", name, err)
	}
	return nil
}

func functionCode(c Code) *lambdatypes.FunctionCode {
	if c.ZipFile != nil {
		return &lambdatypes.FunctionCode{ZipFile: c.ZipFile}
	}
	return &lambdatypes.FunctionCode{S3Bucket: aws.String(c.Bucket), S3Key: aws.String(c.Key)}
}

// configDrift lists the configuration fields of cfg that differ from d.
func configDrift(cfg *lambdatypes.FunctionConfiguration, d Descriptor) []string {
	var drift []string
	if aws.ToString(cfg.Role) != d.RoleARN {
		drift = append(drift, "role")
	}
	if aws.ToString(cfg.Handler) != d.Handler {
		drift = append(drift, "handler")
	}
	if cfg.Runtime != d.runtime() {
		drift = append(drift, "runtime")
	}
	if d.TimeoutSeconds > 0 && aws.ToInt32(cfg.Timeout) != d.TimeoutSeconds {
		drift = append(drift, "timeout")
	}
	if d.MemoryMB > 0 && aws.ToInt32(cfg.MemorySize) != d.MemoryMB {
		drift = append(drift, "memory_size")
	}

	var env map[string]string
	if cfg.Environment != nil {
		env = cfg.Environment.Variables
	}
	if !reflect.DeepEqual(stringMap(env), stringMap(d.Environment)) {
		drift = append(drift, "environment")
	}

	layers := make([]string, 0, len(cfg.Layers))
	for _, l := range cfg.Layers {
		layers = append(layers, aws.ToString(l.Arn))
	}
	if len(layers) != len(d.Layers) {
		drift = append(drift, "layers")
	} else {
		for i := range layers {
			if layers[i] != d.Layers[i] {
				drift = append(drift, "layers")
				break
			}
		}
	}
	return drift
}

func missingTags(have, want map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range want {
		if cur, ok := have[k]; !ok || cur != v {
			out[k] = v
		}
	}
	return out
}

// untilRoleAssumable retries call while the platform reports that a newly
// created execution role cannot be assumed yet.
func (p *Platform) untilRoleAssumable(ctx context.Context, call func() error) error {
	deadline := time.Now().Add(p.WaitTimeout)
	for {
		err := call()
		if err == nil || !isRoleNotReady(err) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("execution role still not assumable after %s: %w", p.WaitTimeout, err)
		}
		tflog.Debug(ctx, "execution role not yet assumable, waiting", map[string]interface{}{
			"interval": p.PollInterval.String(),
		})
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *Platform) waitActive(ctx context.Context, name string) error {
	w := lambda.NewFunctionActiveV2Waiter(p.client)
	if err := w.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, p.WaitTimeout); err != nil {
		return fmt.Errorf("compute: waiting for %q to become active: %w", name, err)
	}
	return nil
}

func (p *Platform) waitUpdated(ctx context.Context, name string) error {
	w := lambda.NewFunctionUpdatedV2Waiter(p.client)
	if err := w.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, p.WaitTimeout); err != nil {
		return fmt.Errorf("compute: waiting for update of %q: %w", name, err)
	}
	return nil
}
