package compute

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/agentctx/terraform-provider-voiceskill/internal/deployerr"
)

// LayerSpec describes a dependency layer.
type LayerSpec struct {
	Name     string
	Code     Code
	Runtimes []string // DefaultRuntime when empty
}

// Layer is a published layer version.
type Layer struct {
	Name       string
	VersionARN string
	Version    int64
	// Published is true when EnsureLayer created a new version.
	Published bool
}

// LayerDescription records the content hash on a layer version so later
// runs can find it.
func LayerDescription(hash string) string { return "voiceskill dependencies " + hash }

// EnsureLayer returns the layer version carrying spec.Code.Hash, publishing
// a new version only when none exists.
func (p *Platform) EnsureLayer(ctx context.Context, spec LayerSpec) (Layer, error) {
	if spec.Name == "" {
		return Layer{}, deployerr.Configf("layer name is required")
	}
	if err := spec.Code.validate(); err != nil {
		return Layer{}, &deployerr.ConfigurationError{Reason: fmt.Sprintf("layer %q", spec.Name), Err: err}
	}

	found, ok, err := p.findLayer(ctx, spec.Name, spec.Code.Hash)
	if err != nil {
		return Layer{}, err
	}
	if ok {
		return found, nil
	}

	runtimes := spec.Runtimes
	if len(runtimes) == 0 {
		runtimes = []string{DefaultRuntime}
	}
	compatible := make([]lambdatypes.Runtime, len(runtimes))
	for i, r := range runtimes {
		compatible[i] = lambdatypes.Runtime(r)
	}

	content := &lambdatypes.LayerVersionContentInput{ZipFile: spec.Code.ZipFile}
	if spec.Code.ZipFile == nil {
		content = &lambdatypes.LayerVersionContentInput{
			S3Bucket: aws.String(spec.Code.Bucket),
			S3Key:    aws.String(spec.Code.Key),
		}
	}

	out, err := p.client.PublishLayerVersion(ctx, &lambda.PublishLayerVersionInput{
		LayerName:          aws.String(spec.Name),
		Content:            content,
		CompatibleRuntimes: compatible,
		Description:        aws.String(LayerDescription(spec.Code.Hash)),
	})
	if err != nil {
		return Layer{}, fmt.Errorf("compute: publish layer %q: %w", spec.Name, err)
	}
	tflog.Info(ctx, "published layer version", map[string]interface{}{
		"layer":   spec.Name,
		"version": out.Version,
	})
	return Layer{
		Name:       spec.Name,
		VersionARN: aws.ToString(out.LayerVersionArn),
		Version:    out.Version,
		Published:  true,
	}, nil
}

func (p *Platform) findLayer(ctx context.Context, name, hash string) (Layer, bool, error) {
	pager := lambda.NewListLayerVersionsPaginator(p.client, &lambda.ListLayerVersionsInput{
		LayerName: aws.String(name),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if isNotFound(err) {
			return Layer{}, false, nil
		}
		if err != nil {
			return Layer{}, false, fmt.Errorf("compute: list layer versions of %q: %w", name, err)
		}
		for _, v := range page.LayerVersions {
			if strings.HasSuffix(aws.ToString(v.Description), hash) {
				return Layer{
					Name:       name,
					VersionARN: aws.ToString(v.LayerVersionArn),
					Version:    v.Version,
				}, true, nil
			}
		}
	}
	return Layer{}, false, nil
}
