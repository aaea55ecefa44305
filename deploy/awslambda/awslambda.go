// Package awslambda publishes artifacts as the code of an AWS Lambda
// function.
package awslambda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/semihalev/dohsink/deploy"
	"github.com/semihalev/zlog/v2"
)

// maxPackageSize is the Lambda limit for a directly uploaded zip.
const maxPackageSize = 50 << 20

var errImagePackage = errors.New("function is packaged as a container image")

// API is the subset of the Lambda client the target uses.
type API interface {
	GetFunction(ctx context.Context, in *lambda.GetFunctionInput, opts ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, opts ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

// Target is a Lambda function.
type Target struct {
	api      API
	function string
	client   *http.Client
}

// New returns a target for function using client.
func New(api API, function string, client *http.Client) *Target {
	if client == nil {
		client = http.DefaultClient
	}
	return &Target{api: api, function: function, client: client}
}

// NewFromEnv builds the Lambda client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, function string) (*Target, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return New(lambda.NewFromConfig(cfg), function, nil), nil
}

func (t *Target) String() string {
	return "lambda:" + t.function
}

// Current returns the function's CodeSha256 and its code package.
func (t *Target) Current(ctx context.Context) (*deploy.Deployment, error) {
	out, err := t.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(t.function)})
	if err != nil {
		return nil, fmt.Errorf("get function %s: %w", t.function, err)
	}

	if out.Configuration == nil || out.Code == nil {
		return nil, fmt.Errorf("get function %s: incomplete response", t.function)
	}

	if out.Configuration.PackageType == types.PackageTypeImage {
		return nil, errImagePackage
	}

	pkg, err := t.download(ctx, aws.ToString(out.Code.Location))
	if err != nil {
		return nil, fmt.Errorf("download code of %s: %w", t.function, err)
	}

	return &deploy.Deployment{
		Identity: aws.ToString(out.Configuration.CodeSha256),
		Package:  pkg,
		Revision: aws.ToString(out.Configuration.RevisionId),
	}, nil
}

// Publish uploads the package in a single UpdateFunctionCode call. Lambda
// switches invocations to the new code only once the update completes. The
// call carries the artifact's Base revision, so a deploy that landed after
// Current is reported as deploy.ErrConflict instead of being overwritten.
func (t *Target) Publish(ctx context.Context, a *deploy.Artifact) error {
	if len(a.Package) > maxPackageSize {
		return fmt.Errorf("package of %d bytes exceeds the direct upload limit", len(a.Package))
	}

	cur, err := t.api.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(t.function)})
	if err != nil {
		return fmt.Errorf("get function %s: %w", t.function, err)
	}

	in := &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(t.function),
		ZipFile:      a.Package,
	}

	revision := a.Base
	if cur.Configuration != nil {
		in.Architectures = cur.Configuration.Architectures

		running := aws.ToString(cur.Configuration.RevisionId)
		switch {
		case revision == "":
			revision = running
		case running != "" && running != revision:
			return fmt.Errorf("%w: %s is at revision %s, artifact built on %s", deploy.ErrConflict, t.function, running, revision)
		}
	}
	if revision != "" {
		in.RevisionId = aws.String(revision)
	}

	out, err := t.api.UpdateFunctionCode(ctx, in)
	var precondition *types.PreconditionFailedException
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %s: %s", deploy.ErrConflict, t.function, precondition.ErrorMessage())
	}
	if err != nil {
		return fmt.Errorf("update function code %s: %w", t.function, err)
	}

	if sha := aws.ToString(out.CodeSha256); sha != a.Identity {
		zlog.Warn("Lambda reported a different code identity", "function", t.function, "want", a.Identity, "got", sha)
	}

	return nil
}

func (t *Target) download(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, errors.New("no code location")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxPackageSize {
		return nil, errors.New("code package too large")
	}

	return b, nil
}
