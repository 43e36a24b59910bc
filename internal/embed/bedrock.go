package embed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
)

type modelInvoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type identityGetter interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Bedrock embeds through AWS Bedrock with Titan or Cohere models.
type Bedrock struct {
	runtime  modelInvoker
	identity identityGetter
	region   string
	model    string
	dim      int
	timeout  time.Duration
}

// NewBedrock resolves AWS credentials from the default chain, honouring the
// configured region and profile.
func NewBedrock(ctx context.Context, cfg config.EmbeddingConfig) (*Bedrock, error) {
	const op = "bedrock.new"
	model, dim, err := resolve("bedrock", cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}

	region := cfg.AWSRegion
	if region == "" {
		region = "eu-west-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}

	return &Bedrock{
		runtime:  bedrockruntime.NewFromConfig(awsCfg),
		identity: sts.NewFromConfig(awsCfg),
		region:   region,
		model:    model,
		dim:      dim,
		timeout:  timeoutOr(cfg.Timeout, cloudTimeout),
	}, nil
}

func (b *Bedrock) Name() string   { return "bedrock" }
func (b *Bedrock) Model() string  { return b.model }
func (b *Bedrock) Dimension() int { return b.dim }

func (b *Bedrock) cohere() bool {
	return strings.HasPrefix(b.model, "cohere.")
}

func (b *Bedrock) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "bedrock.embed"
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var body any = map[string]string{"inputText": text}
	if b.cohere() {
		body = map[string]any{"texts": []string{text}, "input_type": "search_document"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, op, err)
	}

	out, err := b.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        raw,
	})
	if err != nil {
		return nil, classifyAWS(op, err)
	}
	return b.decode(op, out.Body)
}

func (b *Bedrock) decode(op string, body []byte) ([]float32, error) {
	if b.cohere() {
		var resp struct {
			Embeddings [][]float64 `json:"embeddings"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errs.Wrap(errs.Malformed, op, err)
		}
		if len(resp.Embeddings) == 0 {
			return nil, errs.E(errs.Malformed, op, "no embedding returned")
		}
		return checkVector(op, resp.Embeddings[0], b.dim)
	}

	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Wrap(errs.Malformed, op, err)
	}
	return checkVector(op, resp.Embedding, b.dim)
}

// Health verifies that AWS credentials resolve to an identity.
func (b *Bedrock) Health(ctx context.Context) Health {
	h := Health{Provider: b.Name(), Model: b.model, Dimension: b.dim, Models: Models("bedrock")}
	ctx, cancel := probeContext(ctx)
	defer cancel()

	id, err := b.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		err = classifyAWS("bedrock.health", err)
		status := StatusUnreachable
		if errs.Is(err, errs.Config) {
			status = StatusAuthError
		}
		return healthFailure(h, status, err)
	}
	h.Available = true
	h.Status = StatusOK
	h.Detail = "region " + b.region + ", account " + aws.ToString(id.Account)
	return h
}

func classifyAWS(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "InternalServerException",
			"ModelTimeoutException", "ModelNotReadyException", "ServiceQuotaExceededException":
			return errs.E(errs.Connection, op, "%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
			"InvalidClientTokenId", "ResourceNotFoundException", "ValidationException":
			return errs.E(errs.Config, op, "%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return errs.E(errs.Malformed, op, "%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	// The SDK reports an empty credential chain as a plain wrapped error.
	if strings.Contains(err.Error(), "retrieve credentials") {
		return errs.Wrap(errs.Config, op, err)
	}
	return errs.Transport(op, err)
}
