package aws

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// LoadAWSConfig loads the default AWS config. AWS_SNS_ENDPOINT or AWS_ENDPOINT
// point every client at a LocalStack edge port instead of AWS; with an
// endpoint set, AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are used as
// static credentials so no credential chain lookup happens.
func LoadAWSConfig(ctx context.Context) (sdkaws.Config, error) {
	endpoint := localEndpoint()

	var opts []func(*config.LoadOptions) error
	if region := os.Getenv("AWS_REGION"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if endpoint != "" {
		accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if accessKey != "" && secretKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKey, secretKey, os.Getenv("AWS_SESSION_TOKEN")),
			))
		}
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}
	if endpoint != "" {
		cfg.BaseEndpoint = sdkaws.String(endpoint)
	}
	return cfg, nil
}

func localEndpoint() string {
	if endpoint := os.Getenv("AWS_SNS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return os.Getenv("AWS_ENDPOINT")
}
