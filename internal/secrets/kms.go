// Package secrets decrypts venue credentials with AWS KMS and keeps the
// plaintext sealed in memguard enclaves.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Decrypter turns a ciphertext blob into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// kmsAPI is the subset of the KMS client used here.
type kmsAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMS decrypts ciphertext blobs produced by `aws kms encrypt`.
type KMS struct {
	api kmsAPI
}

// NewKMS creates a KMS decrypter. A non-empty localStackEndpoint points the
// client at LocalStack with static test credentials; otherwise the default
// credential chain is used.
func NewKMS(ctx context.Context, region, localStackEndpoint string) (*KMS, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}
	return &KMS{api: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// Decrypt returns the plaintext for ciphertext. The caller owns the
// returned slice and should seal it with Vault.Seal, which wipes it.
func (k *KMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := k.api.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("secrets: kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecodeCiphertext decodes the base64 form ciphertexts are configured in.
func DecodeCiphertext(b64 string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	return blob, nil
}
