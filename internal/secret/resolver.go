// Package secret retrieves secrets from SSM Parameter Store or, in
// development, from environment variables.
package secret

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient is the subset of *ssm.Client used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by parameter name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver reads SecureString parameters.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

// GetSecret fetches name with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads the environment variable named after the last path
// segment of the parameter: "/polygraf/jwt-secret" reads JWT_SECRET.
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Params names the parameters holding the service's secrets.
type Params struct {
	JWT          string
	GoogleClient string
	APIGateway   string
}

// Secrets holds the resolved secret values.
type Secrets struct {
	JWT                string
	GoogleClientSecret string
	APIGateway         string
}

// DevJWTSecret signs sessions when no JWT secret is configured in
// development.
const DevJWTSecret = "polygraf-dev-secret"

// Load resolves all secrets. The JWT secret is required outside
// development; the others only disable the features that need them.
func Load(ctx context.Context, r Resolver, p Params, devMode bool, logger *slog.Logger) (*Secrets, error) {
	s := &Secrets{}
	var err error

	s.JWT, err = r.GetSecret(ctx, p.JWT)
	if err != nil {
		if !devMode {
			return nil, fmt.Errorf("resolve jwt secret: %w", err)
		}
		logger.Warn("jwt secret not set, using development secret", slog.Any("error", err))
		s.JWT = DevJWTSecret
	}

	s.GoogleClientSecret, err = r.GetSecret(ctx, p.GoogleClient)
	if err != nil {
		logger.Warn("google client secret not resolved, admin sign-in disabled", slog.Any("error", err))
	}

	s.APIGateway, err = r.GetSecret(ctx, p.APIGateway)
	if err != nil && !devMode {
		return nil, fmt.Errorf("resolve api gateway secret: %w", err)
	}
	return s, nil
}
