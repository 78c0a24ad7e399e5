package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ProfileConfig is a resolved AWS profile with its SDK configuration and
// initialised service clients.
type ProfileConfig struct {
	// ProfileName is the name from ~/.aws/credentials or "default".
	ProfileName string

	// Region is the region every client in Clients is scoped to. The
	// monitored security group must live in this region.
	Region string

	// Config is the fully loaded AWS SDK v2 configuration.
	Config aws.Config

	// Clients holds initialised service clients for Region.
	Clients *ClientSet
}

// AWSClientProvider loads AWS configuration. It is the sole entry point for
// credential and region management in the provider layer.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile and region.
	// Empty strings select the default profile and the SDK's default
	// region resolution (AWS_REGION, shared config).
	LoadProfile(ctx context.Context, profile, region string) (*ProfileConfig, error)

	// CallerAccount resolves the account ID of the loaded credentials.
	CallerAccount(ctx context.Context, cfg *ProfileConfig) (string, error)
}
