// Package cloudsetup is the cloud-setup collaborator: it consumes the
// extracted metadata a workspace build produced (the merged "aws_provider"
// and "s3_backend" blocks) and turns it into environment variables for the
// child IaC tool process. Acquiring real credentials or creating a remote
// state bucket/lock table is out of the Workspace Builder's scope; this
// package only describes and implements the interface the builder hands
// metadata to, plus the deterministic part of the translation (provider
// attributes into matching environment variables) that needs no network
// access.
package cloudsetup

import (
	"fmt"

	"github.com/edelwud/jinjaform/internal/extractor"
)

// Setup prepares credentials and state-backend access for one workspace
// build. CredentialsSetup and BackendSetup correspond to the CLI
// dispatcher's two call sites: credentials are needed for every command
// that drives the backend, a bucket/lock-table check only for "init".
type Setup interface {
	// CredentialsSetup returns the environment variables that should be
	// exported to the child process, derived from the aws_provider block.
	CredentialsSetup(meta extractor.Metadata) ([]string, error)
	// BackendSetup verifies (and, for a real implementation, creates) the
	// S3 bucket and DynamoDB lock table the s3_backend block names.
	BackendSetup(meta extractor.Metadata) error
}

// AWS translates an extracted "aws_provider" block into AWS SDK-recognized
// environment variables. It never calls AWS: BackendSetup only validates
// that the backend block names a bucket, since actually creating
// infrastructure is the out-of-scope collaborator's job in a full
// deployment, not the Workspace Builder's.
type AWS struct{}

// NewAWS creates an AWS cloud-setup collaborator.
func NewAWS() *AWS {
	return &AWS{}
}

var awsProviderEnv = map[string]string{
	"profile":    "AWS_PROFILE",
	"region":     "AWS_DEFAULT_REGION",
	"access_key": "AWS_ACCESS_KEY_ID",
	"secret_key": "AWS_SECRET_ACCESS_KEY",
	"token":      "AWS_SESSION_TOKEN",
}

// CredentialsSetup maps the aws_provider block's well-known keys onto their
// AWS SDK environment variable names, skipping any key with no known
// mapping. Attribute values are expected to already be scalar (the
// extractor converts HCL values to plain Go types).
func (a *AWS) CredentialsSetup(meta extractor.Metadata) ([]string, error) {
	provider, ok := meta.Providers["aws"]
	if !ok {
		return nil, nil
	}

	var env []string
	for key, envName := range awsProviderEnv {
		val, ok := provider[key]
		if !ok || val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("aws_provider.%s: expected a string, got %T", key, val)
		}
		env = append(env, envName+"="+str)
	}
	return env, nil
}

// BackendSetup validates that the s3_backend block names a bucket. A real
// deployment would additionally ensure the bucket and its DynamoDB lock
// table exist; that is the out-of-scope remote-state bootstrap
// collaborator's responsibility.
func (a *AWS) BackendSetup(meta extractor.Metadata) error {
	backend, ok := meta.Backends["s3"]
	if !ok {
		return nil
	}
	if _, ok := backend["bucket"]; !ok {
		return fmt.Errorf("s3_backend: missing required \"bucket\" attribute")
	}
	return nil
}
