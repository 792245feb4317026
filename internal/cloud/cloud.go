// Package cloud wraps the provisioning provider behind a narrow interface so
// the provisioner can be exercised against fakes. The real implementation
// talks to EC2; every call is safe to retry at least once, with "already
// exists" and "not found" surfaced through the classification helpers.
package cloud

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup matches no resource.
var ErrNotFound = errors.New("resource not found")

// Instance is the provider's view of a compute instance.
type Instance struct {
	ID        string
	State     string
	PublicDNS string
	PublicIP  string
	KeyName   string
	Type      string
}

// Address returns the instance's reachable address, preferring the public
// DNS name over the raw IP.
func (i Instance) Address() string {
	if i.PublicDNS != "" {
		return i.PublicDNS
	}
	return i.PublicIP
}

// LaunchSpec describes a new instance. Name becomes the instance's identity
// tag, which later lookups and retried creates resolve against.
type LaunchSpec struct {
	Name             string
	AMI              string
	InstanceType     string
	KeyName          string
	SecurityGroupIDs []string
}

// IngressRule describes one network access rule.
type IngressRule struct {
	Protocol string
	FromPort int32
	ToPort   int32
	CIDR     string
	IPv6     bool
}

// API is the set of provisioning operations the engine consumes. The client
// handle is constructed once and passed into every component that needs it.
type API interface {
	LaunchInstance(ctx context.Context, spec LaunchSpec) (Instance, error)
	FindInstanceByName(ctx context.Context, name string) (Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	StartInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error

	HasKeyPair(ctx context.Context, name string) (bool, error)
	CreateKeyPair(ctx context.Context, name string) (string, error)
	DeleteKeyPair(ctx context.Context, name string) error

	FindSecurityGroup(ctx context.Context, name string) (string, error)
	CreateSecurityGroup(ctx context.Context, name, description string) (string, error)
	AuthorizeIngress(ctx context.Context, groupID string, rule IngressRule) error
	DeleteSecurityGroup(ctx context.Context, id string) error
}
