// Package provision creates, polls, and destroys compute targets and their
// ancillary resources. Creation is idempotent by derived identity: every
// resource carries the spec's resource name, and a retried create reuses what
// it finds instead of duplicating it. Destruction attempts every deletion
// even after earlier failures and treats "already absent" as success.
package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/runprism/alto/internal/cloud"
	"github.com/runprism/alto/internal/model"
)

// IPResolver returns the caller's public IP address, used to scope the SSH
// ingress rule. Swapped for a fake in tests.
type IPResolver func(ctx context.Context) (string, error)

// Provisioner drives the create/poll/destroy lifecycle against the cloud API.
// Construct one per invocation and pass it in explicitly; there is no
// package-level client.
type Provisioner struct {
	api    cloud.API
	logger *slog.Logger
	keyDir string

	// PollInterval and PollTimeout bound the readiness poll after creation.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// SGDeleteRetries and SGDeleteDelay bound the security group deletion
	// loop while a terminated instance detaches from it.
	SGDeleteRetries int
	SGDeleteDelay   time.Duration

	resolveIP IPResolver
}

// New creates a Provisioner writing key material under keyDir.
func New(api cloud.API, keyDir string, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		api:             api,
		logger:          logger,
		keyDir:          keyDir,
		PollInterval:    DefaultPollInterval,
		PollTimeout:     DefaultPollTimeout,
		SGDeleteRetries: DefaultSGDeleteRetries,
		SGDeleteDelay:   DefaultSGDeleteDelay,
		resolveIP:       LookupPublicIP,
	}
}

// Create provisions the spec's compute target, reusing any resource that
// already carries the derived identity. Order: key pair, security group with
// SSH ingress, instance. A resource created by a step whose dependent step
// fails is rolled back; resources that already existed are left alone.
// When a step fails, the partial resource is returned alongside the error,
// populated as far as creation got, so the caller can record it and Destroy
// can find the pieces later.
// The returned resource may still be pending; WaitReady drives it to running.
func (p *Provisioner) Create(ctx context.Context, spec *model.AgentSpec) (*model.ComputeResource, error) {
	start := time.Now()
	name := spec.ResourceName()
	now := time.Now().UTC()

	resource := &model.ComputeResource{
		Name:      name,
		Kind:      model.ResourceKindInstance,
		Region:    spec.Infra.Region,
		CreatedAt: now,
		UpdatedAt: now,
	}

	keyPath, err := p.ensureKeyPair(ctx, name)
	if err != nil {
		// ensureKeyPair rolls back its own creation, so nothing survives
		// a failure here.
		return nil, classifyProviderErr("key pair", err)
	}
	resource.KeyName = name
	resource.KeyPath = keyPath

	sgID, err := p.ensureSecurityGroup(ctx, spec)
	if err != nil {
		return resource, classifyProviderErr("security group", err)
	}
	resource.SecurityGroupID = sgID

	inst, err := p.ensureInstance(ctx, spec, name, sgID)
	if err != nil {
		return resource, err
	}

	provisionDuration.Observe(time.Since(start).Seconds())

	resource.ID = inst.ID
	resource.State = inst.State
	resource.Address = inst.Address()
	resource.InstanceType = inst.Type
	return resource, nil
}

// ensureKeyPair finds or creates the key pair named after the spec. The
// private key material is returned by the provider exactly once, so an
// existing key pair whose local PEM file is gone cannot be reused.
func (p *Provisioner) ensureKeyPair(ctx context.Context, name string) (string, error) {
	keyPath := filepath.Join(p.keyDir, name+".pem")

	exists, err := p.api.HasKeyPair(ctx, name)
	if err != nil {
		return "", fmt.Errorf("describe key pair: %w", err)
	}
	if exists {
		if _, err := os.Stat(keyPath); err != nil {
			return "", fmt.Errorf("key pair %s exists but local key file %s is missing: %w: recreate the agent or restore the key", name, keyPath, ErrInvalidSpec)
		}
		p.logger.Debug("reusing key pair", "key_name", name)
		return keyPath, nil
	}

	material, err := p.api.CreateKeyPair(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create key pair: %w", err)
	}
	if err := os.MkdirAll(p.keyDir, 0o700); err == nil {
		err = os.WriteFile(keyPath, []byte(material), keyFileMode)
	}
	if err != nil {
		// Roll back the key pair just created; its material is now lost.
		if delErr := p.api.DeleteKeyPair(ctx, name); delErr != nil {
			p.logger.Error("rollback key pair failed", "key_name", name, "error", delErr)
		}
		return "", fmt.Errorf("write key file %s: %w", keyPath, err)
	}

	p.logger.Info("created key pair", "key_name", name, "key_path", keyPath)
	return keyPath, nil
}

// ensureSecurityGroup finds or creates the spec's security group and makes
// sure the caller can reach the SSH port through it.
func (p *Provisioner) ensureSecurityGroup(ctx context.Context, spec *model.AgentSpec) (string, error) {
	sgName := spec.SecurityGroupName()

	sgID, err := p.api.FindSecurityGroup(ctx, sgName)
	created := false
	if cloud.IsNotFound(err) {
		sgID, err = p.api.CreateSecurityGroup(ctx, sgName, "SSH access for "+spec.ResourceName())
		if err != nil {
			return "", fmt.Errorf("create security group: %w", err)
		}
		created = true
		p.logger.Info("created security group", "group", sgName, "group_id", sgID)
	} else if err != nil {
		return "", fmt.Errorf("find security group: %w", err)
	} else {
		p.logger.Debug("reusing security group", "group", sgName, "group_id", sgID)
	}

	if err := p.ensureIngressRule(ctx, sgID, spec); err != nil {
		if created {
			if delErr := p.api.DeleteSecurityGroup(ctx, sgID); delErr != nil {
				p.logger.Error("rollback security group failed", "group_id", sgID, "error", delErr)
			}
		}
		return "", err
	}
	return sgID, nil
}

// EnsureIngress re-checks the ingress rule for an existing resource. The
// caller's public IP can change between build and run, so the engine calls
// this before connecting.
func (p *Provisioner) EnsureIngress(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) error {
	if resource.SecurityGroupID == "" {
		return nil
	}
	if err := p.ensureIngressRule(ctx, resource.SecurityGroupID, spec); err != nil {
		return classifyProviderErr("ingress", err)
	}
	return nil
}

func (p *Provisioner) ensureIngressRule(ctx context.Context, sgID string, spec *model.AgentSpec) error {
	rule := cloud.IngressRule{Protocol: "tcp", FromPort: sshPort, ToPort: sshPort, CIDR: "0.0.0.0/0"}

	if !spec.Infra.WhitelistAll {
		ip, err := p.resolveIP(ctx)
		if err != nil {
			return fmt.Errorf("resolve caller ip: %w", err)
		}
		if strings.Contains(ip, ":") {
			// No IPv4 to scope to; fall back to the open IPv6 range.
			rule.CIDR = "::/0"
			rule.IPv6 = true
		} else {
			rule.CIDR = ip + "/32"
		}
	}

	if err := p.api.AuthorizeIngress(ctx, sgID, rule); err != nil {
		return fmt.Errorf("authorize ingress: %w", err)
	}
	return nil
}

// ensureInstance finds the tagged instance or launches a new one. A found
// instance that is stopped is restarted; one whose key pair does not match
// the derived identity cannot be connected to and is an invalid spec.
func (p *Provisioner) ensureInstance(ctx context.Context, spec *model.AgentSpec, name, sgID string) (cloud.Instance, error) {
	inst, err := p.api.FindInstanceByName(ctx, name)
	switch {
	case err == nil:
		if inst.KeyName != name {
			return cloud.Instance{}, fmt.Errorf("instance %s uses key pair %q, expected %q: %w", inst.ID, inst.KeyName, name, ErrInvalidSpec)
		}
		if inst.State == model.ResourceStopped {
			p.logger.Info("restarting stopped instance", "instance_id", inst.ID)
			if err := p.api.StartInstance(ctx, inst.ID); err != nil {
				return cloud.Instance{}, classifyProviderErr("start instance", err)
			}
			inst.State = model.ResourcePending
		} else {
			p.logger.Info("reusing instance", "instance_id", inst.ID, "state", inst.State)
		}
		return inst, nil
	case cloud.IsNotFound(err):
	default:
		return cloud.Instance{}, classifyProviderErr("find instance", err)
	}

	inst, err = p.api.LaunchInstance(ctx, cloud.LaunchSpec{
		Name:             name,
		AMI:              spec.Infra.AMI,
		InstanceType:     spec.Infra.InstanceType,
		KeyName:          name,
		SecurityGroupIDs: []string{sgID},
	})
	if err != nil {
		return cloud.Instance{}, classifyProviderErr("launch instance", err)
	}
	p.logger.Info("launched instance", "instance_id", inst.ID, "instance_type", spec.Infra.InstanceType)
	return inst, nil
}

// Destroy tears down the resource and everything ancillary to it, in reverse
// dependency order. Every deletion is attempted even when earlier ones
// failed; "not found" is recorded as already absent. The returned error
// aggregates the failures also enumerated in the report.
func (p *Provisioner) Destroy(ctx context.Context, resource *model.ComputeResource) (*model.TeardownReport, error) {
	start := time.Now()
	report := &model.TeardownReport{}
	var errs []error

	record := func(kind, id, outcome string, err error) {
		report.Add(kind, id, outcome, err)
		teardownOutcomes.WithLabelValues(kind, outcome).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, id, err))
		}
	}

	// Instance first: the group and key pair stay up until its termination
	// is confirmed or it is confirmed absent.
	instanceGone := true
	if resource.ID != "" {
		switch err := p.terminateAndConfirm(ctx, resource.ID); {
		case err == nil:
			record("instance", resource.ID, model.TeardownDeleted, nil)
		case cloud.IsNotFound(err):
			record("instance", resource.ID, model.TeardownAbsent, nil)
		default:
			instanceGone = false
			record("instance", resource.ID, model.TeardownFailed, err)
		}
	}

	if resource.SecurityGroupID != "" {
		switch err := p.deleteSecurityGroup(ctx, resource.SecurityGroupID, instanceGone); {
		case err == nil:
			record("security_group", resource.SecurityGroupID, model.TeardownDeleted, nil)
		case cloud.IsNotFound(err):
			record("security_group", resource.SecurityGroupID, model.TeardownAbsent, nil)
		default:
			record("security_group", resource.SecurityGroupID, model.TeardownFailed, err)
		}
	}

	if resource.KeyName != "" {
		switch err := p.api.DeleteKeyPair(ctx, resource.KeyName); {
		case err == nil:
			record("key_pair", resource.KeyName, model.TeardownDeleted, nil)
		case cloud.IsNotFound(err):
			record("key_pair", resource.KeyName, model.TeardownAbsent, nil)
		default:
			record("key_pair", resource.KeyName, model.TeardownFailed, err)
		}
	}
	if resource.KeyPath != "" {
		switch err := os.Remove(resource.KeyPath); {
		case err == nil:
			record("key_file", resource.KeyPath, model.TeardownDeleted, nil)
		case os.IsNotExist(err):
			record("key_file", resource.KeyPath, model.TeardownAbsent, nil)
		default:
			record("key_file", resource.KeyPath, model.TeardownFailed, err)
		}
	}

	teardownDuration.Observe(time.Since(start).Seconds())

	if len(errs) > 0 {
		return report, joinErrs(errs)
	}
	return report, nil
}

// terminateAndConfirm terminates the instance and waits until it has left
// the running states, so dependent deletions do not race the detach.
func (p *Provisioner) terminateAndConfirm(ctx context.Context, id string) error {
	if _, err := p.api.GetInstance(ctx, id); err != nil {
		return err
	}
	if err := p.api.TerminateInstance(ctx, id); err != nil {
		return err
	}

	deadline := time.Now().Add(p.PollTimeout)
	for {
		inst, err := p.api.GetInstance(ctx, id)
		if cloud.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if inst.State == model.ResourceShuttingDown || inst.State == model.ResourceTerminated {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %s still %s after %s", id, inst.State, p.PollTimeout)
		}
		select {
		case <-time.After(p.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deleteSecurityGroup deletes the group, retrying DependencyViolation on a
// fixed delay while the terminated instance detaches. The retry budget only
// applies when the instance is confirmed gone; otherwise one attempt is made.
func (p *Provisioner) deleteSecurityGroup(ctx context.Context, id string, retryDependency bool) error {
	attempts := 1
	if retryDependency {
		attempts = p.SGDeleteRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := p.api.DeleteSecurityGroup(ctx, id)
		if err == nil || cloud.IsNotFound(err) {
			return err
		}
		if !cloud.IsDependencyViolation(err) {
			return err
		}
		lastErr = err
		p.logger.Debug("security group still attached, retrying", "group_id", id, "attempt", attempt+1)
		if attempt < attempts-1 {
			select {
			case <-time.After(p.SGDeleteDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// LookupPublicIP asks a public echo service for the caller's address.
func LookupPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicIPEndpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", publicIPEndpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("read ip response: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("%s returned an empty body", publicIPEndpoint)
	}
	return ip, nil
}
