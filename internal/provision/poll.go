package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/runprism/alto/internal/cloud"
	"github.com/runprism/alto/internal/model"
)

// pollState is the readiness state machine driven by WaitReady. Modeling the
// loop explicitly keeps timeout and classification testable without real
// network delay.
type pollState int

const (
	pollPending pollState = iota
	pollReady
	pollTimedOut
)

// step advances the state machine from one observation of the instance.
func step(inst cloud.Instance, now, deadline time.Time) pollState {
	if inst.State == model.ResourceRunning && inst.Address() != "" {
		return pollReady
	}
	if now.After(deadline) {
		return pollTimedOut
	}
	return pollPending
}

// WaitReady polls the instance on a fixed interval until it reports running
// with a reachable address, and returns the resource updated with its final
// state and address. Exceeding the poll budget yields ErrProvisionTimeout;
// escalation is the caller's decision, never retried here. Transient
// throttling during the poll counts as not-yet-ready, not as failure.
func (p *Provisioner) WaitReady(ctx context.Context, resource *model.ComputeResource) (*model.ComputeResource, error) {
	deadline := time.Now().Add(p.PollTimeout)

	for {
		pollAttempts.Inc()

		inst, err := p.api.GetInstance(ctx, resource.ID)
		if err != nil && !cloud.IsThrottle(err) {
			return resource, classifyProviderErr("poll instance", err)
		}

		if err == nil {
			resource.State = inst.State
			if addr := inst.Address(); addr != "" {
				resource.Address = addr
			}

			switch step(inst, time.Now(), deadline) {
			case pollReady:
				resource.UpdatedAt = time.Now().UTC()
				p.logger.Info("instance ready", "instance_id", resource.ID, "address", resource.Address)
				return resource, nil
			case pollTimedOut:
				return resource, fmt.Errorf("instance %s still %q after %s: %w", resource.ID, inst.State, p.PollTimeout, ErrProvisionTimeout)
			}
		} else if time.Now().After(deadline) {
			return resource, fmt.Errorf("instance %s: %w: %w", resource.ID, ErrProvisionTimeout, err)
		}

		select {
		case <-time.After(p.PollInterval):
		case <-ctx.Done():
			return resource, fmt.Errorf("wait for instance %s: %w", resource.ID, ctx.Err())
		}
	}
}
