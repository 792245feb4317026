package model

import "time"

// Resource state constants. Instance-backed resources mirror the provider's
// lifecycle states; image-backed resources report "available" once built.
const (
	ResourcePending      = "pending"
	ResourceRunning      = "running"
	ResourceStopping     = "stopping"
	ResourceStopped      = "stopped"
	ResourceShuttingDown = "shutting-down"
	ResourceTerminated   = "terminated"
	ResourceAvailable    = "available"
)

// Resource kind constants.
const (
	ResourceKindInstance = "instance"
	ResourceKindImage    = "image"
)

// ComputeResource is a provisioned execution target. ID is the provider's
// identifier and is assigned only after the provider confirms creation,
// never invented locally. Ancillary resource identifiers are recorded so
// teardown works after a partial provision or across process restarts.
type ComputeResource struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	Address         string    `json:"address,omitempty"`
	Region          string    `json:"region,omitempty"`
	InstanceType    string    `json:"instance_type,omitempty"`
	KeyName         string    `json:"key_name,omitempty"`
	KeyPath         string    `json:"key_path,omitempty"`
	SecurityGroupID string    `json:"security_group_id,omitempty"`
	ImageTag        string    `json:"image_tag,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Teardown outcome constants.
const (
	TeardownDeleted = "deleted"
	TeardownAbsent  = "absent"
	TeardownFailed  = "failed"
)

// TeardownItem records the outcome for one resource during teardown.
type TeardownItem struct {
	Resource string `json:"resource"`
	ID       string `json:"id,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// TeardownReport enumerates what a teardown actually did: which resources
// were deleted, which were already absent, and which failed and need manual
// intervention.
type TeardownReport struct {
	Items []TeardownItem `json:"items"`
}

// Add appends one item to the report. A nil err with outcome TeardownFailed
// records an empty error string.
func (r *TeardownReport) Add(resource, id, outcome string, err error) {
	item := TeardownItem{Resource: resource, ID: id, Outcome: outcome}
	if err != nil {
		item.Error = err.Error()
	}
	r.Items = append(r.Items, item)
}

// Failed returns the items that could not be deleted.
func (r *TeardownReport) Failed() []TeardownItem {
	var failed []TeardownItem
	for _, item := range r.Items {
		if item.Outcome == TeardownFailed {
			failed = append(failed, item)
		}
	}
	return failed
}
