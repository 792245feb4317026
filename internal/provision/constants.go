package provision

import "time"

// Poll defaults. Freshly launched instances typically take a minute or two
// to report running with a public address.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// Security group deletion retry defaults. A terminated instance can take a
// while to detach from its group, during which deletion reports
// DependencyViolation.
const (
	DefaultSGDeleteRetries = 12
	DefaultSGDeleteDelay   = 5 * time.Second
)

// sshPort is the only port opened in the provisioned security group.
const sshPort = 22

// keyFileMode keeps the private key readable by the owner only; ssh refuses
// keys with wider permissions.
const keyFileMode = 0o400

// publicIPEndpoint echoes the caller's public IP address.
const publicIPEndpoint = "https://checkip.amazonaws.com"
