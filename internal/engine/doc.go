// Package engine orchestrates the deployment lifecycle: it resolves the
// execution backend from the registry, provisions and records the compute
// resource, expands the parameter matrix into jobs, drives them through a
// bounded worker pool with live log streaming, collects declared artifacts,
// and tears everything down idempotently.
package engine
