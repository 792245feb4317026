// Package backend defines the capability interface that all execution
// backends implement (direct shell execution on the instance, containerized
// execution), along with the registry the engine resolves them from.
package backend
