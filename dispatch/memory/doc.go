// Package memory provides an in-process dispatch.Channel implementation for
// tests and single-process deployments.
package memory
