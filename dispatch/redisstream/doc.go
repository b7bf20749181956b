// Package redisstream provides a durable dispatch.Channel implementation
// backed by redis streams and consumer groups.
package redisstream
