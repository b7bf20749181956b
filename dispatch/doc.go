// Package dispatch defines the message channel used by partitioned steps to
// hand partitions to remote workers and collect their replies.
//
// Transports only guarantee at-least-once delivery. Dispatch and reply
// messages are JSON encoded and carry the execution IDs needed to correlate
// a reply with the partition it reports on.
package dispatch
