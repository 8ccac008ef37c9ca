// Package eventbus carries job requests and job lifecycle events over NATS.
//
// Subjects:
//
//	readyd.jobs.requested                  job ids, consumed by a worker queue group
//	readyd.jobs.<org>.<job>.<event type>   lifecycle events of one job
//
// With the local driver the server runs inside the process and accepts no
// network clients. Trace context travels in message headers.
package eventbus
