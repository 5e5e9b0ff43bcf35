// Package api exposes the task engine over HTTP: enqueue and inspect tasks,
// claim and acknowledge them on behalf of remote workers, manage worker
// registrations, and read queue metrics. Handlers translate the domain error
// taxonomy to status codes and never return internal error text to clients.
package api
