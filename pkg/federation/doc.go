// Package federation holds what domain servers share to talk to each other:
// name@domain user addresses, the resolver that turns a domain into a feeds
// or users handle, the bounded retry policy of remote calls, the pooled gRPC
// connections and the Prometheus metrics of a server.
package federation
