// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that wires Host/port resolution into the RPC handler.
// Bootstrap assembles the shared changeset cache, upstream callers and one
// pipeline Service per origin; NewApp routes POST /rpc and GET /changeset to a
// ProxyHandler. Keep exports narrow and accept explicit dependencies.
package server
