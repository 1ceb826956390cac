// Package controlplane exposes collabd's operational surface: an HTTP server
// serving /health, /ready and /metrics, plus a gRPC server registering the
// stock grpc_health_v1 health service so orchestrators that expect gRPC
// health checks (Kubernetes, Envoy) get one without any protobuf code
// generation — the sync transport itself is plain WebSocket framing
// (pkg/wire), so this is the only place the module touches grpc-go.
package controlplane
