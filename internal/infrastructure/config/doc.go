// Package config loads transom configuration from environment variables.
//
// Three surfaces share this package:
//   - GatewayConfig/RateLimitConfig: the transomd daemon
//   - HostConfig: frame defaults for embedding applications
//   - GuestConfig: the TRANSOM_* variables a launcher injects into guest
//     processes, read back by guest.FromEnv
//
// All values have sensible defaults; a host application embedding a single
// subprocess guest needs no environment at all.
package config
