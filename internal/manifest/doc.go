// Package manifest loads guest application manifests.
//
// A manifest names a guest, points at its entry source, and carries the
// frame defaults (base path, sandbox policy, initial props). Manifests are
// written as transom.json, transom.yaml or transom.toml and can live
// anywhere under a scanned root or behind an HTTP endpoint.
package manifest
