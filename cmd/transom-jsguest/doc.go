// Package main is the JavaScript guest runner.
//
// transom-jsguest is launched by a host (or attaches through the
// gateway with TRANSOM_CHANNEL=ws) and executes a guest script inside
// a sandboxed VM wired to the embedding channel. The script drives the
// embedding through the transom global; the process stays alive
// dispatching callbacks until the host tears the channel down.
//
// The script path is the first argument, or TRANSOM_SCRIPT, or main.js
// in the working directory.
//
// Usage:
//
//	TRANSOM_NAME=editor TRANSOM_CHANNEL=ws \
//	TRANSOM_ENDPOINT=ws://localhost:7300/channel/editor \
//	transom-jsguest ./editor/main.js
package main
