/*
Package funcs owns one side's function registry and the cross-boundary call
machinery.

# Overview

A Manager wraps the wire codec with channel-aware behavior. Serializing a
value exports any functions it contains into the local registry and tracks
their token ids; deserializing builds proxies whose invocation sends a
function-call message, parks the caller on a pending entry, and settles it
from the matching function-response or the per-call timeout, exactly once.

Both sides of a channel run symmetric Managers. There is no client/server
split: either side may export functions, call the peer's, and release
references it no longer holds.

# Lifecycle

An exported function stays callable until the owning side releases it
(explicitly, on overwrite of the slot that carried it, or on Cleanup) or
the peer announces via function-release that it dropped its proxies. A
released id fails deterministically with ErrFunctionNotFound on both
sides; it never silently no-ops.
*/
package funcs
