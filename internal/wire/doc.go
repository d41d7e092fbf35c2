/*
Package wire converts arbitrary value trees to and from their wire-safe
representation.

# Overview

Values crossing the channel cannot carry functions, binary buffers, or
cycles through JSON directly. The codec walks the tree and substitutes
markers:

	{"$fn": "fn_01H...", "name": "save"}   function token
	{"$buf": 0}                            transfer buffer, index into the
	                                       side-channel buffer list
	{"$ref": "/a/0/b"}                     back-reference (RFC 6901 JSON
	                                       Pointer) to an earlier node

Functions are handed to a caller-supplied Exporter which mints the token
id and keeps the function callable; buffers are appended by reference to
the Encoded.Buffers list so they move instead of copy; repeated or cyclic
containers become back-references so the walk always terminates and
deserialization restores identity.

Depth is capped (DefaultMaxDepth); exceeding it fails the whole operation
rather than silently truncating.
*/
package wire
