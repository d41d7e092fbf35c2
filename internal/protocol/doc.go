/*
Package protocol defines the transom channel message vocabulary.

# Overview

Every payload crossing the host/guest boundary is one Message, a tagged
union over a fixed set of wire types. Validate is the single choke point
for inbound traffic: anything outside the vocabulary, or missing a
required field, is dropped before any handler runs.

# Message Types

	handshake-init          host → guest: name, base, policy, initial props
	handshake-ready         guest → host: handshake acknowledgement
	attribute-change        host → guest: one synchronized key changed
	event                   protocol-conventional event (register, unregister)
	custom-event            application-level event
	function-call           invoke a function token on the other side
	function-response       result or error for one function-call
	function-release        peer dropped one function reference
	function-release-batch  peer dropped many function references

Unknown extra fields are ignored so the vocabulary can grow additively;
unknown types are dropped.
*/
package protocol
