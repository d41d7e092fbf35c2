/*
Package resilience provides a circuit breaker for calls to unreliable
remote dependencies.

# Overview

Reconnect loops retry forever; without a breaker each retry pays the
full timeout against a dependency that is already down. The breaker
counts consecutive failures, opens after Trip of them and fails fast
with ErrOpen until the cooldown elapses, then lets a few probes through
before trusting the dependency again.

# Usage

	breaker := resilience.New("manifest-fetch", resilience.Options{
		Trip:     5,
		Cooldown: 30 * time.Second,
	})

	err := breaker.Do(func() error {
		return client.Fetch(ctx, url)
	})
	if errors.Is(err, resilience.ErrOpen) {
		// dependency is down, skipped the call entirely
	}

# States

	Closed --[Trip failures]-> Open --[Cooldown]-> Half-Open
	Half-Open --[Probes successes]-> Closed
	Half-Open --[any failure]-> Open
*/
package resilience
