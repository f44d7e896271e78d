/*
Package retry provides bounded retry loops with pluggable delay policies.

Two policies cover the agent's needs: FixedDelay for transaction submission
(constant spacing between attempts) and ExpBackoff for transient HTTP failures
(doubling delays). Permanent wraps errors that must short-circuit the loop,
such as a contract revert, and Options.Stop lets a shutdown flag abort a run
between attempts.

	err := retry.Do(retry.Options{
		Attempts: 5,
		Policy:   retry.ExpBackoff{Base: time.Second},
	}, func(attempt int) error {
		return fetch(url)
	})
*/
package retry
