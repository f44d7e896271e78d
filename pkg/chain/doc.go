/*
Package chain is the agent's connection to one marketplace deployment.

A Client wraps go-ethereum's RPC client with the three contract surfaces the
agent talks to: the marketplace (requests, orders, results), the trusted-zone
image registry, and the heartbeat contract. Contract ABIs are embedded so the
binary carries no external assets.

Every RPC call is preceded by the network's configured pacing delay.
Transaction submission re-reads the nonce on each of its bounded retries;
contract reverts are classified into *RevertError and short-circuit the loop,
since a deterministic failure will not pass on attempt two.

On EIP-1559 networks the max fee is derived from the latest base fee raised
10% plus the configured priority tip, with ErrFeeTooHigh returned when the
result exceeds the network's ceiling. Legacy networks use the configured
gas price value and measure directly.
*/
package chain
