/*
Package types defines the shared data model of the Anvil worker agent.

These types flow between the identity store, the session manager, the
dispatch loop, and the VM orchestrator. They carry no behavior beyond small
accessors so that every package can depend on them without cycles.

Core invariants maintained by the packages that own these values:

  - At most one ActiveBuild per job ID.
  - At most MaxConcurrentBuilds ActiveBuilds at any instant (soft cap).
  - A Session is valid for exactly one WorkerIdentity.WorkerID at a time.
  - A BuildJob is immutable once claimed; its OTP is consumed exactly once,
    and only by the guest.
*/
package types
