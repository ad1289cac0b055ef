/*
Package vm owns the ephemeral build VM lifecycle. Every build gets a fresh
clone of an immutable base image with a writable shared directory mounted
into the guest; the guest signals progress and completion back through
files in that directory, never over a host-guest network channel.

The Driver interface isolates the lima-specific plumbing so the
orchestration logic can be exercised against a fake in tests.
*/
package vm
