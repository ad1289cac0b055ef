/*
Package guest owns the host side of the host↔guest handshake.

The build VM is deliberately network-isolated from its host: on boot a
resident stub randomizes the local admin credential and removes any
inherited SSH authorization before doing anything else, then waits for the
shared mount and execs the versioned bootstrap this package ships. From
that point the only channel between host and guest is the mounted
directory.

Host → guest files:

	build-config.json   descriptor (controller URL, build id, one-time password)
	bootstrap.sh        versioned bootstrap executed by the stub
	diagnostics.sh      template health probe used by `anvil doctor`

Guest → host files:

	ready.json          freshly generated verification token
	progress.json       percent + stage, read by the monitor loop
	build-complete      success marker
	build-error         failure marker with a log tail

Every descriptor field is validated against an allow-listed character set
before it reaches the mount, because the guest interpolates those values
into shell and network calls. The guest re-validates on its side; neither
end trusts the other.

The guest authenticates independently against the controller by exchanging
its one-time password for a build-scoped VM token. The host never sees
that token through this package; it learns the guest is ready through the
controller's vm-status side channel instead of trusting mount contents.
*/
package guest
