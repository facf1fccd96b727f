// Package lockdir implements filesystem advisory mutexes keyed by name.
//
// A lock is HELD while a marker file with its name exists in the lock
// directory and FREE otherwise. Acquisition is one exclusive create, so the
// daemon, workers, and job submitters in separate processes can coordinate
// without any shared service. Locks carry no reentrancy or ownership checks:
// any handle may release any lock.
//
// Markers record the creating PID and host. When a holder dies without
// releasing, a later acquirer on the same host may reclaim the marker; the
// reclaim path is serialized with a per-name flock guard file.
package lockdir
