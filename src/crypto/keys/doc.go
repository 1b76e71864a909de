// Package keys reads and writes the local secrets of a stxt peer.
//
// A peer's password, which is stretched into the key that protects agent
// records at rest, and group keys exported for invitations live in plain
// files under the data directory. Those files must only be readable by
// their owner; SecretFile refuses to read anything more permissive.
package keys
