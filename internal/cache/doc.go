// Package cache defines the named cache stores a site serves from. A Storage
// holds every store of one site (for example "v4-shell" and "v4-runtime") and
// supports open/list/delete by name; a Store maps a request Key (method + URL)
// to an immutable response Snapshot. Three backends are provided: a disk
// layout under StoragePath/<site>/<store>/ written with temp file + rename, an
// in-memory map, and redis (a ZSET of store names plus one HASH per store).
// The policy package depends on these interfaces only, so strategies never
// touch backend details.
package cache
