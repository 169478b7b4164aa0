// Package session tracks which participants are present in each ticket
// room of the relay. Presence is stored in Redis with a TTL so that a
// relay instance that dies without cleaning up does not leave ghosts
// behind; an in-memory store serves single-instance development runs.
package session
