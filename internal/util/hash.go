// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
)

// PeerIDFromConn computes a 4-byte hash from a connection's local and remote
// addresses. It only labels peers in logs and does not need to be reversible.
func PeerIDFromConn(conn net.Conn) uint32 {
	return PeerIDFromAddrs(conn.LocalAddr().String(), conn.RemoteAddr().String())
}

// PeerIDFromAddrs is PeerIDFromConn for callers that only hold address strings.
func PeerIDFromAddrs(local, remote string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(local))
	h.Write([]byte(remote))
	return h.Sum32()
}
