// Package session keeps a Redis record for every live WebSocket connection:
// which server instance holds it, the client address and, once
// authenticated, the user. Records outlive nothing: they expire after
// SessionTTL unless refreshed and are deleted on disconnect.
package session
