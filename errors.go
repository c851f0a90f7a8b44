package torrent

import "errors"

// The five error kinds of §7. Each wraps a plain error value rather than
// introducing a framework: callers type-switch or use errors.As the same
// way the rest of the module already does (see handshake.go,
// trackerudp/client.go).

// ProtocolError is fatal to the session it's raised on; the peer is
// recorded in the bad-peer table (§7, §4.11's enter_bad_peer).
type ProtocolError struct{ Err error }

func (e ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e ProtocolError) Unwrap() error { return e.Err }

// TransientIOError is fatal to the session but not the peer's reputation;
// reconnects are allowed.
type TransientIOError struct{ Err error }

func (e TransientIOError) Error() string { return "transient I/O error: " + e.Err.Error() }
func (e TransientIOError) Unwrap() error { return e.Err }

// RegistryError marks a registry inconsistency (subtract_left underflow, an
// unknown torrent id): logged at error level, the bad alteration batch
// discarded, other torrents unaffected.
type RegistryError struct{ Err error }

func (e RegistryError) Error() string { return "registry error: " + e.Err.Error() }
func (e RegistryError) Unwrap() error { return e.Err }

// ConfigError is fatal to the application at startup.
type ConfigError struct{ Err error }

func (e ConfigError) Error() string { return "config error: " + e.Err.Error() }
func (e ConfigError) Unwrap() error { return e.Err }

// Resource exhaustion (file I/O backpressure) is deliberately not an error
// type here: §7 calls for it to be reported as suspension, never surfaced
// as an error value.

// ErrTorrentNotFound is defined on Registry (registry.go) as a typed
// registry-inconsistency error; it is not duplicated here.
var (
	ErrTorrentClosed    = errors.New("torrent closed")
	ErrTorrentNotActive = errors.New("torrent not active")
)
