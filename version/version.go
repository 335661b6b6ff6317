// Package version provides default identification strings for the engine.
package version

var (
	// Sent as 'v' in the extended handshake.
	ClientName = "btengine 0.1"
	// BEP 20 peer-id prefix. Should change when wire-visible behaviour changes.
	Bep20Prefix = "-BE0001-"
)
