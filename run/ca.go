package run

import (
	// Bundled CA certificates for TLS clients (tws.Dial, health checks) in
	// containers without a system certificate store. Every command imports
	// run, so this is the one place for it.
	_ "golang.org/x/crypto/x509roots/fallback"
)
