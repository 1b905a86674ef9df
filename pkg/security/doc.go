/*
Package security provides Ed25519 package-manifest signing and
verification.

A Signer holds a private key and produces a detached signature over a
manifest's canonical encoding; a TrustStore holds the public keys a host
is willing to accept signatures from, loaded from "./keys/*.pub" per the
data directory layout. TrustStore.Verify checks a signature for a
caller that passes it the signed bytes; the conversion pipeline,
repository sync and the transaction engine do not call it.
*/
package security
