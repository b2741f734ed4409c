// Package archive exports sealed snapshots to local encrypted archive
// files and imports them back as fresh tree roots.
//
// An archive is a fixed magic, a length-prefixed JSON header and a tar
// payload. With a passphrase the payload is sealed with an AEAD cipher
// (AES-256-GCM on amd64/arm64, ChaCha20-Poly1305 elsewhere) under a key
// derived with Argon2id; the header is bound as additional data so source
// metadata cannot be swapped without detection.
package archive
