// Package treecrypt encrypts files and directory trees with a key derived
// from a password, and restores them again.
//
// # Overview
//
// An Engine works on any absfs.FileSystem. Encrypt walks a root (a single
// file or a directory), writes one authenticated artifact next to each
// regular file and commits a manifest describing the run. Decrypt reads
// the manifest back, authenticates every artifact and restores the
// original bytes, permissions and modification times.
//
// # Supported Cipher Suites
//
//   - AES-256-GCM (default)
//   - ChaCha20-Poly1305
//
// Every file gets its own subkey, derived with HKDF-SHA256 from the master
// key and a 24-byte file nonce that is unique within the run. Content is
// sealed in fixed-size chunks; each chunk nonce encodes the chunk index
// and whether it is the last chunk, so reordering, truncation and
// extension all fail authentication.
//
// # Basic Usage
//
//	engine, err := treecrypt.New(treecrypt.NewOSFS(), nil)
//	if err != nil {
//	    return err
//	}
//
//	res, err := engine.Encrypt(ctx, "/home/me/taxes", []byte(password))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Status) // Encrypted 12/13 files (1 permission denied)
//
//	res, err = engine.Decrypt(ctx, "/home/me/taxes", []byte(password))
//
// # Key Derivation
//
//   - Argon2id (recommended, default): memory-hard
//   - scrypt: memory-hard, for environments that standardise on it
//
// The chosen parameters and the salt are stored in the manifest, so
// decryption never needs them supplied.
//
// # On-disk Layout
//
// For a directory root:
//
//	root/.treecrypt.json       manifest
//	root/.treecrypt.pending    present only while a run is in flight
//	root/a/b.txt.tcrypt        artifact of root/a/b.txt
//
// For a file root the manifest and marker sit beside the file as
// file.treecrypt.json and file.treecrypt.pending.
//
// # Failure Behaviour
//
// Files that cannot be read are reported per entry and do not stop the
// run. A manifest is committed only when at least one file succeeded and
// the run was not cancelled. Originals are left in place unless
// Config.RemoveSource is set. An interrupted run leaves a pending marker,
// which the next Encrypt or an explicit Recover uses to remove exactly the
// artifacts that run produced.
//
// # Security Considerations
//
// Protected against:
//   - Reading file contents without the password
//   - Tampering with, truncating, swapping or reordering artifacts
//   - Rewriting the manifest: its body is authenticated under the key
//   - Offline brute force beyond the cost of the KDF
//
// Not protected against:
//   - Leakage of file names, directory structure and approximate sizes
//   - Compromised hosts, memory dumps while a run is active
package treecrypt
