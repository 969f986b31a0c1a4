package treecrypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// ManifestFormatVersion is the manifest schema written by this package
const ManifestFormatVersion = 1

// maxManifestSize caps how much of a manifest file is read
const maxManifestSize = 256 << 20

// Manifest indexes every artifact of one encryption run. Without it the
// artifacts cannot be decrypted: it carries the salt and KDF parameters.
type Manifest struct {
	FormatVersion int                   `json:"format_version"`
	RunID         string                `json:"run_id"`
	Created       time.Time             `json:"created"`
	Cipher        CipherSuite           `json:"cipher"`
	ChunkSize     int                   `json:"chunk_size"`
	Salt          []byte                `json:"salt"`
	KDF           KDFParams             `json:"kdf"`
	Root          RootInfo              `json:"root"`
	KeyCheck      []byte                `json:"key_check"`
	Records       []EncryptedFileRecord `json:"records"`

	body []byte // Exact serialized form, set by ParseManifest
	mac  []byte
}

// RootInfo describes what was encrypted
type RootInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// EncryptedFileRecord describes one artifact
type EncryptedFileRecord struct {
	RelPath          string      `json:"rel_path"`
	Nonce            []byte      `json:"nonce"`
	Tag              []byte      `json:"tag"`
	CiphertextLength int64       `json:"ciphertext_length"`
	Size             int64       `json:"size"`
	Perm             fs.FileMode `json:"perm"`
	ModTime          time.Time   `json:"mod_time"`
}

// manifestEnvelope is the on-disk form. The checksum and the MAC cover the
// exact bytes of the manifest member; only the MAC needs the key.
type manifestEnvelope struct {
	FormatVersion int             `json:"format_version"`
	Checksum      string          `json:"checksum"`
	MAC           string          `json:"mac,omitempty"`
	Manifest      json.RawMessage `json:"manifest"`
}

// Builder accumulates records for a manifest. Append is safe for
// concurrent use.
type Builder struct {
	mu      sync.Mutex
	base    Manifest
	records []EncryptedFileRecord
	seen    map[string]struct{}
}

// NewBuilder starts a manifest from base; any records in base are ignored.
func NewBuilder(base Manifest) *Builder {
	base.Records = nil
	base.FormatVersion = ManifestFormatVersion
	return &Builder{
		base: base,
		seen: make(map[string]struct{}),
	}
}

// Append adds a record. Duplicate relative paths are rejected.
func (b *Builder) Append(rec EncryptedFileRecord) error {
	if err := ValidateRelPath(rec.RelPath); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[rec.RelPath]; ok {
		return fmt.Errorf("duplicate record %q", rec.RelPath)
	}
	b.seen[rec.RelPath] = struct{}{}
	b.records = append(b.records, rec)
	return nil
}

// Len returns the number of records appended so far
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Records returns a copy of the appended records in append order
func (b *Builder) Records() []EncryptedFileRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]EncryptedFileRecord(nil), b.records...)
}

// Build sorts the records by relative path and serializes the manifest
// without a MAC.
func (b *Builder) Build() (*Manifest, []byte, error) {
	return b.BuildSealed(nil)
}

// BuildSealed is Build with the manifest authenticated under master.
func (b *Builder) BuildSealed(master []byte) (*Manifest, []byte, error) {
	b.mu.Lock()
	m := b.base
	m.Records = append([]EncryptedFileRecord(nil), b.records...)
	b.mu.Unlock()

	sort.Slice(m.Records, func(i, j int) bool { return m.Records[i].RelPath < m.Records[j].RelPath })
	data, err := SealManifest(&m, master)
	if err != nil {
		return nil, nil, err
	}
	return &m, data, nil
}

// MarshalManifest encodes m in its checksummed envelope. The result carries
// no MAC, so Decrypt refuses it.
func MarshalManifest(m *Manifest) ([]byte, error) {
	return SealManifest(m, nil)
}

// SealManifest encodes m in its envelope with a MAC keyed from master.
// A nil master omits the MAC.
func SealManifest(m *Manifest, master []byte) ([]byte, error) {
	if m.Records == nil {
		m.Records = []EncryptedFileRecord{}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	sum := sha256.Sum256(body)
	env := manifestEnvelope{
		FormatVersion: m.FormatVersion,
		Checksum:      hex.EncodeToString(sum[:]),
		Manifest:      body,
	}
	m.body, m.mac = body, nil
	if master != nil {
		mac, err := computeManifestMAC(master, m.Salt, body)
		if err != nil {
			return nil, err
		}
		env.MAC = hex.EncodeToString(mac)
		m.mac = mac
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest envelope: %w", err)
	}
	return append(out, '\n'), nil
}

// ParseManifest decodes and validates a serialized manifest. A newer
// format version yields ErrUnsupportedVersion; anything else that is
// malformed yields an error wrapping ErrCorruptManifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var env manifestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corruptManifest("", "invalid json: %v", err)
	}
	if env.FormatVersion > ManifestFormatVersion {
		return nil, fmt.Errorf("%w: manifest version %d, supported %d", ErrUnsupportedVersion, env.FormatVersion, ManifestFormatVersion)
	}
	if env.FormatVersion < 1 {
		return nil, corruptManifest("", "missing format version")
	}
	if len(env.Manifest) == 0 {
		return nil, corruptManifest("", "missing manifest body")
	}
	sum := sha256.Sum256(env.Manifest)
	want, err := hex.DecodeString(env.Checksum)
	if err != nil || !hmac.Equal(sum[:], want) {
		return nil, corruptManifest("", "checksum mismatch")
	}

	var m Manifest
	if err := json.Unmarshal(env.Manifest, &m); err != nil {
		return nil, corruptManifest("", "invalid manifest body: %v", err)
	}
	if m.FormatVersion != env.FormatVersion {
		return nil, corruptManifest("", "format version %d does not match envelope %d", m.FormatVersion, env.FormatVersion)
	}
	if env.MAC != "" {
		if m.mac, err = hex.DecodeString(env.MAC); err != nil {
			return nil, corruptManifest("", "invalid mac encoding")
		}
	}
	m.body = env.Manifest
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses the manifest at path
func LoadManifest(filesystem absfs.FileSystem, path string) (*Manifest, error) {
	f, err := filesystem.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxManifestSize+1))
	if err != nil {
		return nil, NewIOError("read", path, err)
	}
	if len(data) > maxManifestSize {
		return nil, corruptManifest(path, "manifest exceeds %d bytes", maxManifestSize)
	}
	m, err := ParseManifest(data)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return m, nil
}

// Validate checks field sizes, parameter bounds, and record paths
func (m *Manifest) Validate() error {
	if _, err := uuid.Parse(m.RunID); err != nil {
		return corruptManifest("", "invalid run id %q", m.RunID)
	}
	if m.Cipher != CipherAES256GCM && m.Cipher != CipherChaCha20Poly1305 {
		return corruptManifest("", "unsupported cipher %d", m.Cipher)
	}
	if err := ValidateChunkSize(m.ChunkSize); err != nil {
		return corruptManifest("", "%v", err)
	}
	if len(m.Salt) != SaltSize {
		return corruptManifest("", "salt is %d bytes", len(m.Salt))
	}
	if err := m.KDF.Validate(); err != nil {
		return corruptManifest("", "kdf parameters: %v", err)
	}
	if len(m.KeyCheck) != sha256.Size {
		return corruptManifest("", "key check is %d bytes", len(m.KeyCheck))
	}
	if m.Root.Name == "" {
		return corruptManifest("", "missing root name")
	}

	paths := make(map[string]struct{}, len(m.Records))
	nonces := make(map[string]struct{}, len(m.Records))
	for _, rec := range m.Records {
		if err := ValidateRelPath(rec.RelPath); err != nil {
			return corruptManifest("", "record %q: %v", rec.RelPath, err)
		}
		if _, ok := paths[rec.RelPath]; ok {
			return corruptManifest("", "duplicate record %q", rec.RelPath)
		}
		paths[rec.RelPath] = struct{}{}
		if len(rec.Nonce) != FileNonceSize {
			return corruptManifest("", "record %q: nonce is %d bytes", rec.RelPath, len(rec.Nonce))
		}
		if _, ok := nonces[string(rec.Nonce)]; ok {
			return corruptManifest("", "record %q: nonce reused", rec.RelPath)
		}
		nonces[string(rec.Nonce)] = struct{}{}
		if len(rec.Tag) != TagSize {
			return corruptManifest("", "record %q: tag is %d bytes", rec.RelPath, len(rec.Tag))
		}
		if rec.Size < 0 || rec.CiphertextLength != CiphertextLength(rec.Size, m.ChunkSize) {
			return corruptManifest("", "record %q: inconsistent lengths", rec.RelPath)
		}
		if rec.Perm&^fs.ModePerm != 0 {
			return corruptManifest("", "record %q: mode %v has non-permission bits", rec.RelPath, rec.Perm)
		}
	}
	if !m.Root.IsDir && len(m.Records) > 1 {
		return corruptManifest("", "file root with %d records", len(m.Records))
	}
	return nil
}

// Record returns the record for relPath
func (m *Manifest) Record(relPath string) (EncryptedFileRecord, bool) {
	for _, rec := range m.Records {
		if rec.RelPath == relPath {
			return rec, true
		}
	}
	return EncryptedFileRecord{}, false
}

// TotalSize returns the summed plaintext size of all records
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, rec := range m.Records {
		n += rec.Size
	}
	return n
}

// computeKeyCheck returns HMAC-SHA256(HKDF(master, salt, keyCheckInfo), runID || salt).
func computeKeyCheck(master []byte, runID string, salt []byte) ([]byte, error) {
	sub, err := deriveSubkey(master, salt, keyCheckInfo)
	if err != nil {
		return nil, err
	}
	defer zero(sub)
	mac := hmac.New(sha256.New, sub)
	mac.Write([]byte(runID))
	mac.Write(salt)
	return mac.Sum(nil), nil
}

// VerifyKey reports whether master is the key this manifest was built with.
func (m *Manifest) VerifyKey(master []byte) bool {
	want, err := computeKeyCheck(master, m.RunID, m.Salt)
	if err != nil {
		return false
	}
	return hmac.Equal(want, m.KeyCheck)
}

// computeManifestMAC returns HMAC-SHA256(HKDF(master, salt, manifestMACInfo), body).
func computeManifestMAC(master, salt, body []byte) ([]byte, error) {
	sub, err := deriveSubkey(master, salt, manifestMACInfo)
	if err != nil {
		return nil, err
	}
	defer zero(sub)
	mac := hmac.New(sha256.New, sub)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// Authentic reports whether the manifest was sealed under master and has
// not been modified since.
func (m *Manifest) Authentic(master []byte) bool {
	if len(m.mac) == 0 || len(m.body) == 0 {
		return false
	}
	want, err := computeManifestMAC(master, m.Salt, m.body)
	if err != nil {
		return false
	}
	return hmac.Equal(want, m.mac)
}
