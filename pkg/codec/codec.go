// Package codec turns a settings snapshot into a password-encrypted,
// self-describing artifact and back.
//
// An artifact is a JSON document:
//
//	{"format": "...", "metadata": {...}, "security": {...}, "content": "..."}
//
// The metadata header is plaintext so it can be listed without a password,
// but it is bound to the ciphertext as GCM additional data so any edit to it
// fails decryption.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/supporttools/SettingsGuard/pkg/settings"
)

// FormatName identifies SettingsGuard artifacts
const FormatName = "settingsguard-backup"

const (
	algorithmAESGCM = "AES-256-GCM"
	compressionZstd = "zstd"
	saltSize        = 16
	keySize         = 32
)

var (
	// ErrEmptyPassword is returned when encrypting or decrypting with no password
	ErrEmptyPassword = errors.New("password must not be empty")
	// ErrWrongPassword means the authentication tag did not verify
	ErrWrongPassword = errors.New("wrong password")
	// ErrMalformed means the artifact is not a readable SettingsGuard document
	ErrMalformed = errors.New("malformed artifact")
	// ErrUnsupportedVersion means the artifact uses an unknown parameter set or algorithm
	ErrUnsupportedVersion = errors.New("unsupported artifact version")
)

// Artifact is the raw encoded document as written to disk or uploaded
type Artifact []byte

type securityBlock struct {
	Algorithm   string `json:"algorithm"`
	KDF         string `json:"kdf"`
	ParamSet    int    `json:"param_set"`
	Salt        string `json:"salt"`
	Nonce       string `json:"nonce"`
	Compression string `json:"compression"`
}

type document struct {
	Format   string          `json:"format"`
	Metadata json.RawMessage `json:"metadata"`
	Security securityBlock   `json:"security"`
	Content  string          `json:"content"`
}

// Codec encrypts with one parameter set and decrypts any known one
type Codec struct {
	paramSet int
	random   io.Reader
}

// New returns a codec that encrypts with the current parameter set
func New() *Codec {
	return &Codec{paramSet: CurrentParamSet, random: rand.Reader}
}

// NewWithParamSet returns a codec that encrypts with an explicit parameter set.
// Only used to produce artifacts in older formats.
func NewWithParamSet(id int) (*Codec, error) {
	if _, ok := paramSets[id]; !ok {
		return nil, fmt.Errorf("%w: parameter set %d", ErrUnsupportedVersion, id)
	}
	return &Codec{paramSet: id, random: rand.Reader}, nil
}

// Encrypt seals snapshot under password
func (c *Codec) Encrypt(snapshot settings.Snapshot, password string) (Artifact, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	params := paramSets[c.paramSet]

	header, err := json.Marshal(snapshot.Metadata())
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	payload, err := compress(snapshot.Values())
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.random, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(params.derive(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, payload, header)

	doc := document{
		Format:   FormatName,
		Metadata: header,
		Security: securityBlock{
			Algorithm:   algorithmAESGCM,
			KDF:         params.name,
			ParamSet:    params.id,
			Salt:        base64.StdEncoding.EncodeToString(salt),
			Nonce:       base64.StdEncoding.EncodeToString(nonce),
			Compression: compressionZstd,
		},
		Content: base64.StdEncoding.EncodeToString(sealed),
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}
	return out, nil
}

// Decrypt opens the artifact with password
func (c *Codec) Decrypt(artifact Artifact, password string) (settings.Snapshot, error) {
	if password == "" {
		return settings.Snapshot{}, ErrEmptyPassword
	}
	doc, md, err := parse(artifact)
	if err != nil {
		return settings.Snapshot{}, err
	}

	sec := doc.Security
	if sec.Algorithm != algorithmAESGCM || sec.Compression != compressionZstd {
		return settings.Snapshot{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedVersion, sec.Algorithm, sec.Compression)
	}
	params, ok := paramSets[sec.ParamSet]
	if !ok {
		return settings.Snapshot{}, fmt.Errorf("%w: parameter set %d", ErrUnsupportedVersion, sec.ParamSet)
	}

	salt, err := base64.StdEncoding.DecodeString(sec.Salt)
	if err != nil || len(salt) == 0 {
		return settings.Snapshot{}, fmt.Errorf("%w: bad salt", ErrMalformed)
	}
	nonce, err := base64.StdEncoding.DecodeString(sec.Nonce)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: bad nonce", ErrMalformed)
	}
	sealed, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: bad content encoding", ErrMalformed)
	}

	gcm, err := newGCM(params.derive(password, salt))
	if err != nil {
		return settings.Snapshot{}, err
	}
	if len(nonce) != gcm.NonceSize() {
		return settings.Snapshot{}, fmt.Errorf("%w: nonce length %d", ErrMalformed, len(nonce))
	}
	payload, err := gcm.Open(nil, nonce, sealed, doc.Metadata)
	if err != nil {
		return settings.Snapshot{}, ErrWrongPassword
	}

	values, err := decompress(payload)
	if err != nil {
		return settings.Snapshot{}, err
	}
	return settings.NewSnapshot(values, md), nil
}

// PeekMetadata reads the plaintext header without a password
func PeekMetadata(artifact Artifact) (settings.Metadata, error) {
	_, md, err := parse(artifact)
	return md, err
}

// Checksum returns the hex SHA-256 of the artifact bytes
func Checksum(artifact Artifact) string {
	sum := sha256.Sum256(artifact)
	return hex.EncodeToString(sum[:])
}

func parse(artifact Artifact) (document, settings.Metadata, error) {
	var doc document
	if err := json.Unmarshal(artifact, &doc); err != nil {
		return document{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Format != FormatName {
		return document{}, nil, fmt.Errorf("%w: unexpected format %q", ErrMalformed, doc.Format)
	}
	if len(doc.Metadata) == 0 {
		return document{}, nil, fmt.Errorf("%w: missing metadata", ErrMalformed)
	}
	var md settings.Metadata
	if err := json.Unmarshal(doc.Metadata, &md); err != nil {
		return document{}, nil, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	return doc, md, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func compress(values map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(values); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) (map[string]string, error) {
	zr, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var values map[string]string
	if err := json.NewDecoder(zr).Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: decode settings: %v", ErrMalformed, err)
	}
	return values, nil
}
