package securestore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

type sealedFile struct {
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Content string `json:"content"`
}

// FileStore persists values as an AES-256-GCM sealed JSON map. The key is
// derived from the configured secret with Argon2id once at open time.
type FileStore struct {
	path   string
	salt   []byte
	aead   cipher.AEAD
	mu     sync.RWMutex
	values map[string]string
}

// OpenFileStore loads path, creating a new salt when the file does not exist yet
func OpenFileStore(path, secret string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, s.salt); err != nil {
			return nil, errors.Wrap(err, "generate salt")
		}
		if s.aead, err = deriveAEAD(secret, s.salt); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, errors.Wrapf(err, "read secure store %s", path)
	}

	var sf sealedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, errors.Wrapf(err, "parse secure store %s", path)
	}
	if s.salt, err = base64.StdEncoding.DecodeString(sf.Salt); err != nil {
		return nil, errors.Wrap(err, "decode salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(sf.Nonce)
	if err != nil {
		return nil, errors.Wrap(err, "decode nonce")
	}
	sealed, err := base64.StdEncoding.DecodeString(sf.Content)
	if err != nil {
		return nil, errors.Wrap(err, "decode content")
	}
	if s.aead, err = deriveAEAD(secret, s.salt); err != nil {
		return nil, err
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("secure store %s: invalid nonce", path)
	}
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secure store %s cannot be opened with the configured secret", path)
	}
	if err := json.Unmarshal(plain, &s.values); err != nil {
		return nil, errors.Wrap(err, "decode secure store values")
	}
	return s, nil
}

func deriveAEAD(secret string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
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

// persist seals next and replaces the file (caller holds the write lock)
func (s *FileStore) persist(next map[string]string) error {
	plain, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "encode secure store values")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "generate nonce")
	}
	out, err := json.Marshal(sealedFile{
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Content: base64.StdEncoding.EncodeToString(s.aead.Seal(nil, nonce, plain, nil)),
	})
	if err != nil {
		return errors.Wrap(err, "encode secure store")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrap(err, "create secure store directory")
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(out)); err != nil {
		return errors.Wrapf(err, "write secure store %s", s.path)
	}
	return os.Chmod(s.path, 0600)
}

func (s *FileStore) copyValues() map[string]string {
	next := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	return next
}

// Get returns the value for key
func (s *FileStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Put writes key and persists the file
func (s *FileStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyValues()
	next[key] = value
	if err := s.persist(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// Remove deletes keys and persists the file when anything changed
func (s *FileStore) Remove(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyValues()
	changed := false
	for _, k := range keys {
		if _, ok := next[k]; ok {
			delete(next, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.values = next
	return nil
}
