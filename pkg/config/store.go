package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sharifconnect/sharifconnect/pkg/log"
)

const (
	appDirName     = "SharifConnect"
	configFileName = "sharif_config.enc"
	pbkdfRounds    = 100000
	nonceSize      = 24
	keySize        = 32

	// SecretEnv overrides the fallback store secret.
	SecretEnv      = "SHARIF_SECRET_KEY"
	fallbackSecret = "fallback_secret_key"
)

// Saved is what the store persists.
type Saved struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// Store is the credential persistence collaborator.
type Store interface {
	Load() (Saved, error)
	Save(Saved) error
}

// FileStore keeps Saved sealed with NaCl secretbox. The key is derived with
// PBKDF2-SHA256 from a machine identity, so the file does not decrypt on
// another host or for another OS user.
type FileStore struct {
	path     string
	identity []byte
	secret   []byte
	logger   *zap.SugaredLogger
}

// DefaultStorePath returns <UserConfigDir>/SharifConnect/sharif_config.enc.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appDirName, configFileName), nil
}

// NewFileStore builds a store at path. An empty path uses DefaultStorePath.
func NewFileStore(path string, logger *zap.SugaredLogger) (*FileStore, error) {
	if path == "" {
		p, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	secret := os.Getenv(SecretEnv)
	if secret == "" {
		secret = fallbackSecret
	}
	return &FileStore{
		path:     path,
		identity: systemIdentity(),
		secret:   []byte(secret),
		logger:   log.OrNop(logger),
	}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns the saved data. A missing or unreadable file yields an empty
// Saved and no error; the failure is only logged.
func (s *FileStore) Load() (Saved, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Infow("config file not found", "path", s.path)
		} else {
			s.logger.Warnw("error reading config", "path", s.path, "error", err)
		}
		return Saved{}, nil
	}
	plain, err := open(b, s.key())
	if err != nil {
		s.logger.Warnw("error loading config", "path", s.path, "error", err)
		return Saved{}, nil
	}
	var data Saved
	if err := json.Unmarshal(plain, &data); err != nil {
		s.logger.Warnw("error decoding config", "path", s.path, "error", err)
		return Saved{}, nil
	}
	s.logger.Infow("config loaded", masked(data)...)
	return data, nil
}

func (s *FileStore) Save(data Saved) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return err
	}
	sealed, err := seal(plain, s.key())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	s.logger.Infow("config saved", masked(data)...)
	return nil
}

func (s *FileStore) key() *[keySize]byte {
	var k [keySize]byte
	copy(k[:], pbkdf2.Key(s.identity, s.secret, pbkdfRounds, keySize, sha256.New))
	return &k
}

func seal(plain []byte, key *[keySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

func open(box []byte, key *[keySize]byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, errors.New("config file too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("config file cannot be decrypted on this machine")
	}
	return plain, nil
}

// masked renders Saved as zap key/values without exposing values.
func masked(data Saved) []interface{} {
	return []interface{}{
		"username", log.Mask(data.Username),
		"password", "***",
		"remember", data.Remember,
	}
}

// systemIdentity is user name + hostname + first hardware address.
func systemIdentity() []byte {
	var id []byte
	if u, err := user.Current(); err == nil {
		id = append(id, u.Username...)
	}
	if h, err := os.Hostname(); err == nil {
		id = append(id, h...)
	}
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if len(iface.HardwareAddr) > 0 && iface.Flags&net.FlagLoopback == 0 {
				id = append(id, iface.HardwareAddr...)
				break
			}
		}
	}
	return id
}

// MemoryStore keeps Saved in memory. Used when no file store is wanted.
type MemoryStore struct {
	data Saved
}

func (m *MemoryStore) Load() (Saved, error) {
	return m.data, nil
}

func (m *MemoryStore) Save(data Saved) error {
	m.data = data
	return nil
}
