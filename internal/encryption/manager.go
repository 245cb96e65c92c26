// Package encryption seals wallet private keys at rest with envelope
// encryption: a fresh AES-256-GCM data key per value, wrapped by AWS KMS in
// production and base64-encoded locally in development.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	sealVersion = "v1"
	localKeyID  = "local"
)

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Sealed is the stored form of one encrypted value.
type Sealed struct {
	Ciphertext   string
	EncryptedDEK string
	KeyID        string
	Version      string
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

type Manager struct {
	kms      KMSAPI
	kmsKeyID string
	useKMS   bool
	deks     sync.Map
}

// NewManager returns a manager backed by kmsClient when KMS is enabled. A nil
// kmsClient with KMS disabled seals with local, unwrapped data keys.
func NewManager(cfg config.KMSConfig, kmsClient KMSAPI) (*Manager, error) {
	if cfg.Enabled && kmsClient == nil {
		return nil, fmt.Errorf("kms enabled but no client supplied")
	}
	return &Manager{kms: kmsClient, kmsKeyID: cfg.KeyID, useKMS: cfg.Enabled}, nil
}

// NewKMSClient loads the default AWS credential chain for region.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func (m *Manager) newDataKey(ctx context.Context) (*dataKey, error) {
	if !m.useKMS {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		return &dataKey{
			plaintext:  key,
			ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
			keyID:      localKeyID,
		}, nil
	}

	out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
	}
	return &dataKey{plaintext: out.Plaintext, ciphertext: out.CiphertextBlob, keyID: m.kmsKeyID}, nil
}

// Seal encrypts plaintext. aad (the wallet address) is bound into the GCM tag
// so a ciphertext copied onto another row fails to open.
func (m *Manager) Seal(ctx context.Context, plaintext, aad string) (*Sealed, error) {
	dk, err := m.newDataKey(ctx)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dk.plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(dk.ciphertext)
	m.deks.Store(encryptedDEK, dk.plaintext)

	return &Sealed{
		Ciphertext:   base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))),
		EncryptedDEK: encryptedDEK,
		KeyID:        dk.keyID,
		Version:      sealVersion,
	}, nil
}

func (m *Manager) Open(ctx context.Context, sealed *Sealed, aad string) (string, error) {
	if sealed == nil || sealed.Ciphertext == "" {
		return "", fmt.Errorf("%w: empty value", ErrDecryptionFailed)
	}
	key, err := m.unwrap(ctx, sealed)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (m *Manager) unwrap(ctx context.Context, sealed *Sealed) ([]byte, error) {
	if cached, ok := m.deks.Load(sealed.EncryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(sealed.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
	}

	var key []byte
	switch {
	case sealed.KeyID == localKeyID:
		if m.useKMS {
			util.Warn("Opening locally sealed value with KMS enabled")
		}
		key, err = base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	case m.kms == nil:
		return nil, fmt.Errorf("%w: value sealed with kms key %s but kms is disabled", ErrDecryptionFailed, sealed.KeyID)
	default:
		out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob, KeyId: aws.String(sealed.KeyID)})
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt data key: %v", ErrDecryptionFailed, err)
		}
		key = out.Plaintext
	}

	m.deks.Store(sealed.EncryptedDEK, key)
	return key, nil
}

// ClearCache drops every cached plaintext data key.
func (m *Manager) ClearCache() {
	m.deks.Range(func(k, _ interface{}) bool {
		m.deks.Delete(k)
		return true
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
