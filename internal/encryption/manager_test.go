package encryption

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OmarB97/trynano-server/internal/config"
)

type fakeKMS struct {
	decrypts int
	fail     bool
}

// The fake "wraps" a data key by reversing it.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.fail {
		return nil, errors.New("kms unavailable")
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: reverse(key)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypts++
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func TestManager_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(config.KMSConfig{}, nil)
	require.NoError(t, err)

	sealed, err := m.Seal(ctx, "private-key", "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, localKeyID, sealed.KeyID)
	assert.NotContains(t, sealed.Ciphertext, "private-key")

	m.ClearCache()
	got, err := m.Open(ctx, sealed, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, "private-key", got)
}

func TestManager_WrongAddressFailsToOpen(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(config.KMSConfig{}, nil)
	require.NoError(t, err)

	sealed, err := m.Seal(ctx, "private-key", "wallet-1")
	require.NoError(t, err)

	_, err = m.Open(ctx, sealed, "wallet-2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestManager_KMSRoundTripCachesDataKey(t *testing.T) {
	ctx := context.Background()
	fake := &fakeKMS{}
	m, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "alias/faucet"}, fake)
	require.NoError(t, err)

	sealed, err := m.Seal(ctx, "secret", "addr")
	require.NoError(t, err)
	assert.Equal(t, "alias/faucet", sealed.KeyID)

	m.ClearCache()
	for i := 0; i < 3; i++ {
		got, err := m.Open(ctx, sealed, "addr")
		require.NoError(t, err)
		assert.Equal(t, "secret", got)
	}
	assert.Equal(t, 1, fake.decrypts)
}

func TestManager_KMSFailure(t *testing.T) {
	m, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "k"}, &fakeKMS{fail: true})
	require.NoError(t, err)

	_, err = m.Seal(context.Background(), "secret", "addr")
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestManager_KMSSealedValueWithoutKMS(t *testing.T) {
	ctx := context.Background()
	withKMS, err := NewManager(config.KMSConfig{Enabled: true, KeyID: "k"}, &fakeKMS{})
	require.NoError(t, err)
	sealed, err := withKMS.Seal(ctx, "secret", "addr")
	require.NoError(t, err)

	local, err := NewManager(config.KMSConfig{}, nil)
	require.NoError(t, err)
	_, err = local.Open(ctx, sealed, "addr")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewManager_RequiresClientWhenEnabled(t *testing.T) {
	_, err := NewManager(config.KMSConfig{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestManager_OpenRejectsGarbage(t *testing.T) {
	m, err := NewManager(config.KMSConfig{}, nil)
	require.NoError(t, err)

	_, err = m.Open(context.Background(), &Sealed{}, "a")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = m.Open(context.Background(), &Sealed{Ciphertext: "%%%", EncryptedDEK: "%%%", KeyID: localKeyID}, "a")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
