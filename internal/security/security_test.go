package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
)

var (
	testNow  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rsaKey   *rsa.PrivateKey
	otherRSA *rsa.PrivateKey
	edPub    ed25519.PublicKey
	edPriv   ed25519.PrivateKey
)

func TestMain(m *testing.M) {
	var err error
	if rsaKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	if otherRSA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	if edPub, edPriv, err = ed25519.GenerateKey(rand.Reader); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func staticKeys(keys map[string]crypto.PublicKey) KeyResolver {
	return KeyResolverFunc(func(_ context.Context, id string) (crypto.PublicKey, error) {
		if k, ok := keys[id]; ok {
			return k, nil
		}
		return nil, errors.New("unknown agent")
	})
}

func newService(t *testing.T, opts ...Option) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)
	resolver := staticKeys(map[string]crypto.PublicKey{
		"did:web:alice.example": &rsaKey.PublicKey,
		"did:web:edgar.example": edPub,
	})
	opts = append([]Option{WithClock(mock), WithKeyResolver(resolver)}, opts...)
	svc, err := New(Config{}, quietLogger(), opts...)
	require.NoError(t, err)
	return svc, mock
}

func testMessage(from string) *a2a.Message {
	return &a2a.Message{
		Context:   a2a.DefaultContext,
		Type:      a2a.TypeRequest,
		ID:        "msg-1",
		Timestamp: testNow,
		Version:   a2a.ProtocolVersion,
		From:      from,
		To:        a2a.Recipients{"did:web:bob.example"},
		Body:      json.RawMessage(`{"action":"quote","amount":12.5,"items":[1,2,3]}`),
	}
}

func TestSignVerify_RSA(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), rsaKey)
	require.NoError(t, err)
	require.NotNil(t, signed.Signature)

	hdr, err := decodeProtected(signed.Signature.Protected)
	require.NoError(t, err)
	assert.Equal(t, "RS256", hdr.Alg)
	assert.Equal(t, "did:web:alice.example", hdr.Kid)
	assert.Equal(t, MessageSignatureType, hdr.Typ)
	assert.Equal(t, []string{"timestamp", "nonce"}, hdr.Crit)
	assert.Equal(t, hdr.Nonce, signed.Signature.Header.Nonce)

	assert.True(t, svc.Verify(context.Background(), signed))
}

func TestSignVerify_Ed25519(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:edgar.example"), edPriv)
	require.NoError(t, err)

	hdr, err := decodeProtected(signed.Signature.Protected)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", hdr.Alg)
	assert.True(t, svc.Verify(context.Background(), signed))
}

func TestSign_DoesNotMutateInput(t *testing.T) {
	svc, _ := newService(t)
	msg := testMessage("did:web:alice.example")
	_, err := svc.Sign(msg, rsaKey)
	require.NoError(t, err)
	assert.Nil(t, msg.Signature)
}

func TestVerify_SurvivesWireRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), rsaKey)
	require.NoError(t, err)

	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	var decoded a2a.Message
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.True(t, svc.Verify(context.Background(), &decoded))
}

func TestVerify_RejectsTampering(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), rsaKey)
	require.NoError(t, err)

	bodyChanged := signed.Clone()
	bodyChanged.Body = json.RawMessage(`{"action":"quote","amount":99}`)
	assert.False(t, svc.Verify(context.Background(), bodyChanged))

	toChanged := signed.Clone()
	toChanged.To = a2a.Recipients{"did:web:mallory.example"}
	assert.False(t, svc.Verify(context.Background(), toChanged))

	fromChanged := signed.Clone()
	fromChanged.From = "did:web:edgar.example"
	assert.False(t, svc.Verify(context.Background(), fromChanged))

	// the untouched original is still fresh because failures never record the nonce
	assert.True(t, svc.Verify(context.Background(), signed))
}

func TestVerify_RejectsReplay(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), rsaKey)
	require.NoError(t, err)

	assert.True(t, svc.Verify(context.Background(), signed))
	assert.False(t, svc.Verify(context.Background(), signed))
}

func TestVerify_RejectsStaleSignature(t *testing.T) {
	svc, mock := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), rsaKey)
	require.NoError(t, err)

	mock.Add(5*time.Minute + time.Second)
	assert.False(t, svc.Verify(context.Background(), signed))
}

func TestVerify_RejectsMissingNonce(t *testing.T) {
	svc, _ := newService(t)
	msg := testMessage("did:web:alice.example")
	payload, err := SigningPayload(msg)
	require.NoError(t, err)

	hdr := protectedHeader{Alg: "RS256", Kid: msg.From, Typ: MessageSignatureType}
	protected, sig, err := signDetached("RS256", hdr, payload, rsaKey)
	require.NoError(t, err)
	msg.Signature = &a2a.SignatureEnvelope{Protected: protected, Signature: sig}

	err = svc.VerifySignature(context.Background(), msg)
	assert.ErrorIs(t, err, a2a.ErrSignatureInvalid)
}

func TestVerify_UnsignedAndUnknownSender(t *testing.T) {
	svc, _ := newService(t)
	assert.False(t, svc.Verify(context.Background(), testMessage("did:web:alice.example")))
	assert.False(t, svc.Verify(context.Background(), nil))

	signed, err := svc.Sign(testMessage("did:web:unknown.example"), rsaKey)
	require.NoError(t, err)
	assert.False(t, svc.Verify(context.Background(), signed))
}

func TestVerify_WrongKey(t *testing.T) {
	svc, _ := newService(t)
	signed, err := svc.Sign(testMessage("did:web:alice.example"), otherRSA)
	require.NoError(t, err)
	assert.False(t, svc.Verify(context.Background(), signed))
}

func TestResolvePublicKey_Cached(t *testing.T) {
	var calls int32
	resolver := KeyResolverFunc(func(context.Context, string) (crypto.PublicKey, error) {
		atomic.AddInt32(&calls, 1)
		return &rsaKey.PublicKey, nil
	})
	svc, _ := newService(t, WithKeyResolver(resolver))

	for i := 0; i < 3; i++ {
		_, err := svc.ResolvePublicKey(context.Background(), "did:web:alice.example")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	svc.InvalidateKey("did:web:alice.example")
	_, err := svc.ResolvePublicKey(context.Background(), "did:web:alice.example")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type heldKey struct{ key crypto.PublicKey }

// rotatingKeys resolves every agent to whatever key is currently held.
func rotatingKeys(current *atomic.Value) KeyResolver {
	return KeyResolverFunc(func(context.Context, string) (crypto.PublicKey, error) {
		return current.Load().(heldKey).key, nil
	})
}

func TestWatchAgents_RotatedKeyTakesEffect(t *testing.T) {
	var current atomic.Value
	current.Store(heldKey{&rsaKey.PublicKey})
	svc, _ := newService(t, WithKeyResolver(rotatingKeys(&current)))

	eb := bus.NewEventBus(quietLogger())
	defer eb.Stop()
	svc.WatchAgents(eb)

	const agent = "did:web:alice.example"
	signed, err := svc.Sign(testMessage(agent), rsaKey)
	require.NoError(t, err)
	require.True(t, svc.Verify(context.Background(), signed))

	current.Store(heldKey{edPub})
	eb.Emit(bus.EventAgentRegistered, map[string]interface{}{"agentId": agent})

	assert.Eventually(t, func() bool {
		rotated, err := svc.Sign(testMessage(agent), edPriv)
		return err == nil && svc.Verify(context.Background(), rotated)
	}, 2*time.Second, 10*time.Millisecond)

	retired, err := svc.Sign(testMessage(agent), rsaKey)
	require.NoError(t, err)
	assert.False(t, svc.Verify(context.Background(), retired))
}

func TestResolvePublicKey_CacheExpires(t *testing.T) {
	var calls int32
	resolver := KeyResolverFunc(func(context.Context, string) (crypto.PublicKey, error) {
		atomic.AddInt32(&calls, 1)
		return &rsaKey.PublicKey, nil
	})
	svc, err := New(Config{KeyCacheTTL: 20 * time.Millisecond}, quietLogger(), WithKeyResolver(resolver))
	require.NoError(t, err)

	_, err = svc.ResolvePublicKey(context.Background(), "did:web:alice.example")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := svc.ResolvePublicKey(context.Background(), "did:web:alice.example")
		return err == nil && atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc, _ := newService(t)
	msg := testMessage("did:web:alice.example")

	enc, err := svc.Encrypt(msg, &rsaKey.PublicKey)
	require.NoError(t, err)
	assert.False(t, enc.HasBody())
	require.NotNil(t, enc.Encryption)
	assert.NotEmpty(t, enc.Encryption.EncryptedKey)
	assert.NotEmpty(t, enc.Encryption.IV)
	assert.NotEmpty(t, enc.Encryption.Tag)
	assert.NotNil(t, msg.Body, "input is left untouched")

	dec, err := svc.Decrypt(enc, rsaKey)
	require.NoError(t, err)
	assert.Nil(t, dec.Encryption)
	assert.JSONEq(t, string(msg.Body), string(dec.Body))
}

func TestEncrypt_FreshKeyMaterialPerCall(t *testing.T) {
	svc, _ := newService(t)
	msg := testMessage("did:web:alice.example")
	a, err := svc.Encrypt(msg, &rsaKey.PublicKey)
	require.NoError(t, err)
	b, err := svc.Encrypt(msg, &rsaKey.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, a.Encryption.IV, b.Encryption.IV)
	assert.NotEqual(t, a.Encryption.EncryptedKey, b.Encryption.EncryptedKey)
	assert.NotEqual(t, a.Encryption.Ciphertext, b.Encryption.Ciphertext)
}

func TestDecrypt_FailsClosed(t *testing.T) {
	svc, _ := newService(t)
	enc, err := svc.Encrypt(testMessage("did:web:alice.example"), &rsaKey.PublicKey)
	require.NoError(t, err)

	_, err = svc.Decrypt(enc, otherRSA)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)

	tampered := enc.Clone()
	tampered.Encryption.Tag = enc.Encryption.IV
	_, err = svc.Decrypt(tampered, rsaKey)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)

	_, err = svc.Decrypt(testMessage("did:web:alice.example"), rsaKey)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)

	_, err = svc.Decrypt(enc, edPriv)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)
}

func TestEncryptDecrypt_Ed25519Recipient(t *testing.T) {
	svc, _ := newService(t)
	msg := testMessage("did:web:alice.example")

	enc, err := svc.Encrypt(msg, edPub)
	require.NoError(t, err)
	assert.Nil(t, enc.Body)
	assert.NotEmpty(t, enc.Encryption.EncryptedKey)

	dec, err := svc.Decrypt(enc, edPriv)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg.Body), string(dec.Body))

	_, otherEd, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = svc.Decrypt(enc, otherEd)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)

	_, err = svc.Decrypt(enc, rsaKey)
	assert.ErrorIs(t, err, a2a.ErrDecryptionFailed)
}

func TestEncrypt_UnsupportedRecipientKey(t *testing.T) {
	svc, _ := newService(t)
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = svc.Encrypt(testMessage("did:web:alice.example"), &ec.PublicKey)
	assert.ErrorIs(t, err, a2a.ErrEncryptionFailed)
}

func TestSignedEncryptedMessageVerifies(t *testing.T) {
	svc, _ := newService(t)
	enc, err := svc.Encrypt(testMessage("did:web:alice.example"), &otherRSA.PublicKey)
	require.NoError(t, err)
	signed, err := svc.Sign(enc, rsaKey)
	require.NoError(t, err)
	assert.True(t, svc.Verify(context.Background(), signed))
}
