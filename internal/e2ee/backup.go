package e2ee

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for recovery key
	// derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for recovery key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for recovery key
	// derivation.
	scryptP = 1

	// backupKeyLen is the derived key length, matching curve25519.
	backupKeyLen = 32

	// gcmNonceLen is the AES-GCM nonce length prepended to the
	// envelope ciphertext.
	gcmNonceLen = 12
)

// backupHKDFInfo domain-separates the envelope key derivation.
var backupHKDFInfo = []byte("session backup envelope v1")

// BackupFetcher fetches raw backed-up session payloads from the server.
// Implemented by the transport client.
type BackupFetcher interface {
	GetSessionBackup(ctx context.Context, roomID, sessionID string) (json.RawMessage, error)
}

// backedUpSession is the server-side record for one session.
type backedUpSession struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       sessionEnvelope `json:"session_data"`
}

// sessionEnvelope is a session claim wrapped to the recovery key:
// ephemeral curve25519 ECDH, HKDF-SHA256, AES-GCM.
type sessionEnvelope struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
}

// RecoveryKey is the curve25519 private key that unwraps backup
// envelopes. Treat it like a password: zero it when done.
type RecoveryKey struct {
	private [backupKeyLen]byte
	public  [backupKeyLen]byte
}

// RecoveryKeyFromPassphrase derives a recovery key from a passphrase and
// salt using scrypt. Both inputs are normalized to NFKC first so the
// same passphrase typed on different platforms yields the same key.
func RecoveryKeyFromPassphrase(passphrase, salt string) (*RecoveryKey, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	private, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, backupKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving recovery key: %w", err)
	}

	return RecoveryKeyFromPrivate(private)
}

// RecoveryKeyFromPrivate wraps a raw 32-byte curve25519 private key.
// The input slice is zeroed before returning.
func RecoveryKeyFromPrivate(private []byte) (*RecoveryKey, error) {
	if len(private) != backupKeyLen {
		return nil, fmt.Errorf("recovery key must be %d bytes, got %d", backupKeyLen, len(private))
	}

	k := &RecoveryKey{}
	copy(k.private[:], private)
	Zero(private)

	public, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	copy(k.public[:], public)

	return k, nil
}

// PublicKey returns the backup public key devices wrap sessions to.
func (k *RecoveryKey) PublicKey() []byte {
	pub := make([]byte, backupKeyLen)
	copy(pub, k.public[:])

	return pub
}

// Zero overwrites key material in the given slice.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// envelopeKey derives the AES key for one envelope from the ECDH shared
// secret.
func envelopeKey(shared []byte) ([]byte, error) {
	key := make([]byte, backupKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, backupHKDFInfo), key); err != nil {
		return nil, fmt.Errorf("deriving envelope key: %w", err)
	}

	return key, nil
}

// open unwraps an envelope with the recovery key.
func (k *RecoveryKey) open(env *sessionEnvelope) ([]byte, error) {
	ephemeral, err := base64.StdEncoding.DecodeString(env.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("decoding ephemeral key: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	if len(data) < gcmNonceLen {
		return nil, fmt.Errorf("envelope ciphertext too short: %d bytes", len(data))
	}

	shared, err := curve25519.X25519(k.private[:], ephemeral)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	defer Zero(shared)

	key, err := envelopeKey(shared)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[:gcmNonceLen], data[gcmNonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening envelope: %w", err)
	}

	return plaintext, nil
}

// Seal wraps a session claim to the recovery public key. Devices use
// this when uploading keys to the backup.
func (k *RecoveryKey) Seal(claim *BackupSessionClaim) (json.RawMessage, error) {
	plaintext, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}

	ephPrivate := make([]byte, backupKeyLen)
	if _, err := rand.Read(ephPrivate); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer Zero(ephPrivate)

	ephPublic, err := curve25519.X25519(ephPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephPrivate, k.public[:])
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	defer Zero(shared)

	key, err := envelopeKey(shared)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	data := gcm.Seal(nonce, nonce, plaintext, nil)

	record := backedUpSession{
		FirstMessageIndex: claim.FirstKnownIndex,
		SessionData: sessionEnvelope{
			Ephemeral:  base64.StdEncoding.EncodeToString(ephPublic),
			Ciphertext: base64.StdEncoding.EncodeToString(data),
		},
	}

	return json.Marshal(record)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Backup fetches and unwraps backed-up sessions. It implements
// SessionBackup for the encryption engine.
type Backup struct {
	fetcher BackupFetcher
	key     *RecoveryKey
}

// NewBackup creates a backup handle from a fetcher and recovery key.
func NewBackup(fetcher BackupFetcher, key *RecoveryKey) *Backup {
	return &Backup{fetcher: fetcher, key: key}
}

// GetSession fetches one session from the backup and unwraps it.
// Returns errors.ErrNotFound (wrapped, from the fetcher) on a miss.
func (b *Backup) GetSession(ctx context.Context, roomID, sessionID string) (*BackupSessionClaim, error) {
	raw, err := b.fetcher.GetSessionBackup(ctx, roomID, sessionID)
	if err != nil {
		return nil, err
	}

	var record backedUpSession
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding backup record: %w", err)
	}

	plaintext, err := b.key.open(&record.SessionData)
	if err != nil {
		return nil, fmt.Errorf("unwrapping session %s: %w", sessionID, err)
	}

	claim := &BackupSessionClaim{}
	if err := json.Unmarshal(plaintext, claim); err != nil {
		return nil, fmt.Errorf("decoding session claim: %w", err)
	}

	if claim.FirstKnownIndex == 0 {
		claim.FirstKnownIndex = record.FirstMessageIndex
	}

	return claim, nil
}
