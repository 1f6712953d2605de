package mediaretry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"go.mau.fi/whatsmeow/proto/waMmsRetry"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/proto"
)

const (
	retryKeyInfo = "WhatsApp Media Retry Notification"
	nonceSize    = 12
)

// retryKey derives the AES-256 key for retry payloads from the media key.
func retryKey(mediaKey []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, mediaKey, nil, []byte(retryKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

func newAEAD(mediaKey []byte) (cipher.AEAD, error) {
	key, err := retryKey(mediaKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	return aead, nil
}

// encryptRequest seals a ServerErrorReceipt for messageID. The message id is
// the additional data.
func encryptRequest(messageID string, mediaKey []byte) (ciphertext, iv []byte, err error) {
	plaintext, err := proto.Marshal(&waMmsRetry.ServerErrorReceipt{StanzaID: proto.String(messageID)})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal receipt: %w", err)
	}
	return seal(plaintext, mediaKey, messageID)
}

func seal(plaintext, mediaKey []byte, messageID string) (ciphertext, iv []byte, err error) {
	aead, err := newAEAD(mediaKey)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return aead.Seal(nil, iv, plaintext, []byte(messageID)), iv, nil
}

// decryptNotification opens a retry notification sent back by the phone.
func decryptNotification(ciphertext, iv, mediaKey []byte, messageID string) (*waMmsRetry.MediaRetryNotification, error) {
	if len(iv) != nonceSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", nonceSize, len(iv))
	}
	aead, err := newAEAD(mediaKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, []byte(messageID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	var notif waMmsRetry.MediaRetryNotification
	if err := proto.Unmarshal(plaintext, &notif); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &notif, nil
}
