package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	"pqchat/models"
)

const (
	messageKeyContext    = "pqchat/v1 message key"
	attachmentKeyContext = "pqchat/v1 attachment key"
	macKeyContext        = "pqchat/v1 message mac"
)

// DeriveKey derives length bytes from secret using HKDF-SHA-512. An empty
// salt is replaced by a zero-filled salt of hash length.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: secret is required")
	}
	if len(salt) == 0 {
		salt = make([]byte, sha512.Size)
	}

	reader := hkdf.New(sha512.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// DeriveMessageKey turns a KEM shared secret into the symmetric message key.
// The KEM ciphertext hash salts the derivation so each encapsulation yields
// an independent key.
func DeriveMessageKey(sharedSecret, kemCiphertext []byte) ([]byte, error) {
	salt := sha256.Sum256(kemCiphertext)
	return DeriveKey(sharedSecret, salt[:], []byte(messageKeyContext), KeySize)
}

// DeriveAttachmentKey derives the dedicated key for one attachment.
func DeriveAttachmentKey(sessionKey []byte, fileID string) ([]byte, error) {
	info := make([]byte, 0, len(attachmentKeyContext)+4+len(fileID))
	info = append(info, attachmentKeyContext...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(fileID)))
	info = append(info, fileID...)
	return DeriveKey(sessionKey, nil, info, KeySize)
}

// EncryptAttachment encrypts file data under a key derived for fileID.
func EncryptAttachment(sessionKey []byte, fileID string, data []byte) ([]byte, models.EncryptionInfo, error) {
	fileKey, err := DeriveAttachmentKey(sessionKey, fileID)
	if err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	defer SecureWipe(fileKey)

	return Encrypt(data, fileKey, fileID)
}

// DecryptAttachment reverses EncryptAttachment.
func DecryptAttachment(sessionKey []byte, ciphertext []byte, info models.EncryptionInfo) ([]byte, error) {
	fileKey, err := DeriveAttachmentKey(sessionKey, info.KeyID)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(fileKey)

	return Decrypt(ciphertext, info, fileKey)
}

// MessageMAC computes an HMAC-SHA-256 over the canonical form of message.
func MessageMAC(sessionKey []byte, message *models.Message) ([]byte, error) {
	macKey, err := DeriveKey(sessionKey, nil, []byte(macKeyContext), sha256.Size)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(macKey)

	mac := hmac.New(sha256.New, macKey)
	writeCanonicalMessage(mac, message)
	return mac.Sum(nil), nil
}

// VerifyMessageMAC checks tag against the canonical form of message.
func VerifyMessageMAC(sessionKey []byte, message *models.Message, tag []byte) (bool, error) {
	expected, err := MessageMAC(sessionKey, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, tag), nil
}

// writeCanonicalMessage writes length-prefixed fields in a fixed order with
// recipients sorted, so the encoding is independent of slice order.
func writeCanonicalMessage(w io.Writer, message *models.Message) {
	recipients := append([]string(nil), message.Metadata.RecipientIDs...)
	sort.Strings(recipients)

	writeField(w, []byte(message.ID))
	writeField(w, []byte(message.Type))
	writeField(w, []byte(message.Metadata.SenderID))
	writeField(w, []byte(message.Metadata.ConversationID))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(recipients)))
	_, _ = w.Write(count[:])
	for _, recipient := range recipients {
		writeField(w, []byte(recipient))
	}
	writeField(w, message.Content.Data)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(message.CreatedAt.UnixMilli()))
	_, _ = w.Write(ts[:])
}

func writeField(w io.Writer, field []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	_, _ = w.Write(length[:])
	_, _ = w.Write(field)
}

// SecureWipe overwrites every buffer with zeros.
func SecureWipe(buffers ...[]byte) {
	for _, buf := range buffers {
		for i := range buf {
			buf[i] = 0
		}
	}
}
