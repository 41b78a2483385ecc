package models

// EncryptionInfo describes how a ciphertext was produced. Values are never
// mutated after creation; re-encryption yields a new EncryptionInfo.
type EncryptionInfo struct {
	Algorithm        string `json:"algorithm"`
	KeyID            string `json:"keyId"`
	Nonce            []byte `json:"nonce"`
	CiphertextLength int    `json:"ciphertextLength"`
	Checksum         string `json:"checksum"`
	Version          int    `json:"version"`
}
