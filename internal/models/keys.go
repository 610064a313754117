package models

// Key material used by AES-256-CBC
type KeyMaterial struct {
	IV  []byte // 16 bytes
	Key []byte // 32 bytes
}
