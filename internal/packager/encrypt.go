package packager

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ManuGH/xglive/internal/drm"
	"github.com/ManuGH/xglive/internal/media"
)

// Encryptor applies a channel's encryption policy. Segments are encrypted
// with AES-128-CBC and PKCS#7 padding; the IV is the segment sequence number
// as a 128-bit big-endian integer, which is what HLS players assume when the
// key tag carries no IV. Only the key of the current rotation period is held.
type Encryptor struct {
	channelID string
	rotation  uint64
	keys      drm.KeyProvider

	active    drm.ContentKey
	activeID  uint64
	hasActive bool
}

// NewEncryptor returns nil when policy disables encryption.
func NewEncryptor(channelID string, policy media.EncryptionPolicy, keys drm.KeyProvider) (*Encryptor, error) {
	if !policy.Enabled {
		return nil, nil
	}
	if keys == nil {
		return nil, errors.New("encryption enabled without a key provider")
	}
	rot := uint64(0)
	if policy.RotationSegments > 0 {
		rot = uint64(policy.RotationSegments)
	}
	return &Encryptor{channelID: channelID, rotation: rot, keys: keys}, nil
}

// RotationID is the key period a sequence number belongs to.
func (e *Encryptor) RotationID(seq uint64) uint64 {
	if e.rotation == 0 {
		return 0
	}
	return seq / e.rotation
}

// Encrypt seals payload for seq, fetching a new key when the rotation period
// changes.
func (e *Encryptor) Encrypt(ctx context.Context, seq uint64, payload []byte) ([]byte, drm.ContentKey, error) {
	rid := e.RotationID(seq)
	if !e.hasActive || rid != e.activeID {
		key, err := e.keys.IssueKey(ctx, e.channelID, rid)
		if err != nil {
			return nil, drm.ContentKey{}, fmt.Errorf("issue key %s/%d: %w", e.channelID, rid, err)
		}
		if len(key.Key) != drm.KeySize {
			return nil, drm.ContentKey{}, fmt.Errorf("issue key %s/%d: key length %d", e.channelID, rid, len(key.Key))
		}
		e.active, e.activeID, e.hasActive = key, rid, true
	}
	out, err := EncryptSegment(e.active.Key, seq, payload)
	if err != nil {
		return nil, drm.ContentKey{}, err
	}
	return out, e.active, nil
}

func sequenceIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

// EncryptSegment is AES-128-CBC with the sequence IV.
func EncryptSegment(key []byte, seq uint64, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	copy(buf[len(plain):], bytes.Repeat([]byte{byte(pad)}, pad))
	cipher.NewCBCEncrypter(block, sequenceIV(seq)).CryptBlocks(buf, buf)
	return buf, nil
}

// DecryptSegment reverses EncryptSegment.
func DecryptSegment(key []byte, seq uint64, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, sequenceIV(seq)).CryptBlocks(out, data)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return out[:len(out)-pad], nil
}
