package media

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

// StreamKey is the opaque credential identifying a publishing slot.
type StreamKey string

// Redacted returns a log-safe form of the key.
func (k StreamKey) Redacted() string {
	if len(k) <= 4 {
		return "****"
	}
	return string(k[:4]) + "****"
}

// Protocol tags an ingest protocol variant.
type Protocol string

const (
	ProtocolRTMP   Protocol = "rtmp"
	ProtocolSRT    Protocol = "srt"
	ProtocolWebRTC Protocol = "webrtc"
)

// Protocols lists the supported variants in a fixed order.
var Protocols = []Protocol{ProtocolRTMP, ProtocolSRT, ProtocolWebRTC}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// EncryptionPolicy controls per-segment content encryption for a channel.
type EncryptionPolicy struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	RotationSegments int  `yaml:"rotation_segments" json:"rotationSegments"`
}

// Channel is the catalog-owned configuration aggregate. The core never
// mutates it.
type Channel struct {
	ID            string           `yaml:"id" json:"id"`
	StreamKey     string           `yaml:"stream_key" json:"-"`
	Ladder        []RenditionSpec  `yaml:"ladder" json:"ladder"`
	DVRWindow     time.Duration    `yaml:"dvr_window" json:"dvrWindow"`
	SegmentTarget time.Duration    `yaml:"segment_target" json:"segmentTarget"`
	Encryption    EncryptionPolicy `yaml:"encryption" json:"encryption"`
}

const hashedKeyPrefix = "sha256:"

// MatchKey compares a presented stream key against the stored form, which is
// either plaintext or "sha256:<hex>". The comparison is constant time.
func (c Channel) MatchKey(presented StreamKey) bool {
	stored := c.StreamKey
	if stored == "" {
		return false
	}
	if strings.HasPrefix(stored, hashedKeyPrefix) {
		want, err := hex.DecodeString(strings.TrimPrefix(stored, hashedKeyPrefix))
		if err != nil {
			return false
		}
		got := sha256.Sum256([]byte(presented))
		return subtle.ConstantTimeCompare(want, got[:]) == 1
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// HashStreamKey returns the stored "sha256:<hex>" form of a key.
func HashStreamKey(k StreamKey) string {
	sum := sha256.Sum256([]byte(k))
	return hashedKeyPrefix + hex.EncodeToString(sum[:])
}

// SourceInfo describes the input as announced by the publish handshake.
type SourceInfo struct {
	VideoCodec string
	Profile    string
	Width      int
	Height     int
	FrameRate  float64
	Bitrate    int // kbit/s, 0 when unknown
	AudioCodec string
}
