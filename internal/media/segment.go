package media

import "time"

// Segment is an immutable, sealed slice of one rendition's encoded stream.
// Once sealed it is never mutated, only evicted.
type Segment struct {
	Rendition     RenditionID   `json:"rendition"`
	Sequence      uint64        `json:"seq"`
	Duration      time.Duration `json:"duration"`
	PTS           time.Duration `json:"pts"`
	Payload       []byte        `json:"payload"`
	KeyID         string        `json:"keyId,omitempty"`
	Discontinuity bool          `json:"discontinuity,omitempty"`
	SealedAt      time.Time     `json:"sealedAt"`
}

// Size is the payload size in bytes.
func (s Segment) Size() int { return len(s.Payload) }

// ContentType of segment payloads served to players.
const SegmentContentType = "video/mp2t"
