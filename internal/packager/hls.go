package packager

import (
	"fmt"
	"math"
	"sort"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/grafov/m3u8"
)

// HLS content types.
const (
	HLSContentType  = "application/vnd.apple.mpegurl"
	DASHContentType = "application/dash+xml"
)

// RenderHLS renders a media playlist for one snapshot. Segment URIs are
// relative to the playlist: "<seq>.ts". Key tags are written on the first
// entry and wherever the key changes.
func RenderHLS(s *Snapshot) ([]byte, error) {
	return renderMedia(s, false)
}

// RenderVOD renders the snapshot as a closed VOD playlist, used when a
// finished channel window is archived.
func RenderVOD(s *Snapshot) ([]byte, error) {
	return renderMedia(s, true)
}

func renderMedia(s *Snapshot, vod bool) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("render hls: nil snapshot")
	}
	pl, err := m3u8.NewMediaPlaylist(0, uint(len(s.Entries)+1))
	if err != nil {
		return nil, fmt.Errorf("render hls: %w", err)
	}
	pl.SeqNo = s.MediaSequence()
	if vod {
		pl.MediaType = m3u8.VOD
	}

	target := math.Ceil(s.Target.Seconds())
	prevKey := ""
	for _, e := range s.Entries {
		if err := pl.Append(media.SegmentName(e.Sequence), e.Duration.Seconds(), ""); err != nil {
			return nil, fmt.Errorf("render hls: append %d: %w", e.Sequence, err)
		}
		if e.Discontinuity {
			if err := pl.SetDiscontinuity(); err != nil {
				return nil, fmt.Errorf("render hls: discontinuity %d: %w", e.Sequence, err)
			}
		}
		if e.KeyID != prevKey {
			method, uri := "AES-128", e.KeyURI
			if e.KeyID == "" {
				method, uri = "NONE", ""
			}
			if err := pl.SetKey(method, uri, "", "", ""); err != nil {
				return nil, fmt.Errorf("render hls: key %d: %w", e.Sequence, err)
			}
			prevKey = e.KeyID
		}
		if d := math.Ceil(e.Duration.Seconds()); d > target {
			target = d
		}
	}
	if target < 1 {
		target = 1
	}
	pl.TargetDuration = target
	if s.Ended || vod {
		pl.Close()
	}
	return pl.Encode().Bytes(), nil
}

// Variant is one entry of a master playlist.
type Variant struct {
	URI  string
	Spec media.RenditionSpec
}

// RenderMaster lists variants by bandwidth, highest first.
func RenderMaster(variants []Variant) []byte {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Spec.Bandwidth() > sorted[j].Spec.Bandwidth()
	})
	m := m3u8.NewMasterPlaylist()
	for _, v := range sorted {
		m.Append(v.URI, nil, m3u8.VariantParams{
			Bandwidth:  v.Spec.Bandwidth(),
			Resolution: v.Spec.Resolution(),
		})
	}
	return m.Encode().Bytes()
}

// MediaPlaylistURI is the master-relative URI of a rendition playlist.
func MediaPlaylistURI(name string) string { return name + "/index.m3u8" }
