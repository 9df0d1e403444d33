package packager

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/xglive/internal/media"
)

type mpd struct {
	XMLName               xml.Name `xml:"MPD"`
	Xmlns                 string   `xml:"xmlns,attr"`
	XmlnsCenc             string   `xml:"xmlns:cenc,attr,omitempty"`
	Profiles              string   `xml:"profiles,attr"`
	Type                  string   `xml:"type,attr"`
	MinBufferTime         string   `xml:"minBufferTime,attr"`
	AvailabilityStartTime string   `xml:"availabilityStartTime,attr,omitempty"`
	PublishTime           string   `xml:"publishTime,attr,omitempty"`
	MinimumUpdatePeriod   string   `xml:"minimumUpdatePeriod,attr,omitempty"`
	TimeShiftBufferDepth  string   `xml:"timeShiftBufferDepth,attr,omitempty"`
	PresentationDuration  string   `xml:"mediaPresentationDuration,attr,omitempty"`
	Periods               []period `xml:"Period"`
}

type period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	AdaptationSets []adaptationSet `xml:"AdaptationSet"`
}

type adaptationSet struct {
	MimeType         string              `xml:"mimeType,attr"`
	SegmentAlignment bool                `xml:"segmentAlignment,attr"`
	Protection       []contentProtection `xml:"ContentProtection,omitempty"`
	Representations  []representation    `xml:"Representation"`
}

type contentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr,omitempty"`
	DefaultKID  string `xml:"cenc:default_KID,attr,omitempty"`
}

type representation struct {
	ID        string          `xml:"id,attr"`
	Bandwidth uint32          `xml:"bandwidth,attr"`
	Width     int             `xml:"width,attr,omitempty"`
	Height    int             `xml:"height,attr,omitempty"`
	Codecs    string          `xml:"codecs,attr,omitempty"`
	Template  segmentTemplate `xml:"SegmentTemplate"`
}

type segmentTemplate struct {
	Timescale   int             `xml:"timescale,attr"`
	Media       string          `xml:"media,attr"`
	StartNumber uint64          `xml:"startNumber,attr"`
	Timeline    segmentTimeline `xml:"SegmentTimeline"`
}

type segmentTimeline struct {
	S []timelineEntry `xml:"S"`
}

type timelineEntry struct {
	T *int64 `xml:"t,attr,omitempty"`
	D int64  `xml:"d,attr"`
	R int    `xml:"r,attr,omitempty"`
}

const dashTimescale = 1000

// isoDuration renders d as an xs:duration ("PT2.5S").
func isoDuration(d time.Duration) string {
	return "PT" + strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "S"
}

// timeline builds SegmentTimeline entries in milliseconds. An explicit start
// time is written for the first entry and after every discontinuity; runs of
// equal durations are folded with r.
func timeline(entries []Entry) []timelineEntry {
	var out []timelineEntry
	var next int64
	for i, e := range entries {
		d := e.Duration.Milliseconds()
		explicit := i == 0 || e.Discontinuity
		if !explicit && len(out) > 0 && out[len(out)-1].D == d {
			out[len(out)-1].R++
			next += d
			continue
		}
		te := timelineEntry{D: d}
		if explicit {
			t := e.PTS.Milliseconds()
			if i > 0 && t < next {
				// A new timeline after a discontinuity may restart at zero.
				t = next
			}
			te.T = &t
			next = t
		}
		out = append(out, te)
		next += d
	}
	return out
}

// RenderDASH renders one MPD for a channel from the available snapshots. The
// presentation is dynamic until every snapshot has ended.
func RenderDASH(snaps []*Snapshot, now time.Time) ([]byte, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("render dash: no renditions")
	}
	doc := mpd{
		Xmlns:         "urn:mpeg:dash:schema:mpd:2011",
		Profiles:      "urn:mpeg:dash:profile:mp2t-simple:2011",
		MinBufferTime: isoDuration(snaps[0].Target),
	}
	ended := true
	started := snaps[0].StartedAt
	var depth time.Duration
	var total time.Duration
	set := adaptationSet{MimeType: media.SegmentContentType, SegmentAlignment: true}
	keyIDs := map[string]struct{}{}
	for _, s := range snaps {
		if !s.Ended {
			ended = false
		}
		if s.StartedAt.Before(started) {
			started = s.StartedAt
		}
		var span time.Duration
		for _, e := range s.Entries {
			span += e.Duration
			if e.KeyID != "" {
				keyIDs[e.KeyID] = struct{}{}
			}
		}
		if span > depth {
			depth = span
		}
		if len(s.Entries) > 0 {
			last := s.Entries[len(s.Entries)-1]
			if end := last.PTS + last.Duration; end > total {
				total = end
			}
		}
		set.Representations = append(set.Representations, representation{
			ID:        s.Spec.Name,
			Bandwidth: s.Spec.Bandwidth(),
			Width:     s.Spec.Width,
			Height:    s.Spec.Height,
			Codecs:    s.Spec.Codec,
			Template: segmentTemplate{
				Timescale:   dashTimescale,
				Media:       "$RepresentationID$/$Number$.ts",
				StartNumber: s.MediaSequence(),
				Timeline:    segmentTimeline{S: timeline(s.Entries)},
			},
		})
	}
	if len(keyIDs) > 0 {
		doc.XmlnsCenc = "urn:mpeg:cenc:2013"
		set.Protection = append(set.Protection, contentProtection{
			SchemeIDURI: "urn:mpeg:dash:mp4protection:2011",
			Value:       "cbc1",
		})
		for _, s := range snaps {
			if n := len(s.Entries); n > 0 && s.Entries[n-1].KeyID != "" {
				set.Protection[0].DefaultKID = s.Entries[n-1].KeyID
				break
			}
		}
	}

	if ended {
		doc.Type = "static"
		doc.PresentationDuration = isoDuration(total)
	} else {
		doc.Type = "dynamic"
		doc.AvailabilityStartTime = started.UTC().Format(time.RFC3339)
		doc.PublishTime = now.UTC().Format(time.RFC3339)
		doc.MinimumUpdatePeriod = isoDuration(snaps[0].Target)
		doc.TimeShiftBufferDepth = isoDuration(depth)
	}
	doc.Periods = []period{{ID: "0", Start: "PT0S", AdaptationSets: []adaptationSet{set}}}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render dash: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
