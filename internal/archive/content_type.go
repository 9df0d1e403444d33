package archive

import (
	"path"
	"strings"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
)

var contentTypes = map[string]string{
	".m3u8": packager.HLSContentType,
	".mpd":  packager.DASHContentType,
	".ts":   media.SegmentContentType,
	".mp4":  "video/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// ContentType returns the object content type for a file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
