package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type object struct {
	body        []byte
	contentType string
}

type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string]object
	fail    error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string]object)} }

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = object{body: body, contentType: aws.StringValue(in.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var ladder = []media.RenditionSpec{
	{Name: "hi", Width: 1280, Height: 720, VideoBitrate: 2500, AudioBitrate: 128, Codec: "h264"},
	{Name: "lo", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96, Codec: "h264"},
}

func newWindow(t *testing.T, st store.Store, segments int) *packager.Output {
	t.Helper()
	out, err := packager.NewOutput(
		media.Channel{ID: "news", SegmentTarget: 2 * time.Second, DVRWindow: time.Minute},
		ladder, st, nil,
		packager.Options{PutTimeout: time.Second, Now: testutil.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).Now},
	)
	require.NoError(t, err)
	ctx := context.Background()
	for _, spec := range ladder {
		seg := out.Segmenter(spec.Name)
		for i := 0; i < segments; i++ {
			start := time.Duration(i) * 2 * time.Second
			for pts := start; pts < start+2*time.Second; pts += 500 * time.Millisecond {
				typ := media.FrameDelta
				if pts == start {
					typ = media.FrameKey
				}
				require.NoError(t, seg.Push(ctx, media.Encoded{Frame: testutil.VideoFrame(typ, pts, byte(i))}))
			}
			require.NoError(t, seg.Push(ctx, media.Encoded{Cut: &media.Cut{PTS: start + 2*time.Second}}))
		}
	}
	return out
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"index.m3u8":   "application/vnd.apple.mpegurl",
		"a/b/0.ts":     "video/mp2t",
		"720p.mp4":     "video/mp4",
		"thumb_01.JPG": "image/jpeg",
		"poster.png":   "image/png",
		"README":       "application/octet-stream",
	}
	for name, want := range cases {
		assert.Equal(t, want, ContentType(name), name)
	}
}

func TestNewS3ExporterRequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(configWithBucket(""), store.NewMemoryBackend())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestExportWindow(t *testing.T) {
	backend := store.NewMemoryBackend()
	out := newWindow(t, backend, 3)
	api := newFakeS3()
	exp := NewExporter(api, "bucket", "/arch/", backend)

	root, err := exp.ExportWindow(context.Background(), out)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(root, "arch/news/"), root)
	_, err = time.Parse(windowLayout, strings.TrimPrefix(root, "arch/news/"))
	require.NoError(t, err)

	keys := api.keys()
	for _, name := range []string{"hi", "lo"} {
		for seq := 0; seq < 3; seq++ {
			assert.Contains(t, keys, "bucket/"+root+"/"+name+"/"+media.SegmentName(uint64(seq)))
		}
		pl := api.objects["bucket/"+root+"/"+name+"/index.m3u8"]
		assert.Equal(t, packager.HLSContentType, pl.contentType)
		assert.Contains(t, string(pl.body), "#EXT-X-ENDLIST")
		assert.Contains(t, string(pl.body), "#EXT-X-PLAYLIST-TYPE:VOD")
	}
	master := api.objects["bucket/"+root+"/master.m3u8"]
	assert.Contains(t, string(master.body), "hi/index.m3u8")
	assert.Len(t, keys, 2*3+2+1)
}

func TestExportWindowSkipsEvictedSegments(t *testing.T) {
	backend := store.NewMemoryBackend()
	out := newWindow(t, backend, 3)
	require.NoError(t, backend.Evict(context.Background(), media.NewRenditionID("news", "hi"), 1))

	api := newFakeS3()
	root, err := NewExporter(api, "bucket", "", backend).ExportWindow(context.Background(), out)
	require.NoError(t, err)

	keys := api.keys()
	assert.NotContains(t, keys, "bucket/"+root+"/hi/"+media.SegmentName(0))
	pl := string(api.objects["bucket/"+root+"/hi/index.m3u8"].body)
	assert.NotContains(t, pl, media.SegmentName(0))
	assert.Contains(t, pl, "#EXT-X-MEDIA-SEQUENCE:1")
}

func TestExportWindowEmpty(t *testing.T) {
	backend := store.NewMemoryBackend()
	out := newWindow(t, backend, 0)
	_, err := NewExporter(newFakeS3(), "bucket", "", backend).ExportWindow(context.Background(), out)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestExportWindowPutFailure(t *testing.T) {
	backend := store.NewMemoryBackend()
	out := newWindow(t, backend, 1)
	api := newFakeS3()
	api.fail = errors.New("access denied")
	_, err := NewExporter(api, "bucket", "", backend).ExportWindow(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestExportDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "720p"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "720p", "index.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "720p", "seg_000.ts"), []byte{0x47}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumb_01.jpg"), []byte{0xff}, 0o644))

	api := newFakeS3()
	n, err := NewExporter(api, "vod", "media", nil).ExportDir(context.Background(), dir, "abc")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{
		"vod/media/videos/abc/720p/index.m3u8",
		"vod/media/videos/abc/720p/seg_000.ts",
		"vod/media/videos/abc/master.m3u8",
		"vod/media/videos/abc/thumb_01.jpg",
	}, api.keys())
	assert.Equal(t, "video/mp2t", api.objects["vod/media/videos/abc/720p/seg_000.ts"].contentType)
}

func configWithBucket(bucket string) config.ArchiveConfig {
	return config.ArchiveConfig{Bucket: bucket, Region: "us-east-1"}
}
