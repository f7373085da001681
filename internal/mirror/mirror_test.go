package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/snapgrab/internal/utils"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		prefix  string
		wantErr bool
	}{
		{"s3://my-bucket/memories/2024", "my-bucket", "memories/2024", false},
		{"s3://my-bucket", "my-bucket", "", false},
		{"s3://my-bucket/", "my-bucket", "", false},
		{"s3://my-bucket/deep/prefix/", "my-bucket", "deep/prefix", false},
		{"https://example.com/x", "", "", true},
		{"s3://", "", "", true},
	}
	for _, tc := range tests {
		bucket, prefix, err := ParseTarget(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", tc.raw, err)
			continue
		}
		if bucket != tc.bucket || prefix != tc.prefix {
			t.Errorf("ParseTarget(%q) = %q, %q, want %q, %q", tc.raw, bucket, prefix, tc.bucket, tc.prefix)
		}
	}
}

func TestKeyFor(t *testing.T) {
	s := &Syncer{prefix: "memories/2024"}
	if got := s.keyFor("20240102_030405_7.jpg"); got != "memories/2024/20240102_030405_7.jpg" {
		t.Errorf("keyFor = %q", got)
	}
	s = &Syncer{}
	if got := s.keyFor("20240102_030405_7.jpg"); got != "20240102_030405_7.jpg" {
		t.Errorf("keyFor without prefix = %q", got)
	}
}

func TestCollectFilesSkipsWorkArtifacts(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, size int) {
		t.Helper()
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("20240102_030405_1.jpg", 500)
	write("20240102_030405_2.mp4", 900)
	write(filepath.Join(utils.TempDirName, "20240102_030405_3.part"), 100)
	write(filepath.Join(utils.FailedDirName, "bad.mp4"), 100)
	write("leftover.part", 50)
	write("clip.mp4.abc123.temp.mp4", 80)

	files, err := collectFiles(dir)
	if err != nil {
		t.Fatalf("collectFiles: %v", err)
	}
	got := map[string]int64{}
	for _, f := range files {
		got[f.rel] = f.size
	}
	if len(got) != 2 {
		t.Fatalf("collected %v, want exactly the two media files", got)
	}
	if got["20240102_030405_1.jpg"] != 500 || got["20240102_030405_2.mp4"] != 900 {
		t.Errorf("collected sizes wrong: %v", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"a.jpg":   "image/jpeg",
		"a.JPEG":  "image/jpeg",
		"a.png":   "image/png",
		"a.mp4":   "video/mp4",
		"a.mov":   "video/quicktime",
		"a.weird": "",
	}
	for p, want := range tests {
		if got := contentTypeFor(p); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", p, got, want)
		}
	}
}
