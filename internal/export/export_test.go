package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/snapgrab/internal/utils"
)

const sampleExport = `{
  "Saved Media": [
    {
      "Date": "2024-03-01 12:30:00 UTC",
      "Media Type": "Video",
      "Location": "Latitude, Longitude: 40.712800, -74.006000",
      "Media Download Url": "https://example.com/m/1"
    },
    {
      "Date": "2024-03-02 08:15:45 UTC",
      "Media Type": "Image",
      "Location": "N/A",
      "Media Download Url": "https://example.com/m/2"
    },
    {
      "Date": "not a date",
      "Media Type": "Image",
      "Media Download Url": "https://example.com/m/3"
    },
    {
      "Date": "2024-03-04 10:00:00 UTC",
      "Media Type": "Image",
      "Media Download Url": ""
    },
    {
      "Date": "2024-03-05 23:59:59 UTC",
      "Media Type": "Slideshow",
      "Location": "garbage",
      "Media Download Url": "https://example.com/m/5"
    }
  ]
}`

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memories_history.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile(t *testing.T) {
	records, err := ParseFile(writeExport(t, sampleExport))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (bad date and missing URL skipped)", len(records))
	}

	first := records[0]
	if first.Kind != utils.KindVideo {
		t.Errorf("first record kind = %q", first.Kind)
	}
	if first.Index != 1 {
		t.Errorf("first record index = %d", first.Index)
	}
	if first.BaseName() != "20240301_123000_1" {
		t.Errorf("first record base name = %q", first.BaseName())
	}
	if first.Latitude == nil || *first.Latitude != 40.7128 {
		t.Errorf("first record latitude = %v", first.Latitude)
	}
	if first.Longitude == nil || *first.Longitude != -74.006 {
		t.Errorf("first record longitude = %v", first.Longitude)
	}
	if first.ID == "" {
		t.Error("record ID must be assigned")
	}

	second := records[1]
	if second.Kind != utils.KindImage {
		t.Errorf("second record kind = %q", second.Kind)
	}
	if second.Latitude != nil || second.Longitude != nil {
		t.Error("N/A location must yield nil coordinates")
	}

	// Indices track export positions, not the compacted slice.
	last := records[2]
	if last.Index != 5 {
		t.Errorf("last record index = %d, want export position 5", last.Index)
	}
	if last.Kind != utils.KindUnknown {
		t.Errorf("unrecognized media type should map to unknown, got %q", last.Kind)
	}
	if last.Latitude != nil {
		t.Error("malformed location must yield nil coordinates")
	}
}

func TestParseFileErrors(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file must error")
	}
	if _, err := ParseFile(writeExport(t, "not json")); err == nil {
		t.Error("malformed JSON must error")
	}
	if _, err := ParseFile(writeExport(t, `{"Saved Media": []}`)); err == nil {
		t.Error("empty export must error")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		wantNil bool
		lat     float64
		lon     float64
	}{
		{"Latitude, Longitude: 51.5, -0.12", false, 51.5, -0.12},
		{"Latitude, Longitude: -33.86, 151.2", false, -33.86, 151.2},
		{"N/A", true, 0, 0},
		{"", true, 0, 0},
		{"Latitude, Longitude: abc, def", true, 0, 0},
		{"no separator here", true, 0, 0},
	}
	for _, tt := range tests {
		lat, lon := parseLocation(tt.in)
		if tt.wantNil {
			if lat != nil || lon != nil {
				t.Errorf("parseLocation(%q) = %v, %v, want nils", tt.in, lat, lon)
			}
			continue
		}
		if lat == nil || lon == nil {
			t.Errorf("parseLocation(%q) returned nil", tt.in)
			continue
		}
		if *lat != tt.lat || *lon != tt.lon {
			t.Errorf("parseLocation(%q) = %v, %v", tt.in, *lat, *lon)
		}
	}
}
