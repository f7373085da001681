package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tanq16/snapgrab/internal/utils"
)

// dateLayout matches the export's fixed format, eg "2024-03-01 12:30:00 UTC".
const dateLayout = "2006-01-02 15:04:05 UTC"

type exportFile struct {
	SavedMedia []exportItem `json:"Saved Media"`
}

type exportItem struct {
	Date        string `json:"Date"`
	MediaType   string `json:"Media Type"`
	Location    string `json:"Location"`
	DownloadURL string `json:"Media Download Url"`
	OverlayURL  string `json:"Overlay Download Url"`
}

// ParseFile reads a memories_history.json export and returns one record per
// usable entry. Entries without a download URL or with an unparseable date
// are skipped with a warning; the run never aborts on a single bad entry.
// Record indices keep the entry's original position so filenames stay stable
// across runs even when entries are skipped.
func ParseFile(path string) ([]utils.MemoryRecord, error) {
	log := utils.GetLogger("export")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading export file: %v", err)
	}
	var parsed exportFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("error parsing export file: %v", err)
	}
	if len(parsed.SavedMedia) == 0 {
		return nil, fmt.Errorf("no saved media entries in export file")
	}

	var records []utils.MemoryRecord
	for i, item := range parsed.SavedMedia {
		if item.DownloadURL == "" {
			log.Warn().Int("entry", i+1).Msg("Skipping entry without download URL")
			continue
		}
		ts, err := time.Parse(dateLayout, item.Date)
		if err != nil {
			log.Warn().Int("entry", i+1).Str("date", item.Date).Msg("Skipping entry with invalid date")
			continue
		}
		lat, lon := parseLocation(item.Location)
		records = append(records, utils.MemoryRecord{
			ID:         uuid.New().String(),
			Kind:       kindFromMediaType(item.MediaType),
			Timestamp:  ts,
			Latitude:   lat,
			Longitude:  lon,
			MediaURL:   item.DownloadURL,
			OverlayURL: item.OverlayURL,
			Index:      i + 1,
		})
	}
	log.Debug().Int("count", len(records)).Int("entries", len(parsed.SavedMedia)).Msg("Records loaded from export")
	return records, nil
}

// parseLocation reads the export's "Latitude, Longitude: <lat>, <lon>" form.
// Anything malformed (including "N/A") yields nil coordinates, never an error.
func parseLocation(s string) (*float64, *float64) {
	if s == "" || s == "N/A" {
		return nil, nil
	}
	parts := strings.SplitN(s, ": ", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	coords := strings.SplitN(parts[1], ", ", 2)
	if len(coords) != 2 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
	if err != nil {
		return nil, nil
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
	if err != nil {
		return nil, nil
	}
	return &lat, &lon
}

func kindFromMediaType(s string) utils.MediaKind {
	switch strings.ToLower(s) {
	case "image":
		return utils.KindImage
	case "video":
		return utils.KindVideo
	default:
		return utils.KindUnknown
	}
}
