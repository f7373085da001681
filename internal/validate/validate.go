package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tanq16/snapgrab/internal/utils"
)

// Report describes a file's structural health. It is a pure function of the
// file's current bytes and says nothing about how the file was produced.
type Report struct {
	OK       bool
	Duration float64 // seconds
	Codec    string
	HasVideo bool
	Size     int64
	Reason   string
}

// Checker probes media files with ffprobe. When ffprobe is missing it
// degrades to size checks so the pipeline still runs, just with weaker
// guarantees.
type Checker struct {
	FFprobePath string
	MinSize     int64
	Timeout     time.Duration
}

func NewChecker(ffprobePath string) *Checker {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Checker{
		FFprobePath: ffprobePath,
		MinSize:     utils.MinValidSize,
		Timeout:     10 * time.Second,
	}
}

func (c *Checker) Available() bool {
	_, err := exec.LookPath(c.FFprobePath)
	return err == nil
}

// Check validates a video file: it must exist, clear the size floor, carry a
// decodable video stream, and have a positive duration. Tool exit codes play
// no part in the verdict anywhere this report is consumed.
func (c *Checker) Check(ctx context.Context, path string) Report {
	report, ok := c.statCheck(path)
	if !ok {
		return report
	}
	if !c.Available() {
		report.OK = true
		return report
	}
	out, err := c.probe(ctx, path)
	if err != nil {
		report.Reason = fmt.Sprintf("probe failed: %v", err)
		return report
	}
	fillReport(&report, out)
	if !report.HasVideo {
		report.Reason = "no decodable video stream"
		return report
	}
	if report.Duration <= 0 {
		report.Reason = "no measurable duration"
		return report
	}
	report.OK = true
	return report
}

// CheckAny validates by extension: video rules for video files, existence
// and size for everything else.
func (c *Checker) CheckAny(ctx context.Context, path string) Report {
	if IsVideoExt(path) {
		return c.Check(ctx, path)
	}
	report, ok := c.statCheck(path)
	if ok {
		report.OK = true
	}
	return report
}

// Codec returns the first video stream's codec name, for resume planning.
func (c *Checker) Codec(ctx context.Context, path string) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("ffprobe not available")
	}
	out, err := c.probe(ctx, path)
	if err != nil {
		return "", err
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			return s.CodecName, nil
		}
	}
	return "", fmt.Errorf("no video stream in %s", path)
}

func (c *Checker) statCheck(path string) (Report, bool) {
	var report Report
	if path == "" {
		report.Reason = "empty path"
		return report, false
	}
	info, err := os.Stat(path)
	if err != nil {
		report.Reason = fmt.Sprintf("file does not exist: %v", err)
		return report, false
	}
	if info.IsDir() {
		report.Reason = "path is a directory"
		return report, false
	}
	report.Size = info.Size()
	if report.Size < c.MinSize {
		report.Reason = fmt.Sprintf("file too small to be valid media (%d bytes)", report.Size)
		return report, false
	}
	return report, true
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
}

func (c *Checker) probe(ctx context.Context, path string) (*probeOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration,size:stream=codec_name,codec_type",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("error running ffprobe: %v", err)
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(data []byte) (*probeOutput, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error parsing ffprobe output: %v", err)
	}
	return &out, nil
}

func fillReport(report *Report, out *probeOutput) {
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		report.Duration = d
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			report.HasVideo = true
			if report.Codec == "" {
				report.Codec = s.CodecName
			}
		}
	}
}

// PayloadType classifies a payload by its leading bytes.
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadZip
	PayloadJPEG
	PayloadPNG
	PayloadMP4
	PayloadHTML
)

func (p PayloadType) String() string {
	switch p {
	case PayloadZip:
		return "zip"
	case PayloadJPEG:
		return "jpeg"
	case PayloadPNG:
		return "png"
	case PayloadMP4:
		return "mp4"
	case PayloadHTML:
		return "html"
	default:
		return "unknown"
	}
}

// Sniff identifies a payload from its head bytes. Servers answer expired
// memory URLs with HTML error pages, so that case is detected explicitly
// rather than lumped into unknown.
func Sniff(head []byte) PayloadType {
	lower := bytes.ToLower(head)
	if bytes.HasPrefix(lower, []byte("<!doc")) || bytes.HasPrefix(lower, []byte("<html")) ||
		bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype")) {
		return PayloadHTML
	}
	if bytes.HasPrefix(head, []byte("PK\x03\x04")) {
		return PayloadZip
	}
	if bytes.HasPrefix(head, []byte{0xff, 0xd8}) {
		return PayloadJPEG
	}
	if bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")) {
		return PayloadPNG
	}
	if len(head) >= 12 {
		switch string(head[4:8]) {
		case "ftyp", "mdat", "moov", "wide":
			return PayloadMP4
		}
	}
	return PayloadUnknown
}

var mediaExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".mp4": true, ".mov": true, ".m4v": true, ".heic": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".avi": true, ".mkv": true,
}

func IsMediaExt(name string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(name))]
}

func IsVideoExt(name string) bool {
	return videoExts[strings.ToLower(filepath.Ext(name))]
}
