package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/tanq16/snapgrab/internal/utils"
)

type ffmpegProcessor struct {
	ffmpeg    string
	ffprobe   string
	validator Validator
	timeout   time.Duration
}

func newFFmpegProcessor(ffmpegPath, ffprobePath string, validator Validator, timeout time.Duration) *ffmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ffmpegProcessor{
		ffmpeg:    ffmpegPath,
		ffprobe:   ffprobePath,
		validator: validator,
		timeout:   timeout,
	}
}

// Merge burns the overlay onto the base video. The overlay input loops so a
// single frame covers the whole clip, and shortest pins the output to the
// base duration.
func (p *ffmpegProcessor) Merge(ctx context.Context, base, overlay, dst string, stream func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	args := []string{
		"-y", "-nostats",
		"-i", base,
		"-loop", "1",
		"-i", overlay,
		"-filter_complex", "overlay=0:0:shortest=1",
		"-c:a", "copy",
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "veryfast",
		dst,
	}
	output, err := utils.RunCommand(ctx, stream, p.ffmpeg, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, output)
	}
	return nil
}

// EnsurePortrait bakes rotation metadata into pixels and turns untagged
// landscape clips upright. The rotated file replaces the input only after
// it validates.
func (p *ffmpegProcessor) EnsurePortrait(ctx context.Context, path string, stream func(string)) error {
	rotation, width, height, err := p.probeOrientation(ctx, path)
	if err != nil {
		return fmt.Errorf("error probing orientation: %v", err)
	}
	var filter string
	switch rotation {
	case 90:
		filter = "transpose=1"
	case 270:
		filter = "transpose=2"
	case 180:
		filter = "transpose=1,transpose=1"
	default:
		if width > height {
			filter = "transpose=1"
		}
	}
	if filter == "" {
		return nil
	}
	temp := path + ".rotate.mp4"
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	args := []string{
		"-y", "-nostats", "-noautorotate",
		"-i", path,
		"-vf", filter,
		"-c:a", "copy",
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "veryfast",
		temp,
	}
	output, err := utils.RunCommand(runCtx, stream, p.ffmpeg, args...)
	if err != nil {
		os.Remove(temp)
		return fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, output)
	}
	if report := p.validator.Check(ctx, temp); !report.OK {
		os.Remove(temp)
		return fmt.Errorf("rotated output failed validation: %s", report.Reason)
	}
	return os.Rename(temp, path)
}

type orientationOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
		Tags   struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
	} `json:"streams"`
}

func (p *ffmpegProcessor) probeOrientation(ctx context.Context, path string) (rotation, width, height int, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:stream_tags=rotate",
		"-of", "json",
		path,
	)
	data, err := cmd.Output()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("error running ffprobe: %v", err)
	}
	return parseOrientation(data)
}

func parseOrientation(data []byte) (rotation, width, height int, err error) {
	var out orientationOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, 0, fmt.Errorf("error parsing ffprobe output: %v", err)
	}
	if len(out.Streams) == 0 {
		return 0, 0, 0, fmt.Errorf("no video stream in probe output")
	}
	stream := out.Streams[0]
	if stream.Tags.Rotate != "" {
		r, convErr := strconv.Atoi(stream.Tags.Rotate)
		if convErr == nil {
			rotation = ((r % 360) + 360) % 360
		}
	}
	return rotation, stream.Width, stream.Height, nil
}
