package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/tanq16/snapgrab/internal/utils"
)

// Backend runs one external conversion tool. Convert returns the tool's
// combined output so failed runs can be written to the quarantine log.
type Backend interface {
	Name() string
	Available() bool
	Convert(ctx context.Context, src, dst string, stream func(string)) (string, error)
}

type FFmpegBackend struct {
	path string
}

func NewFFmpegBackend(path string) *FFmpegBackend {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegBackend{path: path}
}

func (b *FFmpegBackend) Name() string {
	return "ffmpeg"
}

func (b *FFmpegBackend) Available() bool {
	_, err := exec.LookPath(b.path)
	return err == nil
}

func (b *FFmpegBackend) Convert(ctx context.Context, src, dst string, stream func(string)) (string, error) {
	args := []string{
		"-y", "-nostats",
		"-i", src,
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "veryfast",
		"-c:a", "aac",
		dst,
	}
	return utils.RunCommand(ctx, stream, b.path, args...)
}

type VLCBackend struct {
	path string
}

func NewVLCBackend(path string) *VLCBackend {
	if path == "" {
		path = findVLC()
	}
	return &VLCBackend{path: path}
}

func (b *VLCBackend) Name() string {
	return "vlc"
}

func (b *VLCBackend) Available() bool {
	return b.path != ""
}

func (b *VLCBackend) Convert(ctx context.Context, src, dst string, stream func(string)) (string, error) {
	sout := fmt.Sprintf("#transcode{vcodec=h264,venc=x264{preset=medium,profile=main},acodec=mp3,ab=192,channels=2,samplerate=44100}:standard{access=file,mux=mp4,dst=%s}", dst)
	args := []string{
		"-I", "dummy",
		"--no-repeat",
		"--no-loop",
		src,
		"--sout", sout,
		"vlc://quit",
	}
	return utils.RunCommand(ctx, stream, b.path, args...)
}

// findVLC resolves the VLC binary from PATH first, then the install
// locations VLC uses on each platform.
func findVLC() string {
	if path, err := exec.LookPath("vlc"); err == nil {
		return path
	}
	var candidates []string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{
			`C:\Program Files\VideoLAN\VLC\vlc.exe`,
			`C:\Program Files (x86)\VideoLAN\VLC\vlc.exe`,
		}
	case "darwin":
		candidates = []string{"/Applications/VLC.app/Contents/MacOS/VLC"}
	default:
		candidates = []string{"/usr/bin/vlc", "/usr/local/bin/vlc", "/snap/bin/vlc"}
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
