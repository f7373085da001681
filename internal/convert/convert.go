package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

// Validator decides whether a conversion attempt produced a healthy file.
// Tool exit codes never decide success on their own.
type Validator interface {
	Check(ctx context.Context, path string) validate.Report
}

// Result describes a committed conversion. Warning is set when the tool
// exited non-zero but the output still validated.
type Result struct {
	OutputPath string
	Backend    string
	Warning    string
}

type Converter struct {
	Backends  []Backend
	Validator Validator
	Timeout   time.Duration
}

func NewConverter(cfg *utils.Settings) *Converter {
	timeout := cfg.ConvertTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Converter{
		Backends:  []Backend{NewFFmpegBackend(cfg.FFmpegPath), NewVLCBackend(cfg.VLCPath)},
		Validator: validate.NewChecker(cfg.FFprobePath),
		Timeout:   timeout,
	}
}

// Available reports whether at least one backend can run on this machine.
// Callers that treat conversion as best-effort check this before Convert so
// a machine without tools keeps its downloads in the original format.
func (c *Converter) Available() bool {
	for _, backend := range c.Backends {
		if backend.Available() {
			return true
		}
	}
	return false
}

type attemptRecord struct {
	Tag     string
	Backend string
	Exit    string
	Reason  string
	Output  string
}

// Convert re-encodes src into an H.264/AAC MP4 at dst, trying each backend
// in order. Every attempt writes to a unique temp path next to dst and only
// a validated temp is renamed into place, so dst is never left half written.
// When all backends fail, src moves to the quarantine directory with a log
// of every attempt.
func (c *Converter) Convert(ctx context.Context, src, dst string, stream func(string)) (*Result, error) {
	src = utils.SanitizePath(src)
	dst = utils.SanitizePath(dst)
	if src == "" || dst == "" {
		return nil, fmt.Errorf("error sanitizing conversion paths: %w", utils.ErrInvalidPath)
	}
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	var attempts []attemptRecord
	for i, backend := range c.Backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !backend.Available() {
			log.Debug().Str("op", "convert").Msgf("Backend %s not available, skipping", backend.Name())
			continue
		}
		tag := fmt.Sprintf("%s_%d_%d", stem, time.Now().Unix(), i+1)
		tempPath := fmt.Sprintf("%s.%s.temp.mp4", dst, uuid.New().String())
		log.Debug().Str("op", "convert").Msgf("Attempt %s with %s", tag, backend.Name())
		runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		toolOutput, runErr := backend.Convert(runCtx, src, tempPath, stream)
		cancel()
		report := c.Validator.Check(ctx, tempPath)
		if report.OK {
			warning := ""
			if runErr != nil {
				warning = fmt.Sprintf("%s exited with an error but produced valid output", backend.Name())
				log.Warn().Str("op", "convert").Err(runErr).Msgf("Committing %s despite tool error, output validated", filepath.Base(dst))
			}
			if err := os.Rename(tempPath, dst); err != nil {
				os.Remove(tempPath)
				return nil, fmt.Errorf("error committing converted file: %v", err)
			}
			log.Info().Str("op", "convert").Msgf("Converted %s with %s", filepath.Base(dst), backend.Name())
			return &Result{OutputPath: dst, Backend: backend.Name(), Warning: warning}, nil
		}
		os.Remove(tempPath)
		exit := "clean exit"
		if runErr != nil {
			exit = runErr.Error()
		}
		attempts = append(attempts, attemptRecord{
			Tag:     tag,
			Backend: backend.Name(),
			Exit:    exit,
			Reason:  report.Reason,
			Output:  toolOutput,
		})
		log.Debug().Str("op", "convert").Msgf("Attempt %s failed validation: %s", tag, report.Reason)
	}
	if len(attempts) == 0 {
		return nil, fmt.Errorf("no conversion backend available")
	}
	if err := c.quarantine(src, attempts); err != nil {
		log.Warn().Str("op", "convert").Err(err).Msg("Error quarantining failed conversion")
	}
	return nil, fmt.Errorf("all conversion backends failed for %s", filepath.Base(src))
}

// quarantine moves the unconvertible source into failed_conversions next to
// it and writes a per-attempt error log alongside.
func (c *Converter) quarantine(src string, attempts []attemptRecord) error {
	failedDir := filepath.Join(filepath.Dir(src), utils.FailedDirName)
	if err := os.MkdirAll(failedDir, 0755); err != nil {
		return fmt.Errorf("error creating quarantine directory: %v", err)
	}
	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.Rename(src, filepath.Join(failedDir, base)); err != nil {
		return fmt.Errorf("error moving %s to quarantine: %v", base, err)
	}
	logPath := filepath.Join(failedDir, fmt.Sprintf("%s_error_%d.log", stem, time.Now().Unix()))
	var b strings.Builder
	fmt.Fprintf(&b, "conversion failed for %s\n\n", base)
	for _, a := range attempts {
		fmt.Fprintf(&b, "attempt %s (%s)\n", a.Tag, a.Backend)
		fmt.Fprintf(&b, "exit: %s\n", a.Exit)
		fmt.Fprintf(&b, "validation: %s\n", a.Reason)
		if a.Output != "" {
			fmt.Fprintf(&b, "output:\n%s\n", a.Output)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(logPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing quarantine log: %v", err)
	}
	log.Info().Str("op", "convert").Msgf("Quarantined %s with %d attempt logs", base, len(attempts))
	return nil
}
