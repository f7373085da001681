package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

const maxBackoff = 30 * time.Second

// fetchPayload downloads the record's media URL into the staging directory
// and returns the .part path with the sniffed payload type. The caller owns
// cleanup of the returned path.
func (o *Orchestrator) fetchPayload(ctx context.Context, job *utils.MemoryJob) (string, validate.PayloadType, error) {
	tempDir, err := utils.TempDir(job.OutputDir)
	if err != nil {
		return "", validate.PayloadUnknown, err
	}
	partPath := filepath.Join(tempDir, job.Record.BaseName()+".part")
	kind, err := o.fetchTo(ctx, job, job.Record.MediaURL, partPath, true)
	if err != nil {
		os.Remove(partPath)
		return "", kind, err
	}
	return partPath, kind, nil
}

// fetchTo retries whole-file attempts with exponential backoff. Attempts
// truncate rather than resume: memory payloads are small and presigned links
// can expire mid-flight, so a partial range is worthless.
func (o *Orchestrator) fetchTo(ctx context.Context, job *utils.MemoryJob, rawURL, partPath string, progress bool) (validate.PayloadType, error) {
	retries := job.Retries
	if retries <= 0 {
		retries = utils.DefaultRetries
	}
	backoffBase := o.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	var lastErr error
	var kind validate.PayloadType
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			delay := min(backoffBase<<(attempt-2), maxBackoff)
			if progress {
				job.Stream(fmt.Sprintf("Retry attempt %d/%d after %s wait", attempt, retries, delay))
			}
			log.Debug().Str("op", "download/fetch").Msgf("Retrying %s in %s (attempt %d/%d)", job.Record.BaseName(), delay, attempt, retries)
			select {
			case <-ctx.Done():
				return kind, ctx.Err()
			case <-time.After(delay):
			}
		} else if progress {
			job.Stream(fmt.Sprintf("Attempting download (1/%d)", retries))
		}
		kind, lastErr = o.attemptFetch(ctx, job, rawURL, partPath, progress)
		if lastErr == nil {
			return kind, nil
		}
		if ctx.Err() != nil {
			return kind, ctx.Err()
		}
		if progress {
			job.Stream(fmt.Sprintf("Attempt %d/%d failed: %v", attempt, retries, lastErr))
		}
		log.Warn().Str("op", "download/fetch").Err(lastErr).Msgf("Attempt %d/%d failed for %s", attempt, retries, job.Record.BaseName())
	}
	return kind, fmt.Errorf("download failed after %d attempts: %w", retries, lastErr)
}

func (o *Orchestrator) attemptFetch(ctx context.Context, job *utils.MemoryJob, rawURL, partPath string, progress bool) (validate.PayloadType, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return validate.PayloadUnknown, fmt.Errorf("error creating GET request: %v", err)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := o.Client.Do(req)
	if err != nil {
		return validate.PayloadUnknown, fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return validate.PayloadUnknown, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return validate.PayloadUnknown, fmt.Errorf("error reading response head: %v", err)
	}
	kind := validate.Sniff(head[:n])
	if kind == validate.PayloadHTML {
		return kind, fmt.Errorf("%w: link likely expired", utils.ErrHTMLPayload)
	}
	if kind == validate.PayloadUnknown {
		return kind, fmt.Errorf("%w: unrecognized header bytes", utils.ErrUnknownPayload)
	}
	written, err := writePayload(job, resp, head[:n], partPath, progress)
	if err != nil {
		return kind, err
	}
	if written < utils.MinValidSize {
		return kind, fmt.Errorf("%w: got %d bytes", utils.ErrPayloadTooSmall, written)
	}
	return kind, nil
}

// writePayload streams the response body into partPath, truncating any
// earlier attempt. Progress flows through a channel so the callback never
// runs on the copy path.
func writePayload(job *utils.MemoryJob, resp *http.Response, head []byte, partPath string, progress bool) (int64, error) {
	outFile, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("error creating staging file: %v", err)
	}
	defer outFile.Close()

	total := resp.ContentLength
	progressCh := make(chan int64, 100)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		var downloaded int64
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case b, ok := <-progressCh:
				if !ok {
					if progress && job.ProgressFunc != nil {
						job.ProgressFunc(downloaded, total)
					}
					return
				}
				downloaded += b
			case <-ticker.C:
				if progress && job.ProgressFunc != nil {
					job.ProgressFunc(downloaded, total)
				}
			}
		}
	}()
	progressClosed := false
	closeProgress := func() {
		if !progressClosed {
			progressClosed = true
			close(progressCh)
			<-progressDone
		}
	}
	defer closeProgress()

	var written int64
	if len(head) > 0 {
		if _, err := outFile.Write(head); err != nil {
			return 0, fmt.Errorf("error writing staging file: %v", err)
		}
		written += int64(len(head))
		progressCh <- int64(len(head))
	}
	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := outFile.Write(buffer[:bytesRead]); writeErr != nil {
				return written, fmt.Errorf("error writing staging file: %v", writeErr)
			}
			written += int64(bytesRead)
			progressCh <- int64(bytesRead)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, fmt.Errorf("error reading response body: %v", readErr)
		}
	}
	outFile.Sync()
	closeProgress()
	return written, nil
}
