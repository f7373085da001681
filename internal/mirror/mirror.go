package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/utils"
)

// Syncer mirrors a local memories directory into an S3 prefix. Objects whose
// remote size already matches are skipped, so repeat runs only move new or
// changed files.
type Syncer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	workers  int
}

type Summary struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

type localFile struct {
	path string
	rel  string
	size int64
}

func ParseTarget(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "s3://") {
		return "", "", fmt.Errorf("mirror target must be an s3:// URL, got %s", raw)
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, "s3://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("mirror target has no bucket: %s", raw)
	}
	prefix := ""
	if len(parts) > 1 {
		prefix = strings.Trim(parts[1], "/")
	}
	return parts[0], prefix, nil
}

func NewSyncer(target, profile string, workers int) (*Syncer, error) {
	bucket, prefix, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
		if profile == "" {
			profile = "default"
		}
	}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithSharedConfigProfile(profile),
		config.WithRetryMode("adaptive"),
	)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 2 * utils.DefaultBufferSize
		u.Concurrency = 4
	})
	if workers < 1 {
		workers = 1
	}
	return &Syncer{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		workers:  workers,
	}, nil
}

func (s *Syncer) Sync(ctx context.Context, dir string, stream func(string)) (*Summary, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &Summary{}, nil
	}
	remote, err := s.listRemoteSizes(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("op", "mirror/sync").Msgf("Found %d local files, %d remote objects under s3://%s/%s", len(files), len(remote), s.bucket, s.prefix)

	jobCh := make(chan localFile, len(files))
	for _, f := range files {
		jobCh <- f
	}
	close(jobCh)

	var uploaded, skipped, bytes int64
	var mu sync.Mutex
	var syncErr error
	numWorkers := min(s.workers, len(files))
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobCh {
				if ctx.Err() != nil {
					return
				}
				key := s.keyFor(f.rel)
				if size, ok := remote[key]; ok && size == f.size {
					atomic.AddInt64(&skipped, 1)
					continue
				}
				if err := s.upload(ctx, f, key); err != nil {
					mu.Lock()
					if syncErr == nil {
						syncErr = fmt.Errorf("error uploading %s: %v", f.rel, err)
					}
					mu.Unlock()
					return
				}
				atomic.AddInt64(&uploaded, 1)
				atomic.AddInt64(&bytes, f.size)
				if stream != nil {
					stream(fmt.Sprintf("Uploaded %s (%s)", f.rel, utils.FormatBytes(uint64(f.size))))
				}
			}
		}()
	}
	wg.Wait()
	if syncErr != nil {
		return nil, syncErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	summary := &Summary{
		Uploaded: int(uploaded),
		Skipped:  int(skipped),
		Bytes:    bytes,
	}
	log.Info().Str("op", "mirror/sync").Msgf("Mirrored %d files (%d skipped) to s3://%s/%s", summary.Uploaded, summary.Skipped, s.bucket, s.prefix)
	return summary, nil
}

func (s *Syncer) upload(ctx context.Context, f localFile, key string) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("error opening file: %v", err)
	}
	defer file.Close()
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if ct := contentTypeFor(f.path); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return err
	}
	return nil
}

func (s *Syncer) listRemoteSizes(ctx context.Context) (map[string]int64, error) {
	sizes := make(map[string]int64)
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing remote objects: %v", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && obj.Size != nil {
				sizes[*obj.Key] = *obj.Size
			}
		}
	}
	return sizes, nil
}

func (s *Syncer) keyFor(rel string) string {
	key := filepath.ToSlash(rel)
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	return key
}

// collectFiles walks the output directory, leaving out staging leftovers and
// the quarantine area so a mirror never carries half-finished work.
func collectFiles(dir string) ([]localFile, error) {
	var files []localFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == utils.TempDirName || d.Name() == utils.FailedDirName {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".part") || strings.Contains(name, ".temp.") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: p, rel: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking %s: %v", dir, err)
	}
	return files, nil
}

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return ""
	}
}
