package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

const (
	mainSuffix    = "-main"
	overlaySuffix = "-overlay"
)

// EntryPair is a base medium and the overlay that belongs on top of it,
// matched by their shared stem inside the archive.
type EntryPair struct {
	Key     string
	Main    string
	Overlay string
}

// ResolveResult lists the files committed to the output directory. Warnings
// carry degraded outcomes, like a merge that fell back to the unmerged base.
type ResolveResult struct {
	Paths    []string
	Merged   int
	Warnings []string
}

type Validator interface {
	Check(ctx context.Context, path string) validate.Report
}

// VideoProcessor runs the ffmpeg legs of archive resolution.
type VideoProcessor interface {
	Merge(ctx context.Context, base, overlay, dst string, stream func(string)) error
	EnsurePortrait(ctx context.Context, path string, stream func(string)) error
}

// Resolver turns a downloaded memory archive into flat media files,
// compositing overlays onto their base media along the way.
type Resolver struct {
	Videos        VideoProcessor
	Validator     Validator
	MinMergedSize int64
}

func NewResolver(cfg *utils.Settings) *Resolver {
	checker := validate.NewChecker(cfg.FFprobePath)
	return &Resolver{
		Videos:        newFFmpegProcessor(cfg.FFmpegPath, cfg.FFprobePath, checker, cfg.ConvertTimeout),
		Validator:     checker,
		MinMergedSize: 1000,
	}
}

// Resolve extracts zipPath into per-run staging, pairs -main/-overlay
// entries, merges each pair, and moves results into the allocator's
// directory under the given stem. Staging is removed on every path out.
func (r *Resolver) Resolve(ctx context.Context, zipPath, stem string, names *utils.NameAllocator, stream func(string)) (*ResolveResult, error) {
	tempRoot, err := utils.TempDir(names.Dir())
	if err != nil {
		return nil, fmt.Errorf("error creating staging root: %v", err)
	}
	staging := filepath.Join(tempRoot, uuid.New().String())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("error creating staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	files, err := extractZip(zipPath, staging)
	if err != nil {
		return nil, err
	}
	pairs, singles := pairEntries(files)
	if len(pairs) == 0 && len(singles) == 0 {
		return nil, fmt.Errorf("no media files in archive")
	}
	log.Debug().Str("op", "archive/resolve").Msgf("Archive for %s has %d pairs and %d singles", stem, len(pairs), len(singles))

	result := &ResolveResult{}
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if validate.IsVideoExt(pair.Main) {
			r.resolveVideoPair(ctx, pair, stem, names, stream, result)
		} else {
			r.resolveImagePair(pair, stem, names, result)
		}
	}
	for _, single := range singles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		final := names.Reserve(stem, strings.ToLower(filepath.Ext(single)))
		if err := os.Rename(single, final); err != nil {
			return result, fmt.Errorf("error placing %s: %v", filepath.Base(single), err)
		}
		result.Paths = append(result.Paths, final)
	}
	return result, nil
}

// MergeLoose composites a separately fetched overlay onto base media that
// arrived outside an archive. Commit semantics match archive pairs,
// including the unmerged fallback.
func (r *Resolver) MergeLoose(ctx context.Context, base, overlay, stem string, names *utils.NameAllocator, stream func(string)) (*ResolveResult, error) {
	result := &ResolveResult{}
	pair := EntryPair{Key: stem, Main: base, Overlay: overlay}
	if validate.IsVideoExt(base) {
		r.resolveVideoPair(ctx, pair, stem, names, stream, result)
	} else {
		r.resolveImagePair(pair, stem, names, result)
	}
	return result, nil
}

func (r *Resolver) resolveImagePair(pair EntryPair, stem string, names *utils.NameAllocator, result *ResolveResult) {
	ext := strings.ToLower(filepath.Ext(pair.Main))
	mergedPath := pair.Main + ".merged" + ext
	if err := MergeImages(pair.Main, pair.Overlay, mergedPath); err != nil {
		log.Warn().Str("op", "archive/resolve").Err(err).Msgf("Overlay merge failed for %s, keeping unmerged base", pair.Key)
		result.Warnings = append(result.Warnings, fmt.Sprintf("overlay merge failed for %s, kept unmerged base: %v", pair.Key, err))
		r.placeFallback(pair.Main, stem, ext, names, result)
		return
	}
	final := names.Reserve(stem, ext)
	if err := os.Rename(mergedPath, final); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("error placing merged %s, kept unmerged base: %v", pair.Key, err))
		r.placeFallback(pair.Main, stem, ext, names, result)
		return
	}
	result.Merged++
	result.Paths = append(result.Paths, final)
}

func (r *Resolver) resolveVideoPair(ctx context.Context, pair EntryPair, stem string, names *utils.NameAllocator, stream func(string), result *ResolveResult) {
	mergedPath := pair.Main + ".merged.mp4"
	if err := r.Videos.Merge(ctx, pair.Main, pair.Overlay, mergedPath, stream); err != nil {
		log.Warn().Str("op", "archive/resolve").Err(err).Msgf("Overlay merge failed for %s, keeping unmerged base", pair.Key)
		result.Warnings = append(result.Warnings, fmt.Sprintf("overlay merge failed for %s, kept unmerged base: %v", pair.Key, err))
		r.placeFallback(pair.Main, stem, strings.ToLower(filepath.Ext(pair.Main)), names, result)
		return
	}
	mergedReport := r.Validator.Check(ctx, mergedPath)
	if info, err := os.Stat(mergedPath); err != nil || info.Size() < r.MinMergedSize || !mergedReport.OK {
		reason := mergedReport.Reason
		if reason == "" {
			reason = "merged output below size floor"
		}
		log.Warn().Str("op", "archive/resolve").Msgf("Merged output for %s failed validation (%s), keeping unmerged base", pair.Key, reason)
		result.Warnings = append(result.Warnings, fmt.Sprintf("merged output for %s failed validation (%s), kept unmerged base", pair.Key, reason))
		os.Remove(mergedPath)
		r.placeFallback(pair.Main, stem, strings.ToLower(filepath.Ext(pair.Main)), names, result)
		return
	}
	if baseReport := r.Validator.Check(ctx, pair.Main); baseReport.Duration > 0 && mergedReport.Duration < 0.9*baseReport.Duration {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"merged duration %.2fs is under 90%% of base %.2fs for %s, keeping merged output",
			mergedReport.Duration, baseReport.Duration, pair.Key))
	}
	if err := r.Videos.EnsurePortrait(ctx, mergedPath, stream); err != nil {
		log.Warn().Str("op", "archive/resolve").Err(err).Msgf("Orientation fix failed for %s, keeping merged output as is", pair.Key)
		result.Warnings = append(result.Warnings, fmt.Sprintf("orientation fix failed for %s: %v", pair.Key, err))
	}
	final := names.Reserve(stem, ".mp4")
	if err := os.Rename(mergedPath, final); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("error placing merged %s, kept unmerged base: %v", pair.Key, err))
		r.placeFallback(pair.Main, stem, strings.ToLower(filepath.Ext(pair.Main)), names, result)
		return
	}
	result.Merged++
	result.Paths = append(result.Paths, final)
}

// placeFallback commits the unmerged base so a bad overlay never costs the
// underlying memory.
func (r *Resolver) placeFallback(main, stem, ext string, names *utils.NameAllocator, result *ResolveResult) {
	final := names.Reserve(stem, ext)
	if err := os.Rename(main, final); err != nil {
		log.Error().Str("op", "archive/resolve").Err(err).Msgf("Error placing fallback for %s", filepath.Base(main))
		return
	}
	result.Paths = append(result.Paths, final)
}

func extractZip(zipPath, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("error opening archive: %v", err)
	}
	defer reader.Close()
	cleanDest := filepath.Clean(destDir)
	var files []string
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(cleanDest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, cleanDest+string(os.PathSeparator)) {
			return nil, fmt.Errorf("archive entry %s escapes extraction directory", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("error creating extraction directory: %v", err)
		}
		if err := writeEntry(f, dest); err != nil {
			return nil, err
		}
		files = append(files, dest)
	}
	return files, nil
}

func writeEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("error reading archive entry %s: %v", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating %s: %v", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("error extracting %s: %v", f.Name, err)
	}
	return nil
}

// pairEntries groups extracted media by the -main/-overlay naming scheme.
// Anything without a complete pair passes through untouched.
func pairEntries(files []string) ([]EntryPair, []string) {
	pairs := make(map[string]*EntryPair)
	var singles []string
	for _, f := range files {
		if !validate.IsMediaExt(f) {
			continue
		}
		base := filepath.Base(f)
		lower := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
		switch {
		case strings.HasSuffix(lower, mainSuffix):
			key := strings.TrimSuffix(lower, mainSuffix)
			pairFor(pairs, key).Main = f
		case strings.HasSuffix(lower, overlaySuffix):
			key := strings.TrimSuffix(lower, overlaySuffix)
			pairFor(pairs, key).Overlay = f
		default:
			singles = append(singles, f)
		}
	}
	var keys []string
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var complete []EntryPair
	for _, key := range keys {
		pair := pairs[key]
		if pair.Main != "" && pair.Overlay != "" {
			complete = append(complete, *pair)
			continue
		}
		// Half a pair degrades to passthrough
		if pair.Main != "" {
			singles = append(singles, pair.Main)
		}
		if pair.Overlay != "" {
			singles = append(singles, pair.Overlay)
		}
	}
	sort.Strings(singles)
	return complete, singles
}

func pairFor(pairs map[string]*EntryPair, key string) *EntryPair {
	if pairs[key] == nil {
		pairs[key] = &EntryPair{Key: key}
	}
	return pairs[key]
}
