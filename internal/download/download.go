package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/archive"
	"github.com/tanq16/snapgrab/internal/convert"
	"github.com/tanq16/snapgrab/internal/planner"
	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

type ArchiveResolver interface {
	Resolve(ctx context.Context, zipPath, stem string, names *utils.NameAllocator, stream func(string)) (*archive.ResolveResult, error)
	MergeLoose(ctx context.Context, base, overlay, stem string, names *utils.NameAllocator, stream func(string)) (*archive.ResolveResult, error)
}

type MediaConverter interface {
	Convert(ctx context.Context, src, dst string, stream func(string)) (*convert.Result, error)
	Available() bool
}

// Orchestrator drives one memory record from URL to committed media files.
// It owns every outcome a record can end in and writes exactly one
// FetchOutcome per job.
type Orchestrator struct {
	Client      utils.HTTPDoer
	Resolver    ArchiveResolver
	Converter   MediaConverter
	Planner     *planner.Planner
	State       *planner.State
	BackoffBase time.Duration
}

func NewOrchestrator(cfg *utils.Settings, client utils.HTTPDoer, state *planner.State) *Orchestrator {
	return &Orchestrator{
		Client:      client,
		Resolver:    archive.NewResolver(cfg),
		Converter:   convert.NewConverter(cfg),
		Planner:     planner.New(validate.NewChecker(cfg.FFprobePath)),
		State:       state,
		BackoffBase: 2 * time.Second,
	}
}

func (o *Orchestrator) ValidateJob(job *utils.MemoryJob) error {
	if job.Record.MediaURL == "" {
		return fmt.Errorf("record %s has no media URL", job.Record.ID)
	}
	parsedURL, err := url.Parse(job.Record.MediaURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}
	cleaned := utils.SanitizePath(job.OutputDir)
	if cleaned == "" {
		return fmt.Errorf("error sanitizing output directory: %w", utils.ErrInvalidPath)
	}
	job.OutputDir = cleaned
	if job.Retries <= 0 {
		job.Retries = utils.DefaultRetries
	}
	return nil
}

func (o *Orchestrator) BuildJob(job *utils.MemoryJob) error {
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %v", err)
	}
	if job.Names == nil {
		return fmt.Errorf("job has no name allocator")
	}
	if !job.Resume || o.State == nil {
		return nil
	}
	decision := o.Planner.Plan(context.Background(), job.Record, o.State, job.OutputDir, job.ReconvertCheck)
	switch decision.Action {
	case planner.AlreadyComplete:
		job.Skip = true
		job.SkipReason = fmt.Sprintf("already saved as %s", filepath.Base(decision.Path))
		job.OutputPath = decision.Path
	case planner.NeedsReconvert:
		job.ReconvertPath = decision.Path
	}
	return nil
}

func (o *Orchestrator) Download(ctx context.Context, job *utils.MemoryJob) error {
	if job.ReconvertPath != "" {
		return o.reconvert(ctx, job)
	}
	partPath, kind, err := o.fetchPayload(ctx, job)
	if err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Class: classifyFetchError(err), Reason: err}
		return err
	}
	defer os.Remove(partPath)
	if kind == validate.PayloadZip {
		return o.resolveArchive(ctx, job, partPath)
	}
	return o.commitRaw(ctx, job, partPath)
}

// reconvert re-encodes a file that survives from an earlier run but carries
// a non-portable codec. No network involved.
func (o *Orchestrator) reconvert(ctx context.Context, job *utils.MemoryJob) error {
	src := job.ReconvertPath
	if !o.Converter.Available() {
		note := "No conversion backend available, keeping original format"
		job.Stream(note)
		job.OutputPath = src
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{src}, Warnings: []string{note}}
		return nil
	}
	target := src
	if strings.ToLower(filepath.Ext(src)) != ".mp4" {
		base := filepath.Base(src)
		target = job.Names.Reserve(strings.TrimSuffix(base, filepath.Ext(base)), ".mp4")
	}
	job.Stream(fmt.Sprintf("Re-encoding %s", filepath.Base(src)))
	result, err := o.Converter.Convert(ctx, src, target, job.StreamFunc)
	if err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Class: utils.FailConversion, Reason: err}
		return err
	}
	if target != src {
		os.Remove(src)
	}
	var warnings []string
	if result.Warning != "" {
		job.Stream(result.Warning)
		warnings = append(warnings, result.Warning)
	}
	job.OutputPath = result.OutputPath
	job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{result.OutputPath}, Warnings: warnings}
	log.Info().Str("op", "download").Msgf("Re-encoded %s", filepath.Base(result.OutputPath))
	return nil
}

func (o *Orchestrator) resolveArchive(ctx context.Context, job *utils.MemoryJob, partPath string) error {
	job.Stream("Resolving memory archive")
	result, err := o.Resolver.Resolve(ctx, partPath, job.Record.BaseName(), job.Names, job.StreamFunc)
	if err != nil {
		err = fmt.Errorf("error resolving archive: %v", err)
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Class: utils.FailArchive, Reason: err}
		return err
	}
	for _, warning := range result.Warnings {
		job.Stream(warning)
	}
	status := utils.OutcomeSuccess
	if result.Merged > 0 {
		status = utils.OutcomeSuccessMerged
	}
	if len(result.Paths) > 0 {
		job.OutputPath = result.Paths[0]
	}
	job.Outcome = utils.FetchOutcome{Status: status, Paths: result.Paths, Warnings: result.Warnings}
	log.Info().Str("op", "download").Msgf("Archive for %s produced %d files (%d merged)", job.Record.BaseName(), len(result.Paths), result.Merged)
	return nil
}

func (o *Orchestrator) commitRaw(ctx context.Context, job *utils.MemoryJob, partPath string) error {
	record := job.Record
	stem := record.BaseName()
	ext := record.Kind.Ext()
	var warnings []string
	if record.OverlayURL != "" && record.Kind != utils.KindUnknown {
		handled, overlayWarnings, err := o.mergeLooseOverlay(ctx, job, partPath, stem, ext)
		if handled {
			return err
		}
		warnings = overlayWarnings
	}
	final := job.Names.Reserve(stem, ext)
	if err := os.Rename(partPath, final); err != nil {
		err = fmt.Errorf("error finalizing %s: %v", filepath.Base(final), err)
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Reason: err}
		return err
	}
	job.OutputPath = final
	if record.Kind == utils.KindVideo && job.Convert {
		return o.convertCommitted(ctx, job, final, warnings)
	}
	job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{final}, Warnings: warnings}
	return nil
}

// mergeLooseOverlay handles records whose export row carries a separate
// overlay URL. Overlay trouble never fails the record: the base media is
// committed unmerged instead, with the degradation returned as a warning.
func (o *Orchestrator) mergeLooseOverlay(ctx context.Context, job *utils.MemoryJob, partPath, stem, ext string) (bool, []string, error) {
	overlayPart := strings.TrimSuffix(partPath, ".part") + "_overlay.part"
	overlayKind, err := o.fetchTo(ctx, job, job.Record.OverlayURL, overlayPart, false)
	if err != nil {
		note := fmt.Sprintf("Overlay fetch failed, keeping base media: %v", err)
		job.Stream(note)
		os.Remove(overlayPart)
		return false, []string{note}, nil
	}
	if overlayKind != validate.PayloadPNG && overlayKind != validate.PayloadJPEG {
		note := "Overlay payload is not an image, keeping base media"
		job.Stream(note)
		os.Remove(overlayPart)
		return false, []string{note}, nil
	}
	stagedBase := strings.TrimSuffix(partPath, ".part") + ext
	if err := os.Rename(partPath, stagedBase); err != nil {
		note := fmt.Sprintf("Error staging base for merge, keeping base media: %v", err)
		job.Stream(note)
		os.Remove(overlayPart)
		return false, []string{note}, nil
	}
	overlayExt := ".png"
	if overlayKind == validate.PayloadJPEG {
		overlayExt = ".jpg"
	}
	stagedOverlay := strings.TrimSuffix(overlayPart, ".part") + overlayExt
	if err := os.Rename(overlayPart, stagedOverlay); err != nil {
		os.Rename(stagedBase, partPath)
		os.Remove(overlayPart)
		note := fmt.Sprintf("Error staging overlay for merge, keeping base media: %v", err)
		job.Stream(note)
		return false, []string{note}, nil
	}
	defer os.Remove(stagedBase)
	defer os.Remove(stagedOverlay)
	result, err := o.Resolver.MergeLoose(ctx, stagedBase, stagedOverlay, stem, job.Names, job.StreamFunc)
	if err != nil {
		err = fmt.Errorf("error merging overlay: %v", err)
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Class: utils.FailMerge, Reason: err}
		return true, nil, err
	}
	for _, warning := range result.Warnings {
		job.Stream(warning)
	}
	if len(result.Paths) > 0 {
		job.OutputPath = result.Paths[0]
	}
	// An unmerged video fallback still goes through conversion like any
	// other raw video.
	if result.Merged == 0 && job.Record.Kind == utils.KindVideo && job.Convert && len(result.Paths) == 1 {
		return true, nil, o.convertCommitted(ctx, job, result.Paths[0], result.Warnings)
	}
	status := utils.OutcomeSuccess
	if result.Merged > 0 {
		status = utils.OutcomeSuccessMerged
	}
	job.Outcome = utils.FetchOutcome{Status: status, Paths: result.Paths, Warnings: result.Warnings}
	return true, nil, nil
}

func (o *Orchestrator) convertCommitted(ctx context.Context, job *utils.MemoryJob, path string, priorWarnings []string) error {
	if !o.Converter.Available() {
		note := "No conversion backend available, keeping original format"
		job.Stream(note)
		log.Warn().Str("op", "download").Msgf("No conversion backend for %s, keeping original format", filepath.Base(path))
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{path}, Warnings: append(priorWarnings, note)}
		return nil
	}
	job.Stream(fmt.Sprintf("Converting %s", filepath.Base(path)))
	result, err := o.Converter.Convert(ctx, path, path, job.StreamFunc)
	if err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Class: utils.FailConversion, Reason: err}
		return err
	}
	warnings := priorWarnings
	if result.Warning != "" {
		job.Stream(result.Warning)
		warnings = append(warnings, result.Warning)
	}
	job.OutputPath = result.OutputPath
	job.Outcome = utils.FetchOutcome{Status: utils.OutcomeSuccess, Paths: []string{result.OutputPath}, Warnings: warnings}
	return nil
}

func classifyFetchError(err error) utils.FailureClass {
	switch {
	case errors.Is(err, utils.ErrHTMLPayload), errors.Is(err, utils.ErrPayloadTooSmall), errors.Is(err, utils.ErrUnknownPayload):
		return utils.FailPayload
	default:
		return utils.FailNetwork
	}
}
