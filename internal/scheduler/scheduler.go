package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/output"
	"github.com/tanq16/snapgrab/internal/utils"
)

// Run executes memory jobs on a worker pool. One downloader is shared across
// workers. With fileLog set the live display is skipped and progress goes to
// zerolog instead, keeping log files free of ANSI control codes.
func Run(ctx context.Context, downloader utils.Downloader, jobs []*utils.MemoryJob, numWorkers int, fileLog bool) error {
	if numWorkers < 1 {
		numWorkers = 1
	}
	var outputMgr *output.Manager
	if !fileLog {
		outputMgr = output.NewManager()
		outputMgr.StartDisplay()
	}

	jobCh := make(chan *utils.MemoryJob, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processJobs(ctx, downloader, jobCh, outputMgr)
		}()
	}
	wg.Wait()

	if outputMgr != nil {
		outputMgr.StopDisplay()
	}
	return summarize(jobs)
}

func processJobs(ctx context.Context, downloader utils.Downloader, jobCh <-chan *utils.MemoryJob, outputMgr *output.Manager) {
	for job := range jobCh {
		if ctx.Err() != nil {
			job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Reason: ctx.Err()}
			continue
		}
		processOne(ctx, downloader, job, outputMgr)
	}
}

func processOne(ctx context.Context, downloader utils.Downloader, job *utils.MemoryJob, outputMgr *output.Manager) {
	name := job.Record.BaseName()
	taskID := -1
	if outputMgr != nil {
		taskID = outputMgr.RegisterTask(name)
		job.StreamFunc = func(line string) {
			outputMgr.AddStreamLine(taskID, line)
		}
		job.ProgressFunc = func(downloaded, total int64) {
			outputMgr.AddProgressBarToStream(taskID, downloaded, total, "Downloading")
		}
		outputMgr.SetMessage(taskID, fmt.Sprintf("Validating memory %d of %d", job.Record.Index, job.Total))
	} else {
		job.StreamFunc = func(line string) {
			log.Info().Str("op", "scheduler").Str("memory", name).Msg(line)
		}
	}

	if err := downloader.ValidateJob(job); err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Reason: err}
		failTask(outputMgr, taskID, name, fmt.Errorf("validation failed: %v", err))
		return
	}
	if outputMgr != nil {
		outputMgr.SetMessage(taskID, "Checking existing files")
	}
	if err := downloader.BuildJob(job); err != nil {
		job.Outcome = utils.FetchOutcome{Status: utils.OutcomeFailed, Reason: err}
		failTask(outputMgr, taskID, name, fmt.Errorf("build failed: %v", err))
		return
	}
	if job.Skip {
		log.Debug().Str("op", "scheduler").Str("memory", name).Msgf("Skipping, %s", job.SkipReason)
		if outputMgr != nil {
			outputMgr.Complete(taskID, fmt.Sprintf("Skipped, %s", job.SkipReason))
		}
		return
	}

	if outputMgr != nil {
		message := "Downloading memory"
		if job.ReconvertPath != "" {
			message = "Re-encoding existing file"
		}
		outputMgr.SetMessage(taskID, message)
	}
	if err := downloader.Download(ctx, job); err != nil {
		failTask(outputMgr, taskID, name, err)
		return
	}

	completion := completionMessage(job)
	log.Info().Str("op", "scheduler").Str("memory", name).Msg(completion)
	if outputMgr == nil {
		return
	}
	if len(job.Outcome.Warnings) > 0 {
		outputMgr.CompleteWithWarning(taskID, completion)
	} else {
		outputMgr.Complete(taskID, completion)
	}
}

func completionMessage(job *utils.MemoryJob) string {
	switch {
	case len(job.Outcome.Paths) > 1:
		return fmt.Sprintf("Saved %d files from %s", len(job.Outcome.Paths), job.Record.BaseName())
	case job.Outcome.Status == utils.OutcomeSuccessMerged:
		return fmt.Sprintf("Saved %s with overlay", filepath.Base(job.OutputPath))
	case job.OutputPath != "":
		return fmt.Sprintf("Saved %s", filepath.Base(job.OutputPath))
	default:
		return fmt.Sprintf("Finished %s", job.Record.BaseName())
	}
}

func failTask(outputMgr *output.Manager, taskID int, name string, err error) {
	log.Error().Str("op", "scheduler").Str("memory", name).Err(err).Msg("Memory failed")
	if outputMgr != nil {
		outputMgr.ReportError(taskID, err)
	}
}

// summarize reduces job outcomes to run totals and an error when any record
// failed, so callers can exit non-zero.
func summarize(jobs []*utils.MemoryJob) error {
	var saved, merged, skipped, warned, failed int
	for _, job := range jobs {
		switch {
		case job.Skip:
			skipped++
		case job.Outcome.Status == utils.OutcomeSuccessMerged:
			merged++
			saved++
		case job.Outcome.Status == utils.OutcomeSuccess:
			saved++
		case job.Outcome.Failed():
			failed++
		}
		if len(job.Outcome.Warnings) > 0 {
			warned++
		}
	}
	log.Info().Str("op", "scheduler").Msgf("Run finished: %d saved (%d with overlay), %d skipped, %d degraded, %d failed", saved, merged, skipped, warned, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d memories failed", failed, len(jobs))
	}
	return nil
}
