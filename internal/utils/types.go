package utils

import (
	"context"
	"fmt"
	"time"
)

type MediaKind string

const (
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
	KindUnknown MediaKind = "unknown"
)

// Ext returns the canonical extension for files of this kind.
func (k MediaKind) Ext() string {
	switch k {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	default:
		return ".bin"
	}
}

// MemoryRecord is one item from the memories export. Immutable after parse;
// its timestamp and index drive all canonical output naming.
type MemoryRecord struct {
	ID         string
	Kind       MediaKind
	Timestamp  time.Time // always UTC
	Latitude   *float64
	Longitude  *float64
	MediaURL   string
	OverlayURL string
	Index      int // 1-based position in the export
}

// TimeStem returns the record's timestamp as YYYYMMDD_HHMMSS. Older runs
// named merged archive outputs by bare timestamp, so resume checks look for
// this stem too.
func (r MemoryRecord) TimeStem() string {
	return r.Timestamp.UTC().Format("20060102_150405")
}

// BaseName returns the canonical stem for this record: YYYYMMDD_HHMMSS_<index>.
func (r MemoryRecord) BaseName() string {
	return fmt.Sprintf("%s_%d", r.TimeStem(), r.Index)
}

type OutcomeStatus string

const (
	OutcomeSuccess       OutcomeStatus = "success"
	OutcomeSuccessMerged OutcomeStatus = "success-merged"
	OutcomeFailed        OutcomeStatus = "failed"
)

type FailureClass string

const (
	FailNone       FailureClass = ""
	FailNetwork    FailureClass = "network-failure"
	FailPayload    FailureClass = "invalid-payload"
	FailArchive    FailureClass = "archive-corrupt"
	FailMerge      FailureClass = "merge-failed"
	FailConversion FailureClass = "conversion-failed"
	FailValidation FailureClass = "validation-failed"
)

// FetchOutcome is produced exactly once per record per run. Warnings carry
// degradations that did not fail the record, like an overlay committed
// unmerged.
type FetchOutcome struct {
	Status   OutcomeStatus
	Paths    []string
	Warnings []string
	Class    FailureClass
	Reason   error
}

func (o FetchOutcome) Failed() bool {
	return o.Status == OutcomeFailed
}

type Downloader interface {
	ValidateJob(job *MemoryJob) error
	BuildJob(job *MemoryJob) error
	Download(ctx context.Context, job *MemoryJob) error
}

// MemoryJob carries one record through the pipeline. Callbacks are invoked
// from the worker goroutine that owns the job; they must not block on the
// display loop.
type MemoryJob struct {
	ID             string
	Record         MemoryRecord
	OutputDir      string
	OutputPath     string // first committed file, set when the record lands on disk
	Skip           bool   // set by BuildJob when prior work satisfies the record
	SkipReason     string
	ReconvertPath  string // set by BuildJob when an existing file needs reconversion
	Convert        bool
	Resume         bool
	ReconvertCheck bool
	Retries        int
	Total          int
	ProgressFunc   func(downloaded, total int64)
	StreamFunc     func(line string)
	Outcome        FetchOutcome
	Names          *NameAllocator
}

// Stream reports a progress line if a StreamFunc is attached.
func (j *MemoryJob) Stream(line string) {
	if j.StreamFunc != nil {
		j.StreamFunc(line)
	}
}
