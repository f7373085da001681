package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/snapgrab/internal/archive"
	"github.com/tanq16/snapgrab/internal/convert"
	"github.com/tanq16/snapgrab/internal/planner"
	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

func jpegPayload(size int) []byte {
	buf := make([]byte, size)
	copy(buf, []byte{0xff, 0xd8, 0xff, 0xe0})
	return buf
}

func pngPayload(size int) []byte {
	buf := make([]byte, size)
	copy(buf, []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a})
	return buf
}

func mp4Payload(size int) []byte {
	buf := make([]byte, size)
	copy(buf, append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypisom")...))
	return buf
}

func zipPayload(size int) []byte {
	buf := make([]byte, size)
	copy(buf, []byte("PK\x03\x04"))
	return buf
}

const htmlPayload = "<!DOCTYPE html><html><body>This link has expired.</body></html>"

type fakeResolver struct {
	resolveCalls  int
	mergeCalls    int
	gotStem       string
	zipExisted    bool
	baseExt       string
	overlayExt    string
	pairExisted   bool
	resolveResult *archive.ResolveResult
	resolveErr    error
	mergeResult   *archive.ResolveResult
	mergeErr      error
}

func (f *fakeResolver) Resolve(ctx context.Context, zipPath, stem string, names *utils.NameAllocator, stream func(string)) (*archive.ResolveResult, error) {
	f.resolveCalls++
	f.gotStem = stem
	if _, err := os.Stat(zipPath); err == nil {
		f.zipExisted = true
	}
	return f.resolveResult, f.resolveErr
}

func (f *fakeResolver) MergeLoose(ctx context.Context, base, overlay, stem string, names *utils.NameAllocator, stream func(string)) (*archive.ResolveResult, error) {
	f.mergeCalls++
	f.gotStem = stem
	f.baseExt = filepath.Ext(base)
	f.overlayExt = filepath.Ext(overlay)
	if _, err := os.Stat(base); err == nil {
		if _, err := os.Stat(overlay); err == nil {
			f.pairExisted = true
		}
	}
	return f.mergeResult, f.mergeErr
}

type fakeConverter struct {
	calls       int
	src         string
	dst         string
	warning     string
	err         error
	unavailable bool
}

func (f *fakeConverter) Convert(ctx context.Context, src, dst string, stream func(string)) (*convert.Result, error) {
	f.calls++
	f.src = src
	f.dst = dst
	if f.err != nil {
		return nil, f.err
	}
	return &convert.Result{OutputPath: dst, Backend: "ffmpeg", Warning: f.warning}, nil
}

func (f *fakeConverter) Available() bool {
	return !f.unavailable
}

func newTestOrchestrator(client *http.Client, resolver *fakeResolver, converter *fakeConverter) *Orchestrator {
	return &Orchestrator{
		Client:      client,
		Resolver:    resolver,
		Converter:   converter,
		Planner:     planner.New(validate.NewChecker("ffprobe")),
		BackoffBase: time.Millisecond,
	}
}

func newTestJob(t *testing.T, dir string, kind utils.MediaKind, mediaURL, overlayURL string) (*utils.MemoryJob, *[]string) {
	t.Helper()
	names, err := utils.NewNameAllocator(dir)
	if err != nil {
		t.Fatalf("NewNameAllocator: %v", err)
	}
	var lines []string
	job := &utils.MemoryJob{
		ID: "job-1",
		Record: utils.MemoryRecord{
			ID:         "m1",
			Kind:       kind,
			Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			MediaURL:   mediaURL,
			OverlayURL: overlayURL,
			Index:      7,
		},
		OutputDir:  dir,
		Retries:    2,
		Names:      names,
		StreamFunc: func(line string) { lines = append(lines, line) },
	}
	return job, &lines
}

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, utils.TempDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("reading staging dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("staging leftover: %s", e.Name())
	}
}

func TestValidateJob(t *testing.T) {
	o := newTestOrchestrator(http.DefaultClient, &fakeResolver{}, &fakeConverter{})
	dir := t.TempDir()

	job, _ := newTestJob(t, dir, utils.KindImage, "", "")
	if err := o.ValidateJob(job); err == nil {
		t.Error("expected error for empty media URL")
	}
	job, _ = newTestJob(t, dir, utils.KindImage, "ftp://example.com/x.jpg", "")
	if err := o.ValidateJob(job); err == nil {
		t.Error("expected error for non-http scheme")
	}
	job, _ = newTestJob(t, dir, utils.KindImage, "https://example.com/x.jpg", "")
	job.Retries = 0
	if err := o.ValidateJob(job); err != nil {
		t.Fatalf("ValidateJob: %v", err)
	}
	if job.Retries != utils.DefaultRetries {
		t.Errorf("Retries = %d, want default %d", job.Retries, utils.DefaultRetries)
	}
}

func TestDownloadCommitsImage(t *testing.T) {
	payload := jpegPayload(600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, &fakeConverter{})
	job, _ := newTestJob(t, dir, utils.KindImage, srv.URL, "")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
	want := filepath.Join(dir, "20240102_030405_7.jpg")
	if job.OutputPath != want {
		t.Errorf("OutputPath = %s, want %s", job.OutputPath, want)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("committed file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Errorf("size = %d, want %d", info.Size(), len(payload))
	}
	assertStagingEmpty(t, dir)
}

func TestDownloadConvertsCommittedVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(mp4Payload(2048))
	}))
	defer srv.Close()

	dir := t.TempDir()
	fc := &fakeConverter{}
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, fc)
	job, lines := newTestJob(t, dir, utils.KindVideo, srv.URL, "")
	job.Convert = true
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	want := filepath.Join(dir, "20240102_030405_7.mp4")
	if fc.calls != 1 {
		t.Fatalf("converter calls = %d, want 1", fc.calls)
	}
	if fc.src != want || fc.dst != want {
		t.Errorf("converter got %s -> %s, want in-place on %s", fc.src, fc.dst, want)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
	joined := strings.Join(*lines, "\n")
	if !strings.Contains(joined, "Converting") {
		t.Errorf("stream missing conversion note: %q", joined)
	}
}

func TestDownloadVideoWithoutBackendKeepsOriginal(t *testing.T) {
	payload := mp4Payload(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fc := &fakeConverter{unavailable: true}
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, fc)
	job, lines := newTestJob(t, dir, utils.KindVideo, srv.URL, "")
	job.Convert = true
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("converter calls = %d, want 0 when no backend exists", fc.calls)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
	want := filepath.Join(dir, "20240102_030405_7.mp4")
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("original-format file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Errorf("size = %d, want untouched %d", info.Size(), len(payload))
	}
	if !strings.Contains(strings.Join(*lines, "\n"), "keeping original format") {
		t.Error("missing keep-original note in stream")
	}
	if len(job.Outcome.Warnings) == 0 {
		t.Error("degraded conversion did not surface as outcome warning")
	}
}

func TestDownloadResolvesArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipPayload(300))
	}))
	defer srv.Close()

	dir := t.TempDir()
	fr := &fakeResolver{resolveResult: &archive.ResolveResult{
		Paths:    []string{filepath.Join(dir, "20240102_030405.jpg"), filepath.Join(dir, "20240102_030405_1.jpg")},
		Merged:   1,
		Warnings: []string{"one pair degraded"},
	}}
	o := newTestOrchestrator(srv.Client(), fr, &fakeConverter{})
	job, lines := newTestJob(t, dir, utils.KindImage, srv.URL, "")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fr.resolveCalls != 1 {
		t.Fatalf("resolve calls = %d, want 1", fr.resolveCalls)
	}
	if !fr.zipExisted {
		t.Error("zip path did not exist at resolve time")
	}
	if fr.gotStem != "20240102_030405_7" {
		t.Errorf("stem = %s", fr.gotStem)
	}
	if job.Outcome.Status != utils.OutcomeSuccessMerged {
		t.Errorf("status = %s, want success-merged", job.Outcome.Status)
	}
	if job.OutputPath != fr.resolveResult.Paths[0] {
		t.Errorf("OutputPath = %s", job.OutputPath)
	}
	if !strings.Contains(strings.Join(*lines, "\n"), "one pair degraded") {
		t.Error("resolver warning not streamed")
	}
	if len(job.Outcome.Warnings) != 1 {
		t.Errorf("outcome warnings = %v, want one", job.Outcome.Warnings)
	}
	assertStagingEmpty(t, dir)
}

func TestDownloadRetriesAfterHTML(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Write([]byte(htmlPayload))
			return
		}
		w.Write(jpegPayload(400))
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, &fakeConverter{})
	job, _ := newTestJob(t, dir, utils.KindImage, srv.URL, "")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
}

func TestDownloadNetworkFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, &fakeConverter{})
	job, _ := newTestJob(t, dir, utils.KindImage, srv.URL, "")
	job.Retries = 3
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	err := o.Download(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want exactly 3 attempts", got)
	}
	if !job.Outcome.Failed() {
		t.Error("outcome not failed")
	}
	if job.Outcome.Class != utils.FailNetwork {
		t.Errorf("class = %s, want %s", job.Outcome.Class, utils.FailNetwork)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("unexpected file committed: %s", e.Name())
		}
	}
	assertStagingEmpty(t, dir)
}

func TestDownloadPayloadFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		sentinel error
	}{
		{"html page", []byte(htmlPayload), utils.ErrHTMLPayload},
		{"undersized", jpegPayload(10), utils.ErrPayloadTooSmall},
		{"unrecognized header", []byte(strings.Repeat("garbage!", 64)), utils.ErrUnknownPayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(tc.body)
			}))
			defer srv.Close()

			dir := t.TempDir()
			o := newTestOrchestrator(srv.Client(), &fakeResolver{}, &fakeConverter{})
			job, _ := newTestJob(t, dir, utils.KindImage, srv.URL, "")
			if err := o.BuildJob(job); err != nil {
				t.Fatalf("BuildJob: %v", err)
			}
			err := o.Download(context.Background(), job)
			if err == nil {
				t.Fatal("expected failure")
			}
			if !errors.Is(err, tc.sentinel) {
				t.Errorf("error %v does not wrap sentinel", err)
			}
			if job.Outcome.Class != utils.FailPayload {
				t.Errorf("class = %s, want %s", job.Outcome.Class, utils.FailPayload)
			}
			assertStagingEmpty(t, dir)
		})
	}
}

func TestDownloadMergesLooseOverlay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		w.Write(jpegPayload(500))
	})
	mux.HandleFunc("/overlay", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngPayload(400))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	merged := filepath.Join(dir, "20240102_030405_7.jpg")
	fr := &fakeResolver{mergeResult: &archive.ResolveResult{Paths: []string{merged}, Merged: 1}}
	o := newTestOrchestrator(srv.Client(), fr, &fakeConverter{})
	job, _ := newTestJob(t, dir, utils.KindImage, srv.URL+"/media", srv.URL+"/overlay")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fr.mergeCalls != 1 {
		t.Fatalf("merge calls = %d, want 1", fr.mergeCalls)
	}
	if !fr.pairExisted {
		t.Error("staged base/overlay pair did not exist at merge time")
	}
	if fr.baseExt != ".jpg" || fr.overlayExt != ".png" {
		t.Errorf("staged exts = %s/%s, want .jpg/.png", fr.baseExt, fr.overlayExt)
	}
	if job.Outcome.Status != utils.OutcomeSuccessMerged {
		t.Errorf("status = %s, want success-merged", job.Outcome.Status)
	}
	if job.OutputPath != merged {
		t.Errorf("OutputPath = %s, want %s", job.OutputPath, merged)
	}
	assertStagingEmpty(t, dir)
}

func TestDownloadOverlayFetchFallsBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		w.Write(jpegPayload(500))
	})
	mux.HandleFunc("/overlay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	fr := &fakeResolver{}
	o := newTestOrchestrator(srv.Client(), fr, &fakeConverter{})
	job, lines := newTestJob(t, dir, utils.KindImage, srv.URL+"/media", srv.URL+"/overlay")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fr.mergeCalls != 0 {
		t.Errorf("merge calls = %d, want 0", fr.mergeCalls)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "20240102_030405_7.jpg")); err != nil {
		t.Errorf("base media not committed: %v", err)
	}
	if !strings.Contains(strings.Join(*lines, "\n"), "Overlay fetch failed") {
		t.Error("missing overlay fallback note in stream")
	}
	if len(job.Outcome.Warnings) == 0 {
		t.Error("overlay fallback did not surface as outcome warning")
	}
	assertStagingEmpty(t, dir)
}

func TestDownloadOverlayVideoFallbackConverts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		w.Write(mp4Payload(2048))
	})
	mux.HandleFunc("/overlay", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngPayload(400))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	fallback := filepath.Join(dir, "20240102_030405_7.mp4")
	fr := &fakeResolver{mergeResult: &archive.ResolveResult{
		Paths:    []string{fallback},
		Merged:   0,
		Warnings: []string{"overlay merge failed for 20240102_030405_7, kept unmerged base: boom"},
	}}
	fc := &fakeConverter{}
	o := newTestOrchestrator(srv.Client(), fr, fc)
	job, _ := newTestJob(t, dir, utils.KindVideo, srv.URL+"/media", srv.URL+"/overlay")
	job.Convert = true
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("converter calls = %d, want 1 for unmerged fallback", fc.calls)
	}
	if fc.src != fallback {
		t.Errorf("converter src = %s, want %s", fc.src, fallback)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want plain success", job.Outcome.Status)
	}
}

func TestBuildJobSkipsComplete(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "20240102_030405_7.jpg")
	if err := os.WriteFile(existing, jpegPayload(200), 0644); err != nil {
		t.Fatal(err)
	}
	state, err := planner.ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	o := newTestOrchestrator(http.DefaultClient, &fakeResolver{}, &fakeConverter{})
	o.State = state
	job, _ := newTestJob(t, dir, utils.KindImage, "https://example.com/x", "")
	job.Resume = true
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if !job.Skip {
		t.Fatal("job not skipped for existing complete file")
	}
	if !strings.Contains(job.SkipReason, "20240102_030405_7.jpg") {
		t.Errorf("SkipReason = %q", job.SkipReason)
	}
	if job.OutputPath != existing {
		t.Errorf("OutputPath = %s, want %s", job.OutputPath, existing)
	}
}

func TestBuildJobFlagsReconvert(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "20240102_030405_7.mp4")
	if err := os.WriteFile(existing, mp4Payload(2048), 0644); err != nil {
		t.Fatal(err)
	}
	state, err := planner.ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	fc := &fakeConverter{}
	o := newTestOrchestrator(http.DefaultClient, &fakeResolver{}, fc)
	o.State = state
	o.Planner.Codec = func(ctx context.Context, path string) (string, error) {
		return "hevc", nil
	}
	job, lines := newTestJob(t, dir, utils.KindVideo, "https://example.com/x", "")
	job.Resume = true
	job.ReconvertCheck = true
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if job.Skip {
		t.Fatal("job skipped, want reconvert")
	}
	if job.ReconvertPath != existing {
		t.Fatalf("ReconvertPath = %s, want %s", job.ReconvertPath, existing)
	}
	if err := o.Download(context.Background(), job); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("converter calls = %d, want 1", fc.calls)
	}
	if fc.src != existing || fc.dst != existing {
		t.Errorf("converter got %s -> %s, want in-place", fc.src, fc.dst)
	}
	if job.Outcome.Status != utils.OutcomeSuccess {
		t.Errorf("status = %s, want success", job.Outcome.Status)
	}
	if !strings.Contains(strings.Join(*lines, "\n"), "Re-encoding") {
		t.Error("missing re-encode note in stream")
	}
}

func TestDownloadContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jpegPayload(400))
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newTestOrchestrator(srv.Client(), &fakeResolver{}, &fakeConverter{})
	job, _ := newTestJob(t, dir, utils.KindImage, srv.URL, "")
	if err := o.BuildJob(job); err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Download(ctx, job); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !job.Outcome.Failed() {
		t.Error("outcome not failed")
	}
	assertStagingEmpty(t, dir)
}
