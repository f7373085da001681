package planner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/snapgrab/internal/utils"
	"github.com/tanq16/snapgrab/internal/validate"
)

type Action int

const (
	NeedsDownload Action = iota
	AlreadyComplete
	NeedsReconvert
)

func (a Action) String() string {
	switch a {
	case AlreadyComplete:
		return "already-complete"
	case NeedsReconvert:
		return "needs-reconvert"
	default:
		return "needs-download"
	}
}

// Decision is advisory. The pipeline may still re-verify before acting on
// it; the planner itself never touches files.
type Decision struct {
	Action Action
	Path   string
}

// State is a one-shot snapshot of the output directory. A run reads it once
// up front so planning does not re-stat the directory per record.
type State struct {
	files map[string]int64
}

func ReadState(dir string) (*State, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{files: map[string]int64{}}, nil
		}
		return nil, err
	}
	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files[e.Name()] = info.Size()
	}
	return &State{files: files}, nil
}

// Matches returns non-empty files whose name is the stem itself or a _N
// collision variant of it, sorted for deterministic picks. A bare prefix is
// not enough: stem 20240101_120000_1 must not claim 20240101_120000_12.jpg.
func (s *State) Matches(stem string) []string {
	var names []string
	for name, size := range s.files {
		if size > 0 && matchesStem(name, stem) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ExactMatches returns non-empty media files named exactly stem.ext, with no
// suffix variants. Suffixed forms of a bare timestamp stem are ambiguous with
// other records' indexed names and must not be claimed here.
func (s *State) ExactMatches(stem string) []string {
	var names []string
	for name, size := range s.files {
		if size <= 0 || !validate.IsMediaExt(name) {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func matchesStem(name, stem string) bool {
	if !validate.IsMediaExt(name) {
		return false
	}
	rem := strings.TrimSuffix(name, filepath.Ext(name))
	if rem == stem {
		return true
	}
	if !strings.HasPrefix(rem, stem+"_") {
		return false
	}
	suffix := rem[len(stem)+1:]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Planner decides per record whether a run can skip, must reconvert, or
// must download. Codec is the probe hook; nil disables reconvert checks.
type Planner struct {
	Codec func(ctx context.Context, path string) (string, error)
}

func New(checker *validate.Checker) *Planner {
	return &Planner{Codec: checker.Codec}
}

func (p *Planner) Plan(ctx context.Context, record utils.MemoryRecord, state *State, dir string, reconvertCheck bool) Decision {
	matches := state.Matches(record.BaseName())
	if len(matches) == 0 {
		// Older runs named merged outputs by bare timestamp, without the
		// export index.
		matches = state.ExactMatches(record.TimeStem())
	}
	if len(matches) == 0 {
		return Decision{Action: NeedsDownload}
	}
	path := filepath.Join(dir, matches[0])
	if reconvertCheck && p.Codec != nil && validate.IsVideoExt(path) {
		codec, err := p.Codec(ctx, path)
		if err != nil {
			log.Debug().Str("op", "planner").Err(err).Msgf("Codec probe failed for %s, planning redownload", matches[0])
			return Decision{Action: NeedsDownload}
		}
		if codec != "h264" {
			return Decision{Action: NeedsReconvert, Path: path}
		}
	}
	return Decision{Action: AlreadyComplete, Path: path}
}
