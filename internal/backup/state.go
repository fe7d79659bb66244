package backup

import "github.com/rs/zerolog"

// State records what a run has changed remotely. Rollback reads nothing else.
//
// At most one of (TempUploaded && !Promoted) and Promoted holds at a time.
// PreviousDeleted is only ever true while Promoted is false.
type State struct {
	FinalPath string
	TempPath  string

	// PreviousExisted is the outcome of the initial existence check.
	PreviousExisted bool
	// SnapshotPath is set only when the snapshot copy succeeded.
	SnapshotPath string

	TempUploaded    bool
	PreviousDeleted bool

	Promoted     bool
	PromotedFrom string
	PromotedTo   string

	// spoolDir is where rollback stages snapshot downloads ("" = os.TempDir()).
	spoolDir string
}

func newState(t Target, spoolDir string) *State {
	return &State{FinalPath: t.RemotePath, TempPath: t.TempPath, spoolDir: spoolDir}
}

func (s *State) markTempUploaded() {
	s.TempUploaded = true
}

func (s *State) markPreviousDeleted() {
	s.PreviousDeleted = true
}

// markPromoted records the rename and clears the flags it makes moot.
func (s *State) markPromoted(from, to string) {
	s.Promoted = true
	s.PromotedFrom = from
	s.PromotedTo = to
	s.TempUploaded = false
	s.PreviousDeleted = false
}

// MarshalZerologObject lets the state be attached to log events.
func (s *State) MarshalZerologObject(e *zerolog.Event) {
	e.Str("final", s.FinalPath).
		Str("temp", s.TempPath).
		Bool("previous_existed", s.PreviousExisted).
		Str("snapshot", s.SnapshotPath).
		Bool("temp_uploaded", s.TempUploaded).
		Bool("previous_deleted", s.PreviousDeleted).
		Bool("promoted", s.Promoted)
}
