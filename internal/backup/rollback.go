package backup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// Rollback undoes what state says a run changed. It never returns an error:
// each compensating action is attempted independently and logged, and the
// result is true only if all attempted actions succeeded.
//
// Actions, in order:
//  1. temp uploaded, not promoted: delete the temp object
//  2. promoted: move the final object back to the temp path
//  3. previous object deleted, not promoted: restore it from the snapshot
func Rollback(ctx context.Context, st store.Store, state *State, logger *zerolog.Logger) (ok bool) {
	lg := log.Logger
	if logger != nil {
		lg = *logger
	}
	// Compensation must run even if the caller's context is already done.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			lg.Error().Str("action", "rollback").Str("panic", fmt.Sprint(r)).Msg("rollback aborted by panic")
			ok = false
		}
	}()

	if state == nil {
		return true
	}

	lg.Warn().Str("action", "rollback").Object("state", state).Msg("starting rollback")
	ok = true

	if state.TempUploaded && !state.Promoted {
		lg.Info().Str("action", "rollback_delete_temp").Str("remote", state.TempPath).Msg("deleting temp object")
		if err := store.IgnoreNotFound(st.Delete(ctx, state.TempPath)); err != nil {
			lg.Error().Err(err).Str("action", "rollback_delete_temp").Str("remote", state.TempPath).
				Msg("failed to delete temp object")
			ok = false
		} else {
			state.TempUploaded = false
		}
	}

	if state.Promoted {
		from, to := state.PromotedTo, state.PromotedFrom
		if from == "" {
			from = state.FinalPath
		}
		if to == "" {
			to = state.TempPath
		}
		lg.Info().Str("action", "rollback_unpromote").Str("from", from).Str("to", to).Msg("moving final object back")
		if err := st.Move(ctx, from, to); err != nil {
			lg.Error().Err(err).Str("action", "rollback_unpromote").Str("from", from).Str("to", to).
				Msg("failed to move final object back")
			ok = false
		} else {
			state.Promoted = false
			state.TempUploaded = true
		}
	}

	if state.PreviousDeleted && !state.Promoted {
		if !restoreFromSnapshot(ctx, st, state, lg) {
			ok = false
		}
	}

	if ok {
		lg.Info().Str("action", "rollback").Msg("rollback OK")
	} else {
		ev := lg.Error().Str("action", "rollback").Object("state", state)
		if state.SnapshotPath != "" {
			ev = ev.Str("snapshot", state.SnapshotPath)
		}
		ev.Msg("rollback incomplete, remote store needs manual attention")
	}
	return ok
}

// restoreFromSnapshot puts the snapshot content back at the final path.
func restoreFromSnapshot(ctx context.Context, st store.Store, state *State, lg zerolog.Logger) bool {
	snap := state.SnapshotPath
	if snap == "" {
		lg.Error().Str("action", "rollback_restore").Str("remote", state.FinalPath).
			Msg("previous object was deleted and no snapshot is available to restore it")
		return false
	}

	exists, err := st.Exists(ctx, snap)
	if err != nil {
		lg.Error().Err(err).Str("action", "rollback_restore").Str("snapshot", snap).
			Msg("snapshot not reachable, cannot restore previous object")
		lg.Warn().Str("action", "rollback_restore").Str("snapshot", snap).
			Msgf("snapshot may still be available at %s, manual recovery possible", snap)
		return false
	}
	if !exists {
		lg.Error().Str("action", "rollback_restore").Str("snapshot", snap).Bool("exists", false).
			Msg("snapshot missing, cannot restore previous object")
		return false
	}

	lg.Info().Str("action", "rollback_restore").Str("snapshot", snap).Str("remote", state.FinalPath).
		Msg("restoring previous object from snapshot")
	sum, err := copyObject(ctx, st, snap, state.FinalPath, state.spoolDir, lg)
	if err != nil {
		lg.Error().Err(err).Str("action", "rollback_restore").Str("snapshot", snap).Str("remote", state.FinalPath).
			Msg("failed to restore from snapshot")
		lg.Warn().Str("action", "rollback_restore").Str("snapshot", snap).
			Msgf("snapshot still available at %s, manual recovery possible", snap)
		return false
	}
	state.PreviousDeleted = false
	lg.Info().Str("action", "rollback_restore").Str("remote", state.FinalPath).Str("sha256", sum.String()).
		Msg("previous object restored from snapshot")
	return true
}
