package installer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// move is one prepared entry waiting to replace dest.
type move struct {
	tmp    string
	dest   string
	backup string
}

// swap replaces a set of destinations with prepared temporary entries. Each
// existing destination is first renamed to a hidden backup; if any rename
// fails, completed moves are reverted and the backups restored.
type swap struct {
	moves  []*move
	rename func(oldpath, newpath string) error
	logger *zap.Logger
}

func (s *swap) add(tmp, dest string) {
	s.moves = append(s.moves, &move{tmp: tmp, dest: dest})
}

func (s *swap) tempName(dir, base string) string {
	return filepath.Join(dir, hiddenName(base, "tmp"))
}

func (s *swap) destinations() []string {
	out := make([]string, len(s.moves))
	for i, m := range s.moves {
		out[i] = m.dest
	}
	return sortedCopy(out)
}

// discard removes every prepared temporary entry.
func (s *swap) discard() {
	for _, m := range s.moves {
		_ = os.RemoveAll(m.tmp)
	}
}

// commit moves every prepared entry into place.
func (s *swap) commit() error {
	done := 0
	for _, m := range s.moves {
		if err := s.apply(m); err != nil {
			rbErr := s.rollback(s.moves[:done])
			if m.backup != "" {
				rbErr = errors.Join(rbErr, s.restore(m))
			}
			s.discard()
			if rbErr != nil {
				s.logger.Error("rollback incomplete", zap.Error(rbErr))
				return errors.Join(fmt.Errorf("%w: %v", ErrCopyFailed, err), rbErr)
			}
			return fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
		done++
	}

	for _, m := range s.moves {
		if m.backup == "" {
			continue
		}
		if err := os.RemoveAll(m.backup); err != nil {
			s.logger.Warn("stale backup left behind", zap.String("path", m.backup), zap.Error(err))
		}
	}
	return nil
}

func (s *swap) apply(m *move) error {
	if exists(m.dest) {
		backup := filepath.Join(filepath.Dir(m.dest), hiddenName(filepath.Base(m.dest), "old"))
		if err := s.rename(m.dest, backup); err != nil {
			return fmt.Errorf("back up %s: %v", m.dest, err)
		}
		m.backup = backup
	}
	if err := s.rename(m.tmp, m.dest); err != nil {
		return fmt.Errorf("move %s: %v", m.dest, err)
	}
	return nil
}

// rollback reverts applied moves in reverse order.
func (s *swap) rollback(applied []*move) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i]
		if err := os.RemoveAll(m.dest); err != nil {
			errs = append(errs, err)
			continue
		}
		if m.backup != "" {
			errs = append(errs, s.restore(m))
		}
	}
	return errors.Join(errs...)
}

// restore puts the backup of m back at its destination.
func (s *swap) restore(m *move) error {
	if exists(m.dest) {
		if err := os.RemoveAll(m.dest); err != nil {
			return err
		}
	}
	if err := os.Rename(m.backup, m.dest); err != nil {
		return err
	}
	m.backup = ""
	return nil
}
