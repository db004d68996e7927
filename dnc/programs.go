package dnc

import (
	"os"
	"time"
)

// ProgramInfo describes a file in the program directory.
type ProgramInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Programs lists the regular files directly inside the program directory,
// sorted by name.
func (m *Manager) Programs() ([]ProgramInfo, error) {
	entries, err := os.ReadDir(m.cfg.programDir)
	if err != nil {
		return nil, err
	}

	out := make([]ProgramInfo, 0, len(entries))
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, ProgramInfo{Name: de.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}

	return out, nil
}
