package params

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrNoParameters is returned by a Backend that has nothing stored yet.
var ErrNoParameters = errors.New("no stored parameters")

// Backend persists parameter sets.
type Backend interface {
	Load() ([NumChannels]Set, error)
	Save([NumChannels]Set) error
}

// FileBackend stores parameters as a text table, one knob per row and one
// column per limb (right, left).
type FileBackend struct {
	Path string
}

func (f FileBackend) String() string { return f.Path }

// Load reads the table. A missing file returns ErrNoParameters.
func (f FileBackend) Load() ([NumChannels]Set, error) {
	var vals [NumChannels]Set

	file, err := os.Open(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return vals, ErrNoParameters
	}
	if err != nil {
		return vals, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for k := 0; k < NumKnobs; k++ {
		if _, err := fmt.Fscan(r, &vals[Right][k], &vals[Left][k]); err != nil {
			return vals, fmt.Errorf("%s: row %d: %w", f.Path, k+1, err)
		}
	}
	return vals, nil
}

// Save writes the table, replacing any previous content.
func (f FileBackend) Save(vals [NumChannels]Set) error {
	file, err := os.Create(f.Path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for k := 0; k < NumKnobs; k++ {
		fmt.Fprintf(w, "%9.3f%9.3f\n", vals[Right][k], vals[Left][k])
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
