package transfer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxLineLength bounds a single program line.
const maxLineLength = 1 << 20

// Program is the text to transfer, split into lines without terminators.
type Program struct {
	Name  string
	Lines [][]byte
}

// Len returns the number of lines.
func (p *Program) Len() int { return len(p.Lines) }

// ReadProgram loads the program file at path. The program name is the file
// base name.
func ReadProgram(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LoadProgram(filepath.Base(path), f)
}

// LoadProgram reads all lines from r. LF and CRLF terminators are removed;
// a final line without terminator is kept.
func LoadProgram(name string, r io.Reader) (*Program, error) {
	p := &Program{Name: name}

	err := scanLines(r, func(line []byte) {
		p.Lines = append(p.Lines, append([]byte(nil), line...))
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: read program %s: %w", name, err)
	}

	return p, nil
}

// CountLines returns the number of lines in r, counted the same way as
// LoadProgram.
func CountLines(r io.Reader) (int, error) {
	n := 0
	err := scanLines(r, func([]byte) { n++ })

	return n, err
}

func scanLines(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		fn(sc.Bytes())
	}

	return sc.Err()
}
