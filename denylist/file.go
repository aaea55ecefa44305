package denylist

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the name of the serialized list inside a deployment package.
const FileName = "denylist.txt"

const header = "# dohsink compiled deny-list\n"

// WriteTo writes the serialized form of l: one entry per line, sorted, suffix
// entries prefixed with "*.". The output depends only on the entries.
func (l *List) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)

	var total int64

	n, err := bw.WriteString(header)
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, e := range l.Entries() {
		if e.Mode == Suffix {
			n, err = bw.WriteString("*.")
			total += int64(n)
			if err != nil {
				return total, err
			}
		}

		n, err = bw.WriteString(e.Name)
		total += int64(n)
		if err != nil {
			return total, err
		}

		if err = bw.WriteByte('\n'); err != nil {
			return total, err
		}
		total++
	}

	return total, bw.Flush()
}

// Parse reads the serialized form written by WriteTo.
func Parse(r io.Reader) (*List, error) {
	b := NewBuilder()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	line := 0
	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		mode := Exact
		if strings.HasPrefix(text, "*.") {
			text, mode = text[2:], Suffix
		}

		if err := b.Insert(text, mode); err != nil {
			return nil, fmt.Errorf("line %d: %q: %w", line, text, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning deny-list: %w", err)
	}

	return b.Build(), nil
}

// LoadFile reads a serialized list from path. A ".zip" path is read as a
// deployment package holding FileName.
func LoadFile(path string) (*List, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return loadPackage(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

func loadPackage(path string) (*List, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("error opening package: %w", err)
	}
	defer zr.Close()

	f, err := zr.Open(FileName)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}
