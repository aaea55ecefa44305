package pipeline

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"

	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/dohsink/deploy"
)

// packageTime is the timestamp of the list member, so identical lists give
// identical packages.
var packageTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Package builds the deployable zip: every member of base copied raw except
// the deny-list, then the serialized list. base may be empty.
func Package(base []byte, list *denylist.List) (*deploy.Artifact, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	if len(base) > 0 {
		zr, err := zip.NewReader(bytes.NewReader(base), int64(len(base)))
		if err != nil {
			return nil, fmt.Errorf("read base package: %w", err)
		}

		for _, f := range zr.File {
			if f.Name == denylist.FileName {
				continue
			}
			if err := zw.Copy(f); err != nil {
				return nil, fmt.Errorf("copy %s: %w", f.Name, err)
			}
		}
	}

	hdr := &zip.FileHeader{
		Name:     denylist.FileName,
		Method:   zip.Deflate,
		Modified: packageTime,
	}
	hdr.SetMode(0o644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return nil, err
	}

	if _, err := list.WriteTo(w); err != nil {
		return nil, fmt.Errorf("write deny-list: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return deploy.NewArtifact(buf.Bytes(), list.Len()), nil
}
