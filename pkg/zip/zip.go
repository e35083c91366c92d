package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"time"
)

type Asset struct {
	Filename string
	Data     []byte
	Modified time.Time
}

// WriteArchive streams assets into a zip written to w. Names must be unique.
func WriteArchive(w io.Writer, assets []Asset) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if _, dup := seen[asset.Filename]; dup {
			return fmt.Errorf("zip: duplicate entry %q", asset.Filename)
		}
		seen[asset.Filename] = struct{}{}
		header := &zip.FileHeader{Name: asset.Filename, Method: zip.Deflate, Modified: asset.Modified}
		if header.Modified.IsZero() {
			header.Modified = time.Now()
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", asset.Filename, err)
		}
		if _, err := fw.Write(asset.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", asset.Filename, err)
		}
	}
	return zw.Close()
}

// ArchiveAssets is WriteArchive into memory.
func ArchiveAssets(assets []Asset) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := WriteArchive(buf, assets); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
