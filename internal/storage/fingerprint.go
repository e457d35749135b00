package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies file content.
type Fingerprint struct {
	Hash uint64
	Size int64
}

func (f Fingerprint) String() string { return fmt.Sprintf("%016x:%d", f.Hash, f.Size) }

func fingerprintBytes(data []byte) Fingerprint {
	return Fingerprint{Hash: xxhash.Sum64(data), Size: int64(len(data))}
}

func fingerprintReader(r io.Reader) (Fingerprint, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Hash: h.Sum64(), Size: n}, nil
}

func fingerprintFile(p string) (Fingerprint, error) {
	f, err := os.Open(p)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()
	return fingerprintReader(f)
}

// entry is the store's record of one output file.
type entry struct {
	fp      Fingerprint
	modTime int64
}

const fingerprintFileVersion = 1

type fingerprintFileDoc struct {
	Version int                       `json:"version"`
	Files   map[string]fingerprintRow `json:"files"`
}

type fingerprintRow struct {
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

func readFingerprintFile(p string) (map[string]entry, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var doc fingerprintFileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fingerprint file: %w", err)
	}
	if doc.Version != fingerprintFileVersion {
		return nil, fmt.Errorf("unsupported fingerprint file version %d", doc.Version)
	}
	out := make(map[string]entry, len(doc.Files))
	for rel, row := range doc.Files {
		h, err := strconv.ParseUint(row.Hash, 16, 64)
		if err != nil {
			continue
		}
		out[rel] = entry{fp: Fingerprint{Hash: h, Size: row.Size}, modTime: row.ModTime}
	}
	return out, nil
}

func writeFingerprintFile(p string, entries map[string]entry) error {
	doc := fingerprintFileDoc{Version: fingerprintFileVersion, Files: make(map[string]fingerprintRow, len(entries))}
	for rel, e := range entries {
		doc.Files[rel] = fingerprintRow{Hash: fmt.Sprintf("%016x", e.fp.Hash), Size: e.fp.Size, ModTime: e.modTime}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
