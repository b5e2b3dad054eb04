package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Format constants.
const (
	// FormatSQLite is a bare store file used directly as a backup.
	FormatSQLite = 1
	// FormatV2 is a header line followed by a gzip-compressed store snapshot.
	FormatV2 = 2
)

// MaxDecompressedSize is the maximum allowed size of a decompressed snapshot (2GB).
const MaxDecompressedSize int64 = 2 * 1024 * 1024 * 1024

var sqliteMagic = []byte("SQLite format 3\x00")

// BackupHeader is the plain-text first line of a V2 backup file.
type BackupHeader struct {
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	Checksum      string            `json:"checksum"`
	SchemaVersion int               `json:"schema_version"`
	Scopes        int               `json:"scopes"`
	Experiments   int               `json:"experiments"`
	Runs          int               `json:"runs"`
	Compressed    bool              `json:"compressed"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DetectFormat reads the first bytes of a file to tell a bare store file
// from a V2 backup.
func DetectFormat(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	peek, err := reader.Peek(len(sqliteMagic))
	if err == nil && bytes.Equal(peek, sqliteMagic) {
		return FormatSQLite, nil
	}

	firstLine, err := reader.ReadString('\n')
	if err != nil && firstLine == "" {
		if err == io.EOF {
			return 0, fmt.Errorf("file is empty")
		}
		return 0, fmt.Errorf("reading first line: %w", err)
	}
	firstLine = strings.TrimSpace(firstLine)

	var header BackupHeader
	if err := json.Unmarshal([]byte(firstLine), &header); err == nil && header.Version == FormatV2 {
		return FormatV2, nil
	}
	return 0, fmt.Errorf("unrecognized backup format")
}

// WriteV2 writes header and the gzip-compressed contents of snapshot to
// path. The header's Version, Checksum and Compressed fields are filled in.
func WriteV2(path string, header BackupHeader, snapshot io.Reader) (*BackupHeader, error) {
	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := io.Copy(gzw, snapshot); err != nil {
		return nil, fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	hash := sha256.Sum256(compressed.Bytes())
	header.Version = FormatV2
	header.Checksum = "sha256:" + hex.EncodeToString(hash[:])
	header.Compressed = true

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(headerBytes, '\n')); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	if _, err := f.Write(compressed.Bytes()); err != nil {
		return nil, fmt.Errorf("writing compressed payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing backup: %w", err)
	}
	return &header, nil
}

// readV2 opens a V2 file and returns its header and verified compressed
// payload.
func readV2(path string) (*BackupHeader, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := parseHeader(reader)
	if err != nil {
		return nil, nil, err
	}

	compressedData, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}

	hash := sha256.Sum256(compressedData)
	actualChecksum := "sha256:" + hex.EncodeToString(hash[:])
	if actualChecksum != header.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actualChecksum)
	}
	return header, compressedData, nil
}

func parseHeader(reader *bufio.Reader) (*BackupHeader, error) {
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}

	var header BackupHeader
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatV2 {
		return nil, fmt.Errorf("expected V2 format, got version %d", header.Version)
	}
	return &header, nil
}

// ReadV2 verifies the checksum of a V2 file and decompresses the snapshot
// into w.
func ReadV2(path string, w io.Writer) (*BackupHeader, error) {
	header, compressedData, err := readV2(path)
	if err != nil {
		return nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	n, err := io.Copy(w, io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if n > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}
	return header, nil
}

// ReadV2Header reads only the header line from a V2 backup file without decompressing.
func ReadV2Header(path string) (*BackupHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	return parseHeader(bufio.NewReader(f))
}

// VerifyChecksum checks the integrity of a V2 backup file without decompression.
func VerifyChecksum(path string) (*BackupHeader, error) {
	header, _, err := readV2(path)
	return header, err
}
