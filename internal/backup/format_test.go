package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	v2 := filepath.Join(dir, "v2.db.gz")
	if _, err := WriteV2(v2, BackupHeader{CreatedAt: time.Now()}, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	bare := filepath.Join(dir, "bare.db")
	if err := os.WriteFile(bare, append([]byte("SQLite format 3\x00"), make([]byte, 84)...), 0600); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	junk := filepath.Join(dir, "junk.txt")
	if err := os.WriteFile(junk, []byte("hello\nworld\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		want    int
		wantErr bool
	}{
		{"v2", v2, FormatV2, false},
		{"bare store", bare, FormatSQLite, false},
		{"empty", empty, 0, true},
		{"junk", junk, 0, true},
		{"missing", filepath.Join(dir, "nope"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteV2_ReadV2_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "roundtrip.db.gz")

	now := time.Now().UTC().Truncate(time.Millisecond)
	payload := bytes.Repeat([]byte("experiment-row;"), 1000)
	written, err := WriteV2(path, BackupHeader{CreatedAt: now, Scopes: 2, Experiments: 40, Runs: 7}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("WriteV2() error = %v", err)
	}
	if written.Version != FormatV2 || !written.Compressed || !strings.HasPrefix(written.Checksum, "sha256:") {
		t.Errorf("WriteV2() header = %+v", written)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("backup perms = %v, want 0600", info.Mode().Perm())
	}
	if info.Size() >= int64(len(payload)) {
		t.Errorf("backup not compressed: %d >= %d", info.Size(), len(payload))
	}

	var out bytes.Buffer
	header, err := ReadV2(path, &out)
	if err != nil {
		t.Fatalf("ReadV2() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Error("payload changed in round trip")
	}
	if !header.CreatedAt.Equal(now) || header.Experiments != 40 || header.Runs != 7 {
		t.Errorf("ReadV2() header = %+v", header)
	}

	onlyHeader, err := ReadV2Header(path)
	if err != nil {
		t.Fatal(err)
	}
	if onlyHeader.Checksum != written.Checksum {
		t.Errorf("ReadV2Header() checksum = %s, want %s", onlyHeader.Checksum, written.Checksum)
	}
}

func TestVerifyChecksum_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.db.gz")
	if _, err := WriteV2(path, BackupHeader{CreatedAt: time.Now()}, strings.NewReader("some snapshot bytes")); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyChecksum(path); err != nil {
		t.Fatalf("VerifyChecksum() on fresh file error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := VerifyChecksum(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("VerifyChecksum() error = %v, want checksum mismatch", err)
	}
	if _, err := ReadV2(path, &bytes.Buffer{}); err == nil {
		t.Error("ReadV2() should refuse a corrupted file")
	}
}

func TestReadV2Header_WrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	if err := os.WriteFile(path, []byte(`{"version":1}`+"\n{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadV2Header(path); err == nil {
		t.Error("expected error for non-V2 header")
	}
}
