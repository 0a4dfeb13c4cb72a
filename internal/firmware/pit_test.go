package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestValidatePit(t *testing.T) {
	good := make([]byte, 2048)
	good[4] = 0x01
	if err := ValidatePit(good); err != nil {
		t.Errorf("plausible blob rejected: %v", err)
	}

	if err := ValidatePit(make([]byte, 19)); err == nil {
		t.Error("19-byte blob accepted")
	}
	if err := ValidatePit(nil); err == nil {
		t.Error("nil blob accepted")
	}
	if err := ValidatePit(make([]byte, 4096)); err == nil {
		t.Error("all-zero blob accepted")
	}

	// non-zero byte past the probe window does not rescue the blob
	late := make([]byte, 4096)
	late[200] = 0xFF
	if err := ValidatePit(late); err == nil {
		t.Error("blob with only late non-zero bytes accepted")
	}

	// minimum viable: 20 bytes, one non-zero
	tiny := make([]byte, 20)
	tiny[19] = 0x01
	if err := ValidatePit(tiny); err != nil {
		t.Errorf("minimum viable blob rejected: %v", err)
	}
}

func TestWritePitBackup(t *testing.T) {
	base := t.TempDir()
	blob := bytes.Repeat([]byte{0x01, 0x02}, 512)

	path, err := WritePitBackup(base, blob)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	wantDir := filepath.Join(base, "backup", "samsung", "pit")
	if filepath.Dir(path) != wantDir {
		t.Errorf("backup landed in %s", filepath.Dir(path))
	}

	name := filepath.Base(path)
	if ok, _ := regexp.MatchString(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.pit$`, name); !ok {
		t.Errorf("backup name %q does not match the timestamp format", name)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Error("backup content differs from blob")
	}
}
