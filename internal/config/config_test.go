package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewParamsWritesDefaultFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf", "upload.yml")
	p, err := NewParams(file)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if p.Addr != ":8080" || p.FileSumArithmetic != "md5" {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if !p.EnableResumableUploads || !p.EnableRangeRequests {
		t.Fatal("resumable/range support disabled by default")
	}
}

func TestNewParamsFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "upload.yml")
	body := "addr: \":9090\"\nmax_file_size: 1024\nupload_timeout: 60\nfile_sum_arithmetic: \"sha1\"\n"
	if err := os.WriteFile(file, []byte(body), 0664); err != nil {
		t.Fatal(err)
	}
	p, err := NewParams(file)
	if err != nil {
		t.Fatal(err)
	}
	if p.Addr != ":9090" || p.MaxFileSize != 1024 || p.FileSumArithmetic != "sha1" {
		t.Fatalf("parsed params = %+v", p)
	}
	// unset options fall back to defaults
	if p.BufferSize != 64*1024 || p.TempDir != filepath.Join("files", "_tmp") {
		t.Fatalf("defaults = %+v", p)
	}
}

func TestNewConfigCreatesDirectoriesAndDB(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "upload.yml")
	body := "upload_dir: \"" + filepath.Join(dir, "files") + "\"\n" +
		"temp_dir: \"" + filepath.Join(dir, "tmp") + "\"\n" +
		"data_dir: \"" + filepath.Join(dir, "data") + "\"\n" +
		"log_dir: \"" + filepath.Join(dir, "log") + "\"\n" +
		"leveldb_file: \"" + filepath.Join(dir, "data", "sessions.db") + "\"\n" +
		"upload_timeout: 120\n"
	if err := os.WriteFile(file, []byte(body), 0664); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	defer c.RegisterExit()
	for _, d := range []string{"files", "tmp", "data", "log"} {
		if _, err := os.Stat(filepath.Join(dir, d)); err != nil {
			t.Fatalf("directory %s not created: %v", d, err)
		}
	}
	if c.LevelDB() == nil {
		t.Fatal("no session database")
	}
	if c.UploadTimeout() != 2*time.Minute {
		t.Fatalf("uploadTimeout = %v", c.UploadTimeout())
	}
}
