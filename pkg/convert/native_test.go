package convert

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/conary/pkg/types"
)

func TestNativeWriterReaderRoundTrip(t *testing.T) {
	meta := &PackageMetadata{
		Name: "curl", Version: "8.5.0", Architecture: "x86_64",
		Description: "command line tool for transferring data",
		License:     "MIT", Homepage: "https://curl.se",
		Files: []FileRecord{
			{Path: "/usr/bin/curl", Mode: 0o755, Content: []byte("binary-bytes")},
			{Path: "/usr/lib/libcurl.so", Mode: 0o777, Symlink: "libcurl.so.4"},
		},
		Dependencies: []DependencyRecord{
			{Name: "libssl", Version: "3.0", Type: types.DependencyTypeRuntime, Kind: types.DependencyKindSoname, Constraint: ">=3.0"},
		},
		Provides: []ProvideRecord{{Capability: "curl", Version: "8.5.0"}},
	}
	hooks := types.Hooks{Directories: []types.DirectoryHook{{Path: "/etc/curl", Mode: 0o755}}}

	writer := &NativeWriter{ChunkConfig: DefaultChunkConfig(64)}
	destPath := filepath.Join(t.TempDir(), "curl.conary")
	if err := writer.Write(meta, hooks, ProvenanceInfo{}, destPath); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reader := &NativeReader{}
	got, err := reader.Read(destPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Name != meta.Name || got.Version != meta.Version || got.Architecture != meta.Architecture {
		t.Errorf("identity = %+v, want name/version/arch matching %+v", got, meta)
	}
	if len(got.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(got.Files))
	}

	var regular, symlink *FileRecord
	for i := range got.Files {
		if got.Files[i].Symlink != "" {
			symlink = &got.Files[i]
		} else {
			regular = &got.Files[i]
		}
	}
	if regular == nil || string(regular.Content) != "binary-bytes" {
		t.Errorf("regular file content = %+v, want binary-bytes", regular)
	}
	if symlink == nil || symlink.Symlink != "libcurl.so.4" {
		t.Errorf("symlink = %+v, want target libcurl.so.4", symlink)
	}

	if len(got.Dependencies) != 1 || got.Dependencies[0].Name != "libssl" {
		t.Errorf("Dependencies = %+v, want one libssl entry", got.Dependencies)
	}
	if len(got.Provides) != 1 || got.Provides[0].Capability != "curl" {
		t.Errorf("Provides = %+v, want one curl entry", got.Provides)
	}

	gotHooks, err := reader.ReadHooks(destPath)
	if err != nil {
		t.Fatalf("ReadHooks() error = %v", err)
	}
	if len(gotHooks.Directories) != 1 || gotHooks.Directories[0].Path != "/etc/curl" {
		t.Errorf("Directories = %+v, want one /etc/curl entry", gotHooks.Directories)
	}
}

func TestNativeWriterChunksLargeFiles(t *testing.T) {
	large := make([]byte, 256*1024)
	for i := range large {
		large[i] = byte(i % 251)
	}
	meta := &PackageMetadata{
		Name: "blob", Version: "1.0", Architecture: "x86_64",
		Files: []FileRecord{{Path: "/usr/share/blob.bin", Mode: 0o644, Content: large}},
	}

	writer := &NativeWriter{ChunkConfig: DefaultChunkConfig(16)}
	destPath := filepath.Join(t.TempDir(), "blob.conary")
	if err := writer.Write(meta, types.Hooks{}, ProvenanceInfo{}, destPath); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	reader := &NativeReader{}
	got, err := reader.Read(destPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got.Files) != 1 || len(got.Files[0].Content) != len(large) {
		t.Fatalf("reassembled content length = %d, want %d", len(got.Files[0].Content), len(large))
	}
	for i := range large {
		if got.Files[0].Content[i] != large[i] {
			t.Fatalf("reassembled content mismatch at byte %d", i)
		}
	}
}
