package gotq_test

import (
	"context"
	"testing"

	"github.com/melbahja/gotq"
)

func TestManifestValidate(t *testing.T) {

	tests := map[string]struct {
		manifest gotq.Manifest
		ok       bool
	}{
		"ok": {gotq.Manifest{
			"bin/game": {Checksums: []string{"a", "b"}, Lengths: []uint64{1, 2}},
		}, true},
		"lengths": {gotq.Manifest{
			"bin/game": {Checksums: []string{"a", "b"}, Lengths: []uint64{1}},
		}, false},
		"absolute": {gotq.Manifest{
			"/etc/passwd": {Checksums: []string{"a"}, Lengths: []uint64{1}},
		}, false},
		"escape": {gotq.Manifest{
			"../../.bashrc": {Checksums: []string{"a"}, Lengths: []uint64{1}},
		}, false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if err := tt.manifest.Validate(); (err == nil) != tt.ok {
				t.Errorf("expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestRemoteManifest(t *testing.T) {

	srv := newContentServer(t, 8, sample)

	m, err := srv.remote(t).Manifest(context.Background(), gotq.Metadata{ID: "game", Version: "v1"})

	if err != nil {
		t.Fatal(err)
	}

	if m.TotalSize() != 34 {
		t.Errorf("expected 34 bytes, got %d", m.TotalSize())
	}

	group := m["game.bin"]

	if group.Permissions != 0o640 || group.VersionName != "v1" || len(group.IDs) != 3 {
		t.Errorf("unexpected group %+v", group)
	}

	t.Run("unauthorized", func(t *testing.T) {

		remote, err := gotq.NewRemote(srv.URL, gotq.BearerToken("wrong"))

		if err != nil {
			t.Fatal(err)
		}

		_, err = remote.Manifest(context.Background(), gotq.Metadata{ID: "game"})

		if gotq.KindOf(err) != gotq.KindCommunication {
			t.Errorf("expected a communication error, got %v", err)
		}
	})

	t.Run("badServer", func(t *testing.T) {
		if _, err := gotq.NewRemote("ftp://example.org", nil); err == nil {
			t.Error("expected ftp to be rejected")
		}
	})
}
