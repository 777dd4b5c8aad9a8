package gotq_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/collections/set"
	"github.com/melbahja/gotq"
)

func TestResumeStore(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "game")
	meta := gotq.Metadata{ID: "game", Version: "v2", Kind: gotq.AddOn}

	store := gotq.OpenResumeStore(dir, meta)

	if store.Verified().Size() != 0 {
		t.Fatal("a missing record should open empty")
	}

	store.Set(set.NewStrings("aa", "bb"))

	if err := store.Write(); err != nil {
		t.Fatal(err)
	}

	if filepath.Base(store.Path()) != gotq.ResumeFileName {
		t.Errorf("unexpected record name %s", store.Path())
	}

	t.Run("reopen", func(t *testing.T) {

		again := gotq.OpenResumeStore(dir, meta)

		if !again.IsVerified("aa") || !again.IsVerified("bb") || again.IsVerified("cc") {
			t.Errorf("unexpected record %v", again.Verified().SortedValues())
		}
	})

	t.Run("otherVersion", func(t *testing.T) {

		other := gotq.OpenResumeStore(dir, gotq.Metadata{ID: "game", Version: "v3"})

		if other.Verified().Size() != 0 {
			t.Error("a record of another version must be ignored")
		}
	})

	t.Run("corrupt", func(t *testing.T) {

		bad := t.TempDir()

		if err := os.WriteFile(filepath.Join(bad, gotq.ResumeFileName), []byte{0xc1, 0x00, 0xff}, 0o644); err != nil {
			t.Fatal(err)
		}

		if gotq.OpenResumeStore(bad, meta).Verified().Size() != 0 {
			t.Error("an unreadable record should open empty")
		}
	})

	t.Run("copy", func(t *testing.T) {

		v := store.Verified()
		v.Add("zz")

		if store.IsVerified("zz") {
			t.Error("Verified must return a copy")
		}
	})

	t.Run("remove", func(t *testing.T) {

		if err := store.Remove(); err != nil {
			t.Fatal(err)
		}

		if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
			t.Error("record should be gone")
		}

		if err := store.Remove(); err != nil {
			t.Errorf("removing twice: %v", err)
		}
	})
}
