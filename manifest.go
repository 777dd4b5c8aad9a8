package gotq

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/juju/errors"
)

type (
	// ChunkGroup describes the chunks of one file.
	ChunkGroup struct {
		Permissions uint32   `json:"permissions"`
		IDs         []string `json:"ids"`
		Checksums   []string `json:"checksums"`
		Lengths     []uint64 `json:"lengths"`
		VersionName string   `json:"versionName"`
	}

	// Manifest maps a relative file path to its chunks.
	Manifest map[string]ChunkGroup

	// DownloadContext is everything a worker needs to fetch and verify one
	// chunk.
	DownloadContext struct {
		// Destination file on disk.
		Path string

		// Position of the chunk inside Path.
		Offset uint64

		Length uint64

		// Lowercase hex MD5 of the chunk bytes.
		Checksum string

		Permissions uint32

		// Relative path as named by the manifest.
		FileName string

		Version string

		// Index of the chunk inside its file.
		Index int

		JobID string
	}
)

// Validate checks that every group is well formed and every path stays
// relative.
func (m Manifest) Validate() error {

	for name, group := range m {

		if _, err := SafeJoin("/", name); err != nil {
			return errors.Trace(err)
		}

		if len(group.Checksums) != len(group.Lengths) {
			return errors.NotValidf(
				"file %q with %d checksums and %d lengths",
				name, len(group.Checksums), len(group.Lengths),
			)
		}
	}

	return nil
}

// Files returns the relative paths in a stable order.
func (m Manifest) Files() []string {

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// TotalSize returns the sum of every chunk length.
func (m Manifest) TotalSize() (size uint64) {

	for _, group := range m {
		size += group.Size()
	}

	return size
}

// Size returns the final size of the file.
func (g ChunkGroup) Size() (size uint64) {

	for _, l := range g.Lengths {
		size += l
	}

	return size
}

// Contexts generates one DownloadContext per chunk, files in path order and
// chunks in manifest order, with offsets accumulated per file.
func (m Manifest) Contexts(meta Metadata, base string) ([]DownloadContext, error) {

	var contexts []DownloadContext

	for _, name := range m.Files() {

		group := m[name]

		path, err := SafeJoin(base, name)

		if err != nil {
			return nil, errors.Trace(err)
		}

		var offset uint64

		for i, length := range group.Lengths {

			contexts = append(contexts, DownloadContext{
				Path:        path,
				Offset:      offset,
				Length:      length,
				Checksum:    group.Checksums[i],
				Permissions: group.Permissions,
				FileName:    name,
				Version:     group.VersionName,
				Index:       i,
				JobID:       meta.ID,
			})

			offset += length
		}
	}

	return contexts, nil
}

func (dc DownloadContext) String() string {
	return fmt.Sprintf("%s#%d", filepath.ToSlash(dc.FileName), dc.Index)
}
