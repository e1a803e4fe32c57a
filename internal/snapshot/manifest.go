package snapshot

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
)

// FormatVersion is bumped whenever the archive layout changes.
const FormatVersion = 1

const (
	manifestName = "manifest.json"
	registryName = "registry.bak"
	updatesName  = "updates.bak"
	indexesPath  = "indexes"
	backupExt    = ".bak"
)

// Manifest is the first entry of every archive. It lists each environment
// backup that follows with its size and SHA-256.
type Manifest struct {
	FormatVersion int          `json:"formatVersion"`
	CreatedAt     time.Time    `json:"createdAt"`
	Indexes       []IndexEntry `json:"indexes"`
	Files         []FileEntry  `json:"files"`
}

// IndexEntry binds an index uid to the uuid of its environment backup.
type IndexEntry struct {
	UID  string    `json:"uid"`
	UUID uuid.UUID `json:"uuid"`
}

// FileEntry describes one environment backup in the archive.
type FileEntry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func indexEntryName(id uuid.UUID) string {
	return path.Join(indexesPath, id.String()+backupExt)
}

// validate checks the manifest is self-consistent before any entry is read.
func (m *Manifest) validate() (map[string]FileEntry, error) {
	if m.FormatVersion != FormatVersion {
		return nil, invalid("unsupported format version %d", m.FormatVersion)
	}
	files := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		if _, dup := files[f.Name]; dup {
			return nil, invalid("entry %s listed twice", f.Name)
		}
		if f.Name != registryName && f.Name != updatesName {
			if _, err := uuidFromEntry(f.Name); err != nil {
				return nil, err
			}
		}
		files[f.Name] = f
	}
	for _, name := range []string{registryName, updatesName} {
		if _, ok := files[name]; !ok {
			return nil, invalid("missing %s", name)
		}
	}
	seen := make(map[string]bool, len(m.Indexes))
	for _, idx := range m.Indexes {
		if seen[idx.UID] {
			return nil, invalid("index %s listed twice", idx.UID)
		}
		seen[idx.UID] = true
		if _, ok := files[indexEntryName(idx.UUID)]; !ok {
			return nil, invalid("no backup for index %s", idx.UID)
		}
	}
	if len(files) != len(m.Indexes)+2 {
		return nil, invalid("manifest lists %d files for %d indexes", len(files), len(m.Indexes))
	}
	return files, nil
}

func uuidFromEntry(name string) (uuid.UUID, error) {
	dir, file := path.Split(name)
	if dir != indexesPath+"/" || !strings.HasSuffix(file, backupExt) {
		return uuid.Nil, invalid("unexpected entry %s", name)
	}
	id, err := uuid.Parse(strings.TrimSuffix(file, backupExt))
	if err != nil {
		return uuid.Nil, invalid("entry %s: %v", name, err)
	}
	return id, nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, invalid("decoding manifest: %v", err)
	}
	return &m, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidSnapshot, fmt.Sprintf(format, args...))
}
