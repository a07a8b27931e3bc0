package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opendatahub-io/rhoai-migration-tools/pkg/types"
)

// FileName is the metadata file written into every backup directory.
const FileName = "metadata.json"

// Write stores meta as metadata.json inside the backup directory.
func Write(dir string, meta *types.BackupMetadata) error {
	if err := validate(meta); err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load reads and validates a metadata file.
func Load(path string) (*types.BackupMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	var meta types.BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := validate(&meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &meta, nil
}

func validate(meta *types.BackupMetadata) error {
	switch meta.StorageFormat {
	case types.StoragePVC:
		if meta.PVC == nil {
			return fmt.Errorf("metadata: storageFormat is PVC but the pvc section is missing")
		}
		if meta.Database != nil {
			return fmt.Errorf("metadata: storageFormat is PVC but a database section is present")
		}
	case types.StorageDatabase:
		if meta.Database == nil {
			return fmt.Errorf("metadata: storageFormat is DATABASE but the database section is missing")
		}
		if meta.PVC != nil {
			return fmt.Errorf("metadata: storageFormat is DATABASE but a pvc section is present")
		}
	default:
		return fmt.Errorf("metadata: unknown storageFormat %q", meta.StorageFormat)
	}
	return nil
}

// ResolveFormat determines the storage format of a backup at backupPath.
// Priority order: an explicit metadata file, then <path>/metadata.json, then
// the payload layout (data/ means PVC, dump.sql means DATABASE).
// The returned metadata is nil when the format was inferred from layout.
func ResolveFormat(backupPath, metadataFile string) (types.StorageFormat, *types.BackupMetadata, error) {
	if metadataFile != "" {
		meta, err := Load(metadataFile)
		if err != nil {
			return "", nil, err
		}
		return meta.StorageFormat, meta, nil
	}

	if candidate := filepath.Join(backupPath, FileName); fileExists(candidate) {
		meta, err := Load(candidate)
		if err != nil {
			return "", nil, err
		}
		return meta.StorageFormat, meta, nil
	}

	if dirExists(filepath.Join(backupPath, "data")) {
		return types.StoragePVC, nil, nil
	}
	if fileExists(filepath.Join(backupPath, "dump.sql")) {
		return types.StorageDatabase, nil, nil
	}

	return "", nil, fmt.Errorf(
		"cannot determine backup type of %q: no metadata.json, no data/ directory, no dump.sql", backupPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
