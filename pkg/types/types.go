package types

import "time"

// StorageFormat identifies how a TrustyAI service persists its data.
type StorageFormat string

const (
	StoragePVC      StorageFormat = "PVC"
	StorageDatabase StorageFormat = "DATABASE"
)

// BackupMetadata describes one completed backup. It is written as
// metadata.json next to the backup payload and read back during restore so
// the restore path does not have to re-discover pod and secret identities.
// Exactly one of PVC or Database is populated, selected by StorageFormat.
type BackupMetadata struct {
	Timestamp     time.Time     `json:"timestamp"`
	Namespace     string        `json:"namespace"`
	ServiceName   string        `json:"serviceName"`
	StorageFormat StorageFormat `json:"storageFormat"`

	PVC      *PVCBackupInfo      `json:"pvc,omitempty"`
	Database *DatabaseBackupInfo `json:"database,omitempty"`
}

// PVCBackupInfo records where PVC data was copied from.
type PVCBackupInfo struct {
	MountPath string `json:"mountPath"`
	PVCName   string `json:"pvcName,omitempty"`
	SourcePod string `json:"sourcePod"`
	FileCount int    `json:"fileCount"`
}

// DatabaseBackupInfo records how a database dump was taken.
type DatabaseBackupInfo struct {
	Pod          string `json:"pod"`
	SecretName   string `json:"secretName"`
	DatabaseName string `json:"databaseName"`
	DatabaseUser string `json:"databaseUser"`
	DumpCommand  string `json:"dumpCommand"`
	DumpMethod   string `json:"dumpMethod"` // "native", "manual" or "raw"
	DumpLines    int    `json:"dumpLineCount"`
}

// Credentials is a database credential triple extracted from a Secret.
// All three fields must be non-empty for an operation to proceed.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Complete reports whether all three credential fields resolved.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != "" && c.Database != ""
}

// DumpOptions controls the native database dump.
type DumpOptions struct {
	// ToleratedExitCodes are nonzero dump-tool exit codes treated as benign
	// warnings as long as the dump produced output. Galera clusters return 2
	// from mysqldump when LOCK TABLES is refused.
	ToleratedExitCodes []int
}

// Tolerated reports whether code is in the tolerated set.
func (o DumpOptions) Tolerated(code int) bool {
	for _, c := range o.ToleratedExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// DefaultDumpOptions tolerates the Galera lock-table warning exit code.
func DefaultDumpOptions() DumpOptions {
	return DumpOptions{ToleratedExitCodes: []int{2}}
}

// BatchResult accumulates per-item outcomes of an --all run. One item
// failing does not stop the loop; the accumulated counts are reported at
// the end.
type BatchResult struct {
	Succeeded []string
	Failed    map[string]error
}

func NewBatchResult() *BatchResult {
	return &BatchResult{Failed: make(map[string]error)}
}

func (b *BatchResult) Ok(name string) {
	b.Succeeded = append(b.Succeeded, name)
}

func (b *BatchResult) Fail(name string, err error) {
	b.Failed[name] = err
}

func (b *BatchResult) HasFailures() bool {
	return len(b.Failed) > 0
}
