// Package delta implements the table transaction log: append-only
// versioned commits over the storage backend, optimistic concurrency
// via conditional writes, Parquet checkpoints and table-state
// reconstruction.
//
// Layout under a table root:
//
//	<root>/_delta_log/00000000000000000000.json          commit 0
//	<root>/_delta_log/00000000000000000010.checkpoint.parquet
//	<root>/_delta_log/_last_checkpoint                   {"version","size"}
//
// Commit files hold newline-delimited JSON actions. A commit version
// exists at most once: writers race through create-only conditional
// writes and exactly one wins per version.
package delta

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Action is one record in a commit; exactly one field is non-nil.
type Action struct {
	Txn        *TxnAction        `json:"txn,omitempty"`
	Add        *AddAction        `json:"add,omitempty"`
	Remove     *RemoveAction     `json:"remove,omitempty"`
	MetaData   *MetaDataAction   `json:"metaData,omitempty"`
	Protocol   *ProtocolAction   `json:"protocol,omitempty"`
	CommitInfo *CommitInfoAction `json:"commitInfo,omitempty"`
}

// AddAction registers a data file as part of the table.
type AddAction struct {
	Path             string            `json:"path"`
	Size             int64             `json:"size"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	PartitionValues  map[string]string `json:"partitionValues,omitempty"`
	Stats            string            `json:"stats,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// RemoveAction drops a data file from the table. DataChange false
// marks compaction: the logical content is unchanged.
type RemoveAction struct {
	Path                 string `json:"path"`
	DeletionTimestamp    int64  `json:"deletionTimestamp"`
	DataChange           bool   `json:"dataChange"`
	ExtendedFileMetadata bool   `json:"extendedFileMetadata,omitempty"`
}

// MetaDataAction replaces the table metadata.
type MetaDataAction struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	CreatedTime      int64             `json:"createdTime,omitempty"`
	Format           *Format           `json:"format,omitempty"`
}

// Format names the data file provider.
type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options,omitempty"`
}

// ProtocolAction replaces the table protocol.
type ProtocolAction struct {
	MinReaderVersion int      `json:"minReaderVersion"`
	MinWriterVersion int      `json:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures,omitempty"`
	WriterFeatures   []string `json:"writerFeatures,omitempty"`
}

// CommitInfoAction records provenance for a commit.
type CommitInfoAction struct {
	Timestamp           int64             `json:"timestamp"`
	Operation           string            `json:"operation,omitempty"`
	OperationParameters map[string]string `json:"operationParameters,omitempty"`
	TxnID               string            `json:"txnId,omitempty"`
}

// TxnAction tracks an application's highest applied version, used to
// make replayed WAL batches idempotent.
type TxnAction struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated int64  `json:"lastUpdated,omitempty"`
}

// Validate rejects malformed actions before they reach the log.
func (a *Action) Validate() error {
	set := 0
	if a.Txn != nil {
		set++
	}
	if a.Add != nil {
		set++
		if a.Add.Path == "" {
			return errors.New(errors.CodeInvalidInput, "add action requires a path")
		}
	}
	if a.Remove != nil {
		set++
		if a.Remove.Path == "" {
			return errors.New(errors.CodeInvalidInput, "remove action requires a path")
		}
	}
	if a.MetaData != nil {
		set++
	}
	if a.Protocol != nil {
		set++
		if a.Protocol.MinReaderVersion < 1 || a.Protocol.MinWriterVersion < 1 {
			return errors.New(errors.CodeInvalidInput, "protocol versions must be >= 1")
		}
	}
	if a.CommitInfo != nil {
		set++
	}
	if set != 1 {
		return errors.Newf(errors.CodeInvalidInput, "action must set exactly one field, got %d", set)
	}
	return nil
}

// EncodeActions serializes actions as newline-delimited JSON.
func EncodeActions(actions []Action) ([]byte, error) {
	var sb strings.Builder
	for i := range actions {
		if err := actions[i].Validate(); err != nil {
			return nil, err
		}
		line, err := json.Marshal(&actions[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "encoding action")
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}

// DecodeActions parses a commit file's newline-delimited actions.
func DecodeActions(data []byte) ([]Action, error) {
	var actions []Action
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var a Action
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageReadError, "decoding action line")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// CommitFileName formats the 20-digit zero-padded commit file name.
func CommitFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

// CheckpointFileName formats a checkpoint file name.
func CheckpointFileName(version int64) string {
	return fmt.Sprintf("%020d.checkpoint.parquet", version)
}

// ParseCommitVersion extracts the version from a commit file name.
func ParseCommitVersion(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") || len(name) != 25 {
		return 0, false
	}
	digits := strings.TrimSuffix(name, ".json")
	var v int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, true
}

// FileStats is the serialized per-file statistics payload carried by
// add actions: row count plus min/max/nullCount per column.
type FileStats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// Encode serializes stats for the add action's stats field.
func (s *FileStats) Encode() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeFileStats parses an add action's stats field; empty or
// malformed stats yield nil (callers must then scan the file).
func DecodeFileStats(s string) *FileStats {
	if s == "" {
		return nil
	}
	var fs FileStats
	if err := json.Unmarshal([]byte(s), &fs); err != nil {
		return nil
	}
	return &fs
}
