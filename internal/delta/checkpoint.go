package delta

import (
	"context"
	"encoding/json"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Checkpoint materializes the table state at version into a Parquet
// file: the active file set plus the latest metaData and protocol,
// one action per row. The _last_checkpoint sentinel is written
// atomically last so readers never observe a pointer to a checkpoint
// that is not fully durable.
func (l *Log) Checkpoint(ctx context.Context, version int64) error {
	st := newState()

	// Base on the previous checkpoint when one exists below version.
	replayFrom := int64(0)
	lc, err := l.readLastCheckpoint(ctx)
	if err != nil {
		return err
	}
	if lc != nil && lc.Version < version {
		if err := l.loadCheckpoint(ctx, lc, st); err != nil {
			return err
		}
		replayFrom = lc.Version + 1
	}

	versions, err := l.listCommitVersions(ctx, replayFrom)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v > version {
			break
		}
		data, err := l.store.Read(ctx, l.logPath(CommitFileName(v)))
		if err != nil {
			return err
		}
		actions, err := DecodeActions(data)
		if err != nil {
			return err
		}
		for _, a := range actions {
			st.apply(a)
		}
	}

	rows, err := checkpointRows(st)
	if err != nil {
		return err
	}
	data, err := codec.WriteCheckpoint(rows, nil)
	if err != nil {
		return err
	}
	if _, err := l.store.WriteAtomic(ctx, l.logPath(CheckpointFileName(version)), data, nil); err != nil {
		return err
	}

	sentinel, err := json.Marshal(lastCheckpoint{Version: version, Size: int64(len(rows))})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encoding _last_checkpoint")
	}
	if _, err := l.store.WriteAtomic(ctx, l.logPath(lastCheckpointKey), sentinel, nil); err != nil {
		return err
	}

	l.logger.Info().Int64("version", version).Int("rows", len(rows)).Msg("checkpoint written")
	return nil
}

// checkpointRows emits protocol and metaData first, then txns, then
// the active file set. Each row populates exactly one action column.
func checkpointRows(st *state) ([]codec.CheckpointRow, error) {
	var rows []codec.CheckpointRow

	marshal := func(v any) (*string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "encoding checkpoint action")
		}
		s := string(data)
		return &s, nil
	}

	if st.protocol != nil {
		p, err := marshal(st.protocol)
		if err != nil {
			return nil, err
		}
		rows = append(rows, codec.CheckpointRow{Protocol: p})
	}
	if st.metadata != nil {
		m, err := marshal(st.metadata)
		if err != nil {
			return nil, err
		}
		rows = append(rows, codec.CheckpointRow{MetaData: m})
	}
	for appID, v := range st.txns {
		t, err := marshal(TxnAction{AppID: appID, Version: v})
		if err != nil {
			return nil, err
		}
		rows = append(rows, codec.CheckpointRow{Txn: t})
	}
	for _, add := range st.files {
		a, err := marshal(add)
		if err != nil {
			return nil, err
		}
		rows = append(rows, codec.CheckpointRow{Add: a})
	}
	return rows, nil
}

// loadCheckpoint replays a checkpoint file into st and verifies the
// row count against the sentinel.
func (l *Log) loadCheckpoint(ctx context.Context, lc *lastCheckpoint, st *state) error {
	data, err := l.store.Read(ctx, l.logPath(CheckpointFileName(lc.Version)))
	if err != nil {
		if errors.CodeOf(err) == errors.CodeFileNotFound {
			return errors.New(errors.CodeSnapshotNotFound, "checkpoint file missing").
				WithContext("version", CheckpointFileName(lc.Version))
		}
		return err
	}
	rows, err := codec.ReadCheckpoint(data)
	if err != nil {
		return err
	}
	if int64(len(rows)) != lc.Size {
		return errors.Newf(errors.CodeStorageReadError,
			"checkpoint row count %d does not match _last_checkpoint size %d", len(rows), lc.Size)
	}

	for _, row := range rows {
		switch {
		case row.Add != nil:
			var add AddAction
			if err := json.Unmarshal([]byte(*row.Add), &add); err != nil {
				return errors.Wrap(err, errors.CodeStorageReadError, "parsing checkpoint add row")
			}
			st.apply(Action{Add: &add})
		case row.Remove != nil:
			var rm RemoveAction
			if err := json.Unmarshal([]byte(*row.Remove), &rm); err != nil {
				return errors.Wrap(err, errors.CodeStorageReadError, "parsing checkpoint remove row")
			}
			st.apply(Action{Remove: &rm})
		case row.MetaData != nil:
			var md MetaDataAction
			if err := json.Unmarshal([]byte(*row.MetaData), &md); err != nil {
				return errors.Wrap(err, errors.CodeStorageReadError, "parsing checkpoint metaData row")
			}
			st.apply(Action{MetaData: &md})
		case row.Protocol != nil:
			var p ProtocolAction
			if err := json.Unmarshal([]byte(*row.Protocol), &p); err != nil {
				return errors.Wrap(err, errors.CodeStorageReadError, "parsing checkpoint protocol row")
			}
			st.apply(Action{Protocol: &p})
		case row.Txn != nil:
			var t TxnAction
			if err := json.Unmarshal([]byte(*row.Txn), &t); err != nil {
				return errors.Wrap(err, errors.CodeStorageReadError, "parsing checkpoint txn row")
			}
			st.apply(Action{Txn: &t})
		}
	}
	return nil
}
