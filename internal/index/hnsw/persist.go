package hnsw

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Binary layout: magic, format version, config (metric, dimensions,
// precision), entry point, node count, then each node: docId
// (length-prefixed), rowGroup, rowOffset, deleted flag, vector at the
// configured precision, and per-layer neighbor lists.
var magic = [8]byte{'L', 'K', 'H', 'N', 'S', 'W', '0', '1'}

const formatVersion uint32 = 1

// Save writes the index. The writer receives a fully self-describing
// snapshot: loading does not need anything beyond the expected config.
func (ix *Index) Save(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index header")
	}
	write := func(v any) error {
		return binary.Write(bw, binary.LittleEndian, v)
	}
	writeString := func(s string) error {
		if err := write(uint16(len(s))); err != nil {
			return err
		}
		_, err := bw.WriteString(s)
		return err
	}

	if err := write(formatVersion); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index version")
	}
	if err := writeString(string(ix.cfg.Metric)); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index metric")
	}
	if err := write(uint32(ix.cfg.Dimensions)); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index dimensions")
	}
	if err := writeString(string(ix.cfg.Precision)); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index precision")
	}
	if err := write(int32(ix.entryPoint)); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index entry point")
	}
	if err := write(uint32(len(ix.nodes))); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "writing vector index node count")
	}

	for _, nd := range ix.nodes {
		if err := writeString(nd.docID); err != nil {
			return errors.Wrap(err, errors.CodeStorageError, "writing node doc id")
		}
		if err := write(nd.rowGroup); err != nil {
			return err
		}
		if err := write(nd.rowOffset); err != nil {
			return err
		}
		var deleted uint8
		if nd.deleted {
			deleted = 1
		}
		if err := write(deleted); err != nil {
			return err
		}
		for _, v := range nd.vector {
			if ix.cfg.Precision == Float32 {
				if err := write(float32(v)); err != nil {
					return err
				}
			} else {
				if err := write(v); err != nil {
					return err
				}
			}
		}
		if err := write(uint8(len(nd.neighbors))); err != nil {
			return err
		}
		for _, layer := range nd.neighbors {
			if err := write(uint16(len(layer))); err != nil {
				return err
			}
			for _, nb := range layer {
				if err := write(nb); err != nil {
					return err
				}
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "flushing vector index")
	}
	return nil
}

// Load reads an index saved with Save, enforcing that the stored
// metric, dimensions and precision match cfg. Any mismatch fails with
// a configuration error rather than silently serving wrong distances.
func Load(r io.Reader, cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	br := bufio.NewReader(r)
	var gotMagic [8]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index header")
	}
	if gotMagic != magic {
		return nil, errors.New(errors.CodeIndexLoadError, "not a vector index file")
	}

	read := func(v any) error {
		return binary.Read(br, binary.LittleEndian, v)
	}
	readString := func() (string, error) {
		var n uint16
		if err := read(&n); err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	var version uint32
	if err := read(&version); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index version")
	}
	if version != formatVersion {
		return nil, errors.Newf(errors.CodeIndexLoadError, "unsupported vector index version %d", version)
	}

	metric, err := readString()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index metric")
	}
	var dims uint32
	if err := read(&dims); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index dimensions")
	}
	precision, err := readString()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index precision")
	}

	if Metric(metric) != cfg.Metric || int(dims) != cfg.Dimensions || Precision(precision) != cfg.Precision {
		return nil, errors.New(errors.CodeConfigurationError, "vector index config mismatch").
			WithContext("storedMetric", metric).
			WithContext("storedDimensions", strconv.Itoa(int(dims))).
			WithContext("storedPrecision", precision)
	}

	var entryPoint int32
	if err := read(&entryPoint); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index entry point")
	}
	var nodeCount uint32
	if err := read(&nodeCount); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading vector index node count")
	}

	ix, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ix.entryPoint = entryPoint

	for i := uint32(0); i < nodeCount; i++ {
		docID, err := readString()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node doc id")
		}
		nd := &node{docID: docID}
		if err := read(&nd.rowGroup); err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node row group")
		}
		if err := read(&nd.rowOffset); err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node row offset")
		}
		var deleted uint8
		if err := read(&deleted); err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node tombstone")
		}
		nd.deleted = deleted != 0

		nd.vector = make([]float64, cfg.Dimensions)
		for d := 0; d < cfg.Dimensions; d++ {
			if cfg.Precision == Float32 {
				var v float32
				if err := read(&v); err != nil {
					return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node vector")
				}
				nd.vector[d] = float64(v)
			} else {
				if err := read(&nd.vector[d]); err != nil {
					return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node vector")
				}
			}
		}

		var layers uint8
		if err := read(&layers); err != nil {
			return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading node layer count")
		}
		nd.layer = int(layers) - 1
		nd.neighbors = make([][]int32, layers)
		for l := uint8(0); l < layers; l++ {
			var count uint16
			if err := read(&count); err != nil {
				return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading neighbor count")
			}
			nd.neighbors[l] = make([]int32, count)
			for j := uint16(0); j < count; j++ {
				if err := read(&nd.neighbors[l][j]); err != nil {
					return nil, errors.Wrap(err, errors.CodeIndexLoadError, "reading neighbor id")
				}
			}
		}

		ix.nodes = append(ix.nodes, nd)
		if !nd.deleted {
			ix.byDoc[docID] = int32(i)
		}
		if nd.layer > ix.maxLayer {
			ix.maxLayer = nd.layer
		}
	}
	return ix, nil
}

