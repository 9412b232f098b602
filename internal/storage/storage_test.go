package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// backendsUnderTest returns every locally-runnable backend.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Backend{
		"memory":     NewMemory(),
		"filesystem": fs,
		"sqlite":     sq,
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			res, err := b.Write(ctx, "a/b/c.txt", []byte("hello"), nil)
			require.NoError(t, err)
			require.NotEmpty(t, res.ETag)
			require.Equal(t, int64(5), res.Size)

			data, err := b.Read(ctx, "a/b/c.txt")
			require.NoError(t, err)
			require.Equal(t, "hello", string(data))

			_, err = b.Read(ctx, "a/b/missing.txt")
			require.Equal(t, errors.CodeFileNotFound, errors.CodeOf(err))
		})
	}
}

func TestReadRangeClamping(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Write(ctx, "range.bin", []byte("0123456789"), nil)
			require.NoError(t, err)

			data, err := b.ReadRange(ctx, "range.bin", 2, 5)
			require.NoError(t, err)
			require.Equal(t, "234", string(data))

			// end clamped to size
			data, err = b.ReadRange(ctx, "range.bin", 8, 100)
			require.NoError(t, err)
			require.Equal(t, "89", string(data))

			// start at or past size yields empty
			data, err = b.ReadRange(ctx, "range.bin", 10, 20)
			require.NoError(t, err)
			require.Empty(t, data)
		})
	}
}

func TestWriteConditionalCreateOnly(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.WriteConditional(ctx, "once.json", []byte("v1"), nil)
			require.NoError(t, err)

			_, err = b.WriteConditional(ctx, "once.json", []byte("v2"), nil)
			require.Equal(t, errors.CodeAlreadyExists, errors.CodeOf(err))

			data, err := b.Read(ctx, "once.json")
			require.NoError(t, err)
			require.Equal(t, "v1", string(data))
		})
	}
}

func TestWriteConditionalCAS(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			res1, err := b.WriteConditional(ctx, "cas.json", []byte("v1"), nil)
			require.NoError(t, err)

			res2, err := b.WriteConditional(ctx, "cas.json", []byte("v2"), &res1.ETag)
			require.NoError(t, err)
			require.NotEqual(t, res1.ETag, res2.ETag)

			// Stale etag must be rejected.
			_, err = b.WriteConditional(ctx, "cas.json", []byte("v3"), &res1.ETag)
			require.Equal(t, errors.CodeETagMismatch, errors.CodeOf(err))

			data, err := b.Read(ctx, "cas.json")
			require.NoError(t, err)
			require.Equal(t, "v2", string(data))
		})
	}
}

func TestConditionalCreateRace(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const writers = 10
			var wg sync.WaitGroup
			successes := make(chan int, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := b.WriteConditional(ctx, "race.json", []byte(fmt.Sprintf("writer-%d", i)), nil)
					if err == nil {
						successes <- i
					}
				}(i)
			}
			wg.Wait()
			close(successes)
			var winners []int
			for w := range successes {
				winners = append(winners, w)
			}
			require.Len(t, winners, 1, "exactly one conditional create must win")
		})
	}
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Append(ctx, "log.ndjson", []byte("one\n")))
			require.NoError(t, b.Append(ctx, "log.ndjson", []byte("two\n")))
			data, err := b.Read(ctx, "log.ndjson")
			require.NoError(t, err)
			require.Equal(t, "one\ntwo\n", string(data))
		})
	}
}

func TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Write(ctx, "del.txt", []byte("x"), nil)
			require.NoError(t, err)

			ok, err := b.Exists(ctx, "del.txt")
			require.NoError(t, err)
			require.True(t, ok)

			deleted, err := b.Delete(ctx, "del.txt")
			require.NoError(t, err)
			require.True(t, deleted)

			deleted, err = b.Delete(ctx, "del.txt")
			require.NoError(t, err)
			require.False(t, deleted)
		})
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				_, err := b.Write(ctx, fmt.Sprintf("bulk/%d.txt", i), []byte("x"), nil)
				require.NoError(t, err)
			}
			_, err := b.Write(ctx, "keep/0.txt", []byte("x"), nil)
			require.NoError(t, err)

			n, err := b.DeletePrefix(ctx, "bulk/")
			require.NoError(t, err)
			require.Equal(t, 5, n)

			ok, err := b.Exists(ctx, "keep/0.txt")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestListPaginationAndDelimiter(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			keys := []string{
				"tbl/_delta_log/00000000000000000000.json",
				"tbl/_delta_log/00000000000000000001.json",
				"tbl/_delta_log/00000000000000000002.json",
				"tbl/data/part-0.parquet",
				"tbl/data/part-1.parquet",
			}
			for _, k := range keys {
				_, err := b.Write(ctx, k, []byte("x"), nil)
				require.NoError(t, err)
			}

			// Delimiter grouping yields common prefixes.
			res, err := b.List(ctx, "tbl/", &ListOptions{Delimiter: "/"})
			require.NoError(t, err)
			require.Empty(t, res.Files)
			require.ElementsMatch(t, []string{"tbl/_delta_log/", "tbl/data/"}, res.Prefixes)

			// Pagination walks all commit files in order.
			var got []string
			cursor := ""
			for {
				res, err := b.List(ctx, "tbl/_delta_log/", &ListOptions{Limit: 2, Cursor: cursor})
				require.NoError(t, err)
				for _, f := range res.Files {
					got = append(got, f.Path)
				}
				if !res.HasMore {
					require.Empty(t, res.Cursor)
					break
				}
				require.NotEmpty(t, res.Cursor)
				cursor = res.Cursor
			}
			require.Equal(t, keys[:3], got)

			// Pattern filtering.
			res, err = b.List(ctx, "tbl/data/", &ListOptions{Pattern: "part-1.*"})
			require.NoError(t, err)
			require.Len(t, res.Files, 1)
			require.Equal(t, "tbl/data/part-1.parquet", res.Files[0].Path)
		})
	}
}

func TestCopyMoveStat(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Write(ctx, "src.txt", []byte("payload"), nil)
			require.NoError(t, err)

			require.NoError(t, b.Copy(ctx, "src.txt", "copy.txt"))
			require.NoError(t, b.Move(ctx, "copy.txt", "moved.txt"))

			ok, err := b.Exists(ctx, "copy.txt")
			require.NoError(t, err)
			require.False(t, ok)

			info, err := b.Stat(ctx, "moved.txt")
			require.NoError(t, err)
			require.Equal(t, int64(7), info.Size)
		})
	}
}

func TestPathValidation(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(ctx, "../escape.txt")
			require.Equal(t, errors.CodePathTraversal, errors.CodeOf(err))

			_, err = b.Read(ctx, "/absolute.txt")
			require.Equal(t, errors.CodeInvalidPath, errors.CodeOf(err))

			_, err = b.Write(ctx, "a/../../b", []byte("x"), nil)
			require.Equal(t, errors.CodePathTraversal, errors.CodeOf(err))
		})
	}
}

func TestRmdirNonRecursiveRefusesChildren(t *testing.T) {
	ctx := context.Background()
	for name, b := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Write(ctx, "dir/child.txt", []byte("x"), nil)
			require.NoError(t, err)

			err = b.Rmdir(ctx, "dir", false)
			require.Error(t, err)
			require.Equal(t, "directory_not_empty", errors.ContextOf(err)["reason"])

			require.NoError(t, b.Rmdir(ctx, "dir", true))
			ok, err := b.Exists(ctx, "dir/child.txt")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMaxBytes(10))
	_, err := m.Write(ctx, "a", []byte("12345"), nil)
	require.NoError(t, err)
	_, err = m.Write(ctx, "b", []byte("123456"), nil)
	require.Equal(t, errors.CodeQuotaExceeded, errors.CodeOf(err))

	// Overwriting within the bound is fine.
	_, err = m.Write(ctx, "a", []byte("1234567890"), nil)
	require.NoError(t, err)
}
