package bundle

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/runs"
	"github.com/agentsubstrate/substrate/internal/store"
)

func seedStore(t *testing.T, run kernel.RunID) *store.Store {
	t.Helper()
	s := store.New(zap.NewNop())
	s.Put(kernel.NewKey(run, kernel.TypeKV, []byte("a")), kernel.Int(1), s.AllocateVersion(), nil)
	s.Put(kernel.NewKey(run, kernel.TypeKV, []byte("b")), kernel.String("x"), s.AllocateVersion(), nil)
	s.Put(runs.MetaKey(run), runs.Meta{RunID: run, Status: runs.StatusActive}.ToValue(), s.AllocateVersion(), nil)
	return s
}

// archiveMembers reads every member of the tar archive at path.
func archiveMembers(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		members[hdr.Name] = data
	}
	return members
}

// rewriteMember repacks the archive at path with one member's bytes run
// through mutate, leaving everything else untouched.
func rewriteMember(t *testing.T, path, name string, mutate func([]byte) []byte) {
	t.Helper()
	members := archiveMembers(t, path)
	require.Contains(t, members, name)
	members[name] = mutate(members[name])

	f, err := os.Create(path)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	for _, n := range []string{"MANIFEST.json", "RUN.json", "WAL.runlog"} {
		hdr := &tar.Header{Name: n, Mode: 0o644, Size: int64(len(members[n])), ModTime: time.Now()}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(members[n])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())
}

func TestExportImportRoundTrip(t *testing.T) {
	run := kernel.NewRunID()
	src := seedStore(t, run)
	meta := runs.Meta{RunID: run, Status: runs.StatusCompleted, Tags: map[string]string{"k": "v"}, CreatedNS: 1, UpdatedNS: 2}

	path := filepath.Join(t.TempDir(), "run.bundle")
	require.NoError(t, Export(path, run, meta, src, zap.NewNop()))

	// One archive, exactly the three defined members.
	members := archiveMembers(t, path)
	require.Len(t, members, 3)
	for _, name := range []string{"MANIFEST.json", "RUN.json", "WAL.runlog"} {
		require.Contains(t, members, name)
	}

	dst := store.New(zap.NewNop())
	gotMeta, err := Import(path, dst, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, run, gotMeta.RunID)
	require.Equal(t, runs.StatusCompleted, gotMeta.Status)
	require.Equal(t, "v", gotMeta.Tags["k"])

	a, found := dst.Get(kernel.NewKey(run, kernel.TypeKV, []byte("a")))
	require.True(t, found)
	require.Equal(t, int64(1), a.Value.Int)

	b, found := dst.Get(kernel.NewKey(run, kernel.TypeKV, []byte("b")))
	require.True(t, found)
	require.Equal(t, "x", b.Value.Str)
}

func TestReadRejectsTamperedWAL(t *testing.T) {
	run := kernel.NewRunID()
	src := seedStore(t, run)
	meta := runs.Meta{RunID: run, Status: runs.StatusActive}

	path := filepath.Join(t.TempDir(), "run.bundle")
	require.NoError(t, Export(path, run, meta, src, zap.NewNop()))

	rewriteMember(t, path, "WAL.runlog", func(data []byte) []byte {
		data[len(data)-1] ^= 0xff
		return data
	})

	_, _, err := Read(path)
	require.ErrorIs(t, err, kernel.ErrInvalidBundle)
}

func TestReadRejectsEntryCountMismatch(t *testing.T) {
	run := kernel.NewRunID()
	src := seedStore(t, run)
	meta := runs.Meta{RunID: run, Status: runs.StatusActive}

	path := filepath.Join(t.TempDir(), "run.bundle")
	require.NoError(t, Export(path, run, meta, src, zap.NewNop()))

	// Shrink the declared count but leave the WAL (and its checksum)
	// intact.
	rewriteMember(t, path, "MANIFEST.json", func(data []byte) []byte {
		// EntryCount is 3 (two KV keys plus run metadata).
		require.Contains(t, string(data), `"entry_count": 3`)
		return []byte(strings.Replace(string(data), `"entry_count": 3`, `"entry_count": 2`, 1))
	})

	_, _, err := Read(path)
	require.ErrorIs(t, err, kernel.ErrInvalidBundle)
}

func TestReadRejectsMissingMember(t *testing.T) {
	run := kernel.NewRunID()
	src := seedStore(t, run)

	path := filepath.Join(t.TempDir(), "run.bundle")
	require.NoError(t, Export(path, run, runs.Meta{RunID: run, Status: runs.StatusActive}, src, zap.NewNop()))

	// Repack without the runlog.
	members := archiveMembers(t, path)
	f, err := os.Create(path)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	for _, n := range []string{"MANIFEST.json", "RUN.json"} {
		hdr := &tar.Header{Name: n, Mode: 0o644, Size: int64(len(members[n])), ModTime: time.Now()}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(members[n])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	_, _, err = Read(path)
	require.ErrorIs(t, err, kernel.ErrInvalidBundle)
}

func TestReadMissingArchive(t *testing.T) {
	_, _, err := Read(filepath.Join(t.TempDir(), "nope.bundle"))
	require.Error(t, err)
}
