// Package bundle implements run export/import: a single tar archive
// holding a run's metadata, its data framed identically to the live WAL
// format, and a manifest of content digests.
//
// What: one archive with three members — MANIFEST.json (xxhash digest +
//       entry count), RUN.json (run metadata), WAL.runlog (the run's keys,
//       framed via internal/wal so import can replay them through the
//       exact same scan/apply path recovery uses).
// How: export walks the run index, emits one Put frame per live key into
//      the runlog, then packs the three members with archive/tar; import
//      unpacks, verifies the manifest digest, then replays the frames.
// Why: reusing wal.Scan for import means a corrupt or tampered bundle is
//      rejected by the same checksum logic as a corrupt live WAL, rather
//      than a second hand-rolled parser.
package bundle

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agentsubstrate/substrate/internal/kernel"
	"github.com/agentsubstrate/substrate/internal/runs"
	"github.com/agentsubstrate/substrate/internal/store"
	"github.com/agentsubstrate/substrate/internal/wal"
)

const (
	manifestFile = "MANIFEST.json"
	runFile      = "RUN.json"
	walFile      = "WAL.runlog"
)

// maxMemberSize caps a single archive member on read, so a malformed
// header cannot make extraction allocate without bound.
const maxMemberSize = 1 << 30

// Manifest records the bundle's content digest for import-time validation.
type Manifest struct {
	RunID        string `json:"run_id"`
	ExportedAtNS int64  `json:"exported_at_ns"`
	EntryCount   int    `json:"entry_count"`
	WALChecksum  uint64 `json:"wal_checksum_xxhash64"`
}

// Export writes run's metadata and every key it owns into a single tar
// archive at destPath.
func Export(destPath string, run kernel.RunID, meta runs.Meta, s *store.Store, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	// The runlog is framed by the same writer the live WAL uses, staged
	// in a scratch file before it becomes an archive member.
	tmpDir, err := os.MkdirTemp("", "substrate-bundle-")
	if err != nil {
		return errors.Wrap(err, "create bundle scratch dir")
	}
	defer os.RemoveAll(tmpDir)

	walPath := filepath.Join(tmpDir, walFile)
	w, err := wal.Open(wal.Config{Path: walPath, Durability: wal.Strict, Logger: logger})
	if err != nil {
		return errors.Wrap(err, "open bundle WAL")
	}

	entryCount := 0
	for _, kv := range s.ScanByRun(run, nil) {
		if err := w.Append(wal.Entry{
			Kind:          wal.KindPut,
			RunID:         run,
			Key:           kv.Key,
			Value:         kv.Value.Value,
			CommitVersion: kv.Value.Version,
			TTLDeadlineNS: kv.Value.TTLDeadlineNS,
		}); err != nil {
			w.Close()
			return errors.Wrap(err, "write bundle entry")
		}
		entryCount++
	}
	if err := w.Append(wal.Entry{Kind: wal.KindCommitTxn, RunID: run}); err != nil {
		w.Close()
		return errors.Wrap(err, "write bundle commit marker")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close bundle WAL")
	}

	walBytes, err := os.ReadFile(walPath)
	if err != nil {
		return errors.Wrap(err, "read bundle WAL")
	}

	metaBytes, err := json.MarshalIndent(metaWire(meta), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run metadata")
	}

	manifest := Manifest{
		RunID:        run.String(),
		ExportedAtNS: time.Now().UnixNano(),
		EntryCount:   entryCount,
		WALChecksum:  xxhash.Sum64(walBytes),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}

	if err := writeArchive(destPath, []member{
		{name: manifestFile, data: manifestBytes},
		{name: runFile, data: metaBytes},
		{name: walFile, data: walBytes},
	}); err != nil {
		return err
	}

	logger.Info("run bundle exported",
		zap.String("run_id", run.String()), zap.Int("entries", entryCount), zap.String("path", destPath))
	return nil
}

type member struct {
	name string
	data []byte
}

func writeArchive(path string, members []member) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create bundle archive")
	}
	tw := tar.NewWriter(f)
	for _, m := range members {
		hdr := &tar.Header{
			Name:    m.name,
			Mode:    0o644,
			Size:    int64(len(m.data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			f.Close()
			return errors.Wrapf(err, "write archive header %s", m.name)
		}
		if _, err := tw.Write(m.data); err != nil {
			f.Close()
			return errors.Wrapf(err, "write archive member %s", m.name)
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "finalize bundle archive")
	}
	return f.Close()
}

func readArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open bundle archive")
	}
	defer f.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read bundle archive")
		}
		if hdr.Size > maxMemberSize {
			return nil, kernel.ErrInvalidBundle
		}
		data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, errors.Wrapf(err, "read archive member %s", hdr.Name)
		}
		members[hdr.Name] = data
	}
	return members, nil
}

// Read validates the archive at srcPath and decodes its contents: the
// run's metadata plus every Put frame in the runlog, in file order. The
// caller decides how to apply the entries (the engine replays them through
// an ordinary transaction so the import is itself durable).
func Read(srcPath string) (runs.Meta, []wal.Entry, error) {
	members, err := readArchive(srcPath)
	if err != nil {
		return runs.Meta{}, nil, err
	}
	for _, name := range []string{manifestFile, runFile, walFile} {
		if _, ok := members[name]; !ok {
			return runs.Meta{}, nil, kernel.ErrInvalidBundle
		}
	}

	var manifest Manifest
	if err := json.Unmarshal(members[manifestFile], &manifest); err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "parse MANIFEST.json")
	}
	if xxhash.Sum64(members[walFile]) != manifest.WALChecksum {
		return runs.Meta{}, nil, kernel.ErrInvalidBundle
	}

	var mw metaWireT
	if err := json.Unmarshal(members[runFile], &mw); err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "parse RUN.json")
	}
	run, err := kernel.ParseRunID(manifest.RunID)
	if err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "parse bundle run id")
	}
	meta := mw.toMeta(run)

	// The runlog member goes through wal.Scan, the same decoder the
	// engine's crash recovery uses.
	tmp, err := os.CreateTemp("", "substrate-runlog-")
	if err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "stage bundle WAL")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(members[walFile]); err != nil {
		tmp.Close()
		return runs.Meta{}, nil, errors.Wrap(err, "stage bundle WAL")
	}
	if err := tmp.Close(); err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "stage bundle WAL")
	}

	var entries []wal.Entry
	_, err = wal.Scan(tmpPath, wal.DefaultMaxEntrySize, func(res wal.ScanResult) error {
		if res.Entry.Kind == wal.KindPut {
			entries = append(entries, res.Entry)
		}
		return nil
	})
	if err != nil {
		return runs.Meta{}, nil, errors.Wrap(err, "scan bundle WAL")
	}
	if len(entries) != manifest.EntryCount {
		return runs.Meta{}, nil, kernel.ErrInvalidBundle
	}
	return meta, entries, nil
}

// Import validates srcPath and replays its entries directly into s,
// returning the restored run's metadata. Used by offline tooling; the
// engine's own import path goes through Read plus a transaction.
func Import(srcPath string, s *store.Store, logger *zap.Logger) (runs.Meta, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, entries, err := Read(srcPath)
	if err != nil {
		return runs.Meta{}, err
	}
	for _, e := range entries {
		version := s.AllocateVersion()
		s.Put(e.Key, e.Value, version, e.TTLDeadlineNS)
	}
	logger.Info("run bundle imported",
		zap.String("run_id", meta.RunID.String()), zap.Int("entries", len(entries)))
	return meta, nil
}

// metaWireT is runs.Meta's JSON-friendly shadow (Meta's Status is a typed
// enum and Parent is a *uuid.UUID, neither of which round-trip cleanly
// through encoding/json without help).
type metaWireT struct {
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags"`
	Parent    string            `json:"parent,omitempty"`
	CreatedNS int64             `json:"created_ns"`
	UpdatedNS int64             `json:"updated_ns"`
}

func metaWire(m runs.Meta) metaWireT {
	w := metaWireT{
		Status:    m.Status.String(),
		Tags:      m.Tags,
		CreatedNS: m.CreatedNS,
		UpdatedNS: m.UpdatedNS,
	}
	if m.Parent != nil {
		w.Parent = m.Parent.String()
	}
	return w
}

func (w metaWireT) toMeta(run kernel.RunID) runs.Meta {
	m := runs.Meta{
		RunID:     run,
		Tags:      w.Tags,
		CreatedNS: w.CreatedNS,
		UpdatedNS: w.UpdatedNS,
	}
	for s := runs.StatusActive; s <= runs.StatusArchived; s++ {
		if s.String() == w.Status {
			m.Status = s
			break
		}
	}
	if w.Parent != "" {
		if id, err := kernel.ParseRunID(w.Parent); err == nil {
			m.Parent = &id
		}
	}
	return m
}
