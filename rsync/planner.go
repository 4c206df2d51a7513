package rsync

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpalmer/adbsync/sidecar"
	"github.com/mpalmer/adbsync/walk"
	"github.com/mpalmer/adbsync/wire"
)

// mtimeTolerance is the equivalence predicate's slop, in seconds,
// absorbing clock skew and truncation on the device side.
const mtimeTolerance = 5

// planner walks the local and remote (or DB-derived) trees in
// lockstep, classifying each child into work items and a carried-
// forward sidecar DB.
type planner struct {
	sc         *wire.SyncConn
	localRoot  string
	remoteRoot string
	opts       Options
	mtimeWorks bool

	oldDB     *sidecar.DB
	newDB     *sidecar.DB
	dbEntries map[string]walk.DBRecord // only populated when opts.Fast

	removes []WorkItem
	adds    []WorkItem
}

func relJoin(relDir, name string) string {
	if relDir == "" {
		return name
	}
	return relDir + "/" + name
}

func different(lSize, lMtime, rSize, trackedRMtime uint32) bool {
	if lSize != rSize {
		return true
	}
	diff := int64(lMtime) - int64(trackedRMtime)
	if diff < 0 {
		diff = -diff
	}
	return diff > mtimeTolerance
}

// foldName maps a path component to its pairing key: folded to lower
// case when case-insensitive pairing is in effect (the default), or
// returned unchanged for an exact-case comparison.
func (p *planner) foldName(name string) string {
	if p.opts.caseInsensitive() {
		return strings.ToLower(name)
	}
	return name
}

// dbKey maps a canonical relative path to its sidecar DB storage key:
// always lower-cased, regardless of CaseInsensitive pairing, matching
// the on-disk data model (a local rename that only changes case must
// still look like a change against the carried-forward DB).
func (p *planner) dbKey(relPath string) string {
	return strings.ToLower(relPath)
}

func (p *planner) indexByName(entries []walk.Entry) map[string]walk.Entry {
	out := make(map[string]walk.Entry, len(entries))
	for _, e := range entries {
		out[p.foldName(e.Name)] = e
	}
	return out
}

// warnLocalCaseCollisions reports local entries within one directory
// that differ only in case. Under case-insensitive pairing, only one of
// them can ever be matched against the remote side, so a collision here
// means one local file is silently invisible to reconciliation;
// surfaced as a warning rather than an error since the local tree
// itself is not wrong. A no-op when pairing is case-sensitive.
func (p *planner) warnLocalCaseCollisions(relDir string, tier walk.Tier) {
	if !p.opts.caseInsensitive() {
		return
	}
	seen := make(map[string]string)
	warn := func(name string) {
		relPath := relJoin(relDir, name)
		p.opts.warn("local entries differ only in case near %q; case-insensitive pairing will ignore all but one", relPath)
	}
	for _, e := range tier.Files {
		key := strings.ToLower(e.Name)
		if prev, ok := seen[key]; ok && prev != e.Name {
			warn(prev)
			warn(e.Name)
			continue
		}
		seen[key] = e.Name
	}
	for _, e := range tier.Dirs {
		key := strings.ToLower(e.Name)
		if prev, ok := seen[key]; ok && prev != e.Name {
			warn(prev)
			warn(e.Name)
			continue
		}
		seen[key] = e.Name
	}
}

// plan recurses into relDir (canonical, relative to both roots),
// classifying its children and recursing into common/missing-on-remote
// subdirectories. Errors abort the whole walk.
func (p *planner) plan(relDir string) error {
	localTier, err := walk.ListLocal(filepath.Join(p.localRoot, filepath.FromSlash(relDir)), p.opts.Warning)
	if err != nil {
		return err
	}

	var remoteTier walk.Tier
	if p.opts.Fast {
		remoteTier = p.dbTier(relDir)
	} else {
		remoteTier, err = walk.ListRemote(p.sc, path.Join(p.remoteRoot, relDir))
		if err != nil {
			return err
		}
	}

	remoteFiles := p.indexByName(remoteTier.Files)
	remoteDirs := p.indexByName(remoteTier.Dirs)

	p.warnLocalCaseCollisions(relDir, localTier)

	for _, lentry := range localTier.Files {
		key := p.foldName(lentry.Name)
		relPath := relJoin(relDir, lentry.Name)

		rentry, ok := remoteFiles[key]
		delete(remoteFiles, key)
		if !ok {
			p.addFile(relDir, lentry)
			continue
		}

		tracked := uint32(0)
		if e, ok := p.oldDB.Get(p.dbKey(relPath)); ok {
			tracked = e.Mtime
		}
		if p.mtimeWorks {
			tracked = rentry.Mtime
		}

		if different(lentry.Size, lentry.Mtime, rentry.Size, tracked) {
			p.addFile(relDir, lentry)
			continue
		}

		size := rentry.Size
		mtimeVal := tracked
		if existing, ok := p.oldDB.Get(p.dbKey(relPath)); ok {
			size = existing.Size
			if !p.mtimeWorks {
				mtimeVal = existing.Mtime
			}
		}
		p.newDB.Set(p.dbKey(relPath), sidecar.Entry{Mtime: mtimeVal, Size: size})
	}

	for key, rentry := range remoteFiles {
		_ = key
		if relDir == "" && strings.EqualFold(rentry.Name, p.opts.sidecarName()) {
			continue
		}
		relPath := relJoin(relDir, rentry.Name)
		p.removes = append(p.removes, WorkItem{
			Kind:       RemoveFile,
			RelPath:    relPath,
			RemotePath: path.Join(p.remoteRoot, relPath),
		})
	}

	for _, lentry := range localTier.Dirs {
		key := p.foldName(lentry.Name)
		delete(remoteDirs, key)
		if err := p.plan(relJoin(relDir, lentry.Name)); err != nil {
			return err
		}
	}

	dirNames := make([]string, 0, len(remoteDirs))
	for key := range remoteDirs {
		dirNames = append(dirNames, key)
	}
	sort.Strings(dirNames)
	for _, key := range dirNames {
		rentry := remoteDirs[key]
		relPath := relJoin(relDir, rentry.Name)
		p.removes = append(p.removes, WorkItem{
			Kind:       RemoveDir,
			RelPath:    relPath,
			RemotePath: path.Join(p.remoteRoot, relPath),
		})
	}

	return nil
}

// addFile records a pending push. It deliberately does NOT touch newDB:
// a planned add is not yet a fact about the remote filesystem, and
// newDB must only ever describe files that actually made it across (see
// Sync's execute loop, which sets the entry once pushOne succeeds).
func (p *planner) addFile(relDir string, lentry walk.Entry) {
	relPath := relJoin(relDir, lentry.Name)
	p.adds = append(p.adds, WorkItem{
		Kind:       AddFile,
		RelPath:    relPath,
		DBKey:      p.dbKey(relPath),
		LocalPath:  filepath.Join(p.localRoot, filepath.FromSlash(relPath)),
		RemotePath: path.Join(p.remoteRoot, relPath),
		Mode:       lentry.Mode,
		Size:       lentry.Size,
		Mtime:      lentry.Mtime,
	})
}

// dbTier synthesizes one directory's worth of children from the flat
// fast-mode DB map, used in place of a real LIST when opts.Fast.
func (p *planner) dbTier(relDir string) walk.Tier {
	tier := walk.Tier{Root: relDir}
	prefix := ""
	if relDir != "" {
		prefix = relDir + "/"
	}
	seenDirs := make(map[string]bool)
	for relPath, rec := range p.dbEntries {
		if !strings.HasPrefix(relPath, prefix) {
			continue
		}
		rest := relPath[len(prefix):]
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			dirName := rest[:idx]
			if !seenDirs[dirName] {
				seenDirs[dirName] = true
				tier.Dirs = append(tier.Dirs, walk.Entry{Name: dirName, Mode: 0o040000})
			}
			continue
		}
		tier.Files = append(tier.Files, walk.Entry{
			Name: rest, Mode: 0o100000, Size: rec.Size, Mtime: rec.Mtime,
		})
	}
	sort.Slice(tier.Dirs, func(i, j int) bool { return tier.Dirs[i].Name < tier.Dirs[j].Name })
	sort.Slice(tier.Files, func(i, j int) bool { return tier.Files[i].Name < tier.Files[j].Name })
	return tier
}

func toDBRecords(db *sidecar.DB) map[string]walk.DBRecord {
	out := make(map[string]walk.DBRecord)
	for k, v := range db.Entries() {
		out[k] = walk.DBRecord{Mtime: v.Mtime, Size: v.Size}
	}
	return out
}
