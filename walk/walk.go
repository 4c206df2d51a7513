// Package walk implements the two directory-tree walkers the
// reconciliation engine diffs against each other: a remote walk driven
// by the sync: LIST message, and a local walk over the host
// filesystem. Both yield the same shape, one directory ("tier") at a
// time, in depth-first pre-order.
package walk

import (
	"os"
	"path"
	"sort"
	"strings"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
	"github.com/mpalmer/adbsync/wire"
)

// modeDir and modeRegular are the POSIX S_IFMT bits for directories and
// regular files, matching the wire.DirEntry convention so local and
// remote entries can be compared without a second representation.
const (
	modeDir     = 0o040000
	modeRegular = 0o100000
)

// Entry is one directory child, local or remote, normalized to the
// subset of stat fields the reconciliation engine cares about.
type Entry struct {
	Name  string
	Mode  uint32
	Size  uint32
	Mtime uint32
}

func (e Entry) IsDir() bool     { return e.Mode&0o170000 == modeDir }
func (e Entry) IsRegular() bool { return e.Mode&0o170000 == modeRegular }

// Tier is one directory's contents: its subdirectories and regular
// files, both sorted by name for deterministic pairing against the
// other side of a reconciliation.
type Tier struct {
	// Root is the canonical (POSIX, relative-to-walk-root) path of this
	// directory. The walk root itself has Root == "".
	Root  string
	Dirs  []Entry
	Files []Entry
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
}

// ListRemote issues one LIST against sc and splits the reply into
// directories and regular files, dropping "." / ".." and anything that
// is neither a directory nor a regular file (symlinks, devices).
func ListRemote(sc *wire.SyncConn, dir string) (Tier, error) {
	entries, err := sc.List(dir)
	if err != nil {
		return Tier{}, err
	}
	tier := Tier{}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		norm := Entry{Name: e.Name, Mode: e.Mode, Size: e.Size, Mtime: e.Mtime}
		switch {
		case norm.IsDir():
			tier.Dirs = append(tier.Dirs, norm)
		case norm.IsRegular():
			tier.Files = append(tier.Files, norm)
		}
	}
	sortEntries(tier.Dirs)
	sortEntries(tier.Files)
	return tier, nil
}

// ListLocal lists one host-filesystem directory, in the same shape as
// ListRemote. Entries that cannot be stat'd are reported to warn and
// skipped; symlinks and other non-regular, non-directory entries are
// dropped silently, matching the remote side's behavior.
func ListLocal(dir string, warn func(string)) (Tier, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return Tier{}, aerrors.WrapErrorf(err, aerrors.LocalIOError, "reading directory %s", dir)
	}
	tier := Tier{}
	for _, de := range dirents {
		info, ierr := de.Info()
		if ierr != nil {
			if warn != nil {
				warn("skipping " + path.Join(dir, de.Name()) + ": " + ierr.Error())
			}
			continue
		}
		mode := uint32(0)
		switch {
		case info.IsDir():
			mode = modeDir
		case info.Mode().IsRegular():
			mode = modeRegular
		default:
			continue
		}
		tier.Dirs, tier.Files = appendByMode(tier, Entry{
			Name:  de.Name(),
			Mode:  mode,
			Size:  uint32(info.Size()),
			Mtime: uint32(info.ModTime().Unix()),
		})
	}
	sortEntries(tier.Dirs)
	sortEntries(tier.Files)
	return tier, nil
}

func appendByMode(t Tier, e Entry) ([]Entry, []Entry) {
	if e.IsDir() {
		return append(t.Dirs, e), t.Files
	}
	return t.Dirs, append(t.Files, e)
}

// walkTree recurses a tree one Tier at a time in depth-first pre-order,
// calling list to fetch each directory's contents and fn to consume it.
// LocalWalk and RemoteWalk are both this recursion over a different
// list function.
func walkTree(list func(relDir string) (Tier, error), fn func(Tier) error) error {
	return walkTreeRec("", list, fn)
}

func walkTreeRec(relDir string, list func(relDir string) (Tier, error), fn func(Tier) error) error {
	tier, err := list(relDir)
	if err != nil {
		return err
	}
	tier.Root = relDir
	if err := fn(tier); err != nil {
		return err
	}
	for _, d := range tier.Dirs {
		if err := walkTreeRec(joinRel(relDir, d.Name), list, fn); err != nil {
			return err
		}
	}
	return nil
}

// LocalWalk recurses the host filesystem rooted at localRoot in
// depth-first pre-order, invoking fn once per directory with that
// directory's canonical relative path and contents. Walking stops and
// returns the first error fn or the listing itself produces.
func LocalWalk(localRoot string, warn func(string), fn func(Tier) error) error {
	return walkTree(func(relDir string) (Tier, error) {
		return ListLocal(path.Join(localRoot, relDir), warn)
	}, fn)
}

// RemoteWalk recurses the device filesystem rooted at remoteRoot (via
// LIST) in depth-first pre-order, invoking fn once per directory.
func RemoteWalk(sc *wire.SyncConn, remoteRoot string, fn func(Tier) error) error {
	return walkTree(func(relDir string) (Tier, error) {
		return ListRemote(sc, path.Join(remoteRoot, relDir))
	}, fn)
}

func joinRel(relDir, name string) string {
	if relDir == "" {
		return name
	}
	return relDir + "/" + name
}

// DBRecord is the (mtime, size) pair the sidecar DB tracks per path.
type DBRecord struct {
	Mtime uint32
	Size  uint32
}

// DBWalk synthesizes a walk with the same shape as RemoteWalk, but
// derived purely from a flat canonical-path → DBRecord map (fast
// mode): every path's directory components become synthetic
// directories, and the map's leaves become files. This never touches
// the device, at the cost of not noticing files the DB doesn't know
// about.
func DBWalk(entries map[string]DBRecord, fn func(Tier) error) error {
	type node struct {
		children map[string]*node
		record   *DBRecord
	}
	root := &node{children: map[string]*node{}}
	for p, rec := range entries {
		rec := rec
		parts := strings.Split(p, "/")
		cur := root
		for i, part := range parts {
			if part == "" {
				continue
			}
			child, ok := cur.children[part]
			if !ok {
				child = &node{children: map[string]*node{}}
				cur.children[part] = child
			}
			if i == len(parts)-1 {
				child.record = &rec
			}
			cur = child
		}
	}

	var walkNode func(n *node, relDir string) error
	walkNode = func(n *node, relDir string) error {
		tier := Tier{Root: relDir}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := n.children[name]
			if child.record != nil && len(child.children) == 0 {
				tier.Files = append(tier.Files, Entry{
					Name:  name,
					Mode:  modeRegular,
					Size:  child.record.Size,
					Mtime: child.record.Mtime,
				})
			} else {
				tier.Dirs = append(tier.Dirs, Entry{Name: name, Mode: modeDir})
			}
		}
		if err := fn(tier); err != nil {
			return err
		}
		for _, d := range tier.Dirs {
			if err := walkNode(n.children[d.Name], joinRel(relDir, d.Name)); err != nil {
				return err
			}
		}
		return nil
	}
	return walkNode(root, "")
}
