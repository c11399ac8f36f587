// Package library implements the on-disk registry of known torrents
// (spec.md section 6): a working directory laid out as
// torrents/<hex-infohash>/{torrent,content,resume,info}, an `active` file
// recording which torrents should auto-start, a `pid` file guarding
// against two daemons sharing one working directory, and a `sock` UNIX
// socket for the external IPC surface (package ipc) to dial.
package library

import (
	"fmt"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"

	"github.com/btpd/btpd-sub000/core"
)

// Info is the bencoded per-torrent metadata record persisted to each
// entry's info file, per spec.md section 6.12.
type Info struct {
	Dir  string `bencode:"dir"`
	Name string `bencode:"name"`
}

// Registry owns the working directory's torrents/ tree and active file.
type Registry struct {
	root   string
	active *activeFile
}

// Open prepares root as a working directory, creating the torrents/
// subdirectory if it does not already exist.
func Open(root string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(root, "torrents"), 0755); err != nil {
		return nil, fmt.Errorf("library: create torrents dir: %w", err)
	}
	return &Registry{
		root:   root,
		active: &activeFile{path: filepath.Join(root, "active")},
	}, nil
}

// Root returns the registry's working directory.
func (r *Registry) Root() string { return r.root }

func (r *Registry) entryDir(hash core.InfoHash) string {
	return filepath.Join(r.root, "torrents", hash.Hex())
}

// TorrentPath returns the path to hash's raw .torrent file.
func (r *Registry) TorrentPath(hash core.InfoHash) string {
	return filepath.Join(r.entryDir(hash), "torrent")
}

// ContentPath returns the fixed path of the content entry inside hash's
// registry directory. It does not read Info.Dir: the download destination
// recorded there may be anywhere the user chose when adding the torrent,
// and nothing in this package creates the content entry itself.
func (r *Registry) ContentPath(hash core.InfoHash) string {
	return filepath.Join(r.entryDir(hash), "content")
}

// ResumePath returns the path to hash's resume file inside its entry
// directory; cmd/btpd passes it to content.Manager as Config.ResumePath.
func (r *Registry) ResumePath(hash core.InfoHash) string {
	return filepath.Join(r.entryDir(hash), "resume")
}

// InfoPath returns the path to hash's bencoded info record.
func (r *Registry) InfoPath(hash core.InfoHash) string {
	return filepath.Join(r.entryDir(hash), "info")
}

// Add creates hash's entry directory and writes its torrent bytes and
// info record. Returns an error if the entry already exists.
func (r *Registry) Add(hash core.InfoHash, torrentData []byte, info Info) error {
	dir := r.entryDir(hash)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("library: %s already registered", hash)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("library: create entry dir: %w", err)
	}
	if err := os.WriteFile(r.TorrentPath(hash), torrentData, 0644); err != nil {
		return fmt.Errorf("library: write torrent file: %w", err)
	}
	f, err := os.Create(r.InfoPath(hash))
	if err != nil {
		return fmt.Errorf("library: create info file: %w", err)
	}
	defer f.Close()
	if err := bencode.Marshal(f, info); err != nil {
		return fmt.Errorf("library: encode info: %w", err)
	}
	return nil
}

// ReadInfo reads back hash's info record.
func (r *Registry) ReadInfo(hash core.InfoHash) (Info, error) {
	f, err := os.Open(r.InfoPath(hash))
	if err != nil {
		return Info{}, fmt.Errorf("library: open info file: %w", err)
	}
	defer f.Close()
	var info Info
	if err := bencode.Unmarshal(f, &info); err != nil {
		return Info{}, fmt.Errorf("library: decode info: %w", err)
	}
	return info, nil
}

// Remove deletes hash's entire entry directory and clears its active-file
// entry, if any.
func (r *Registry) Remove(hash core.InfoHash) error {
	if err := r.active.Remove(hash); err != nil {
		return fmt.Errorf("library: remove from active file: %w", err)
	}
	if err := os.RemoveAll(r.entryDir(hash)); err != nil {
		return fmt.Errorf("library: remove entry dir: %w", err)
	}
	return nil
}

// MarkActive records hash as a torrent that should auto-start on the next
// daemon launch.
func (r *Registry) MarkActive(hash core.InfoHash) error {
	return r.active.Add(hash)
}

// MarkInactive removes hash from the auto-start set without deleting its
// entry.
func (r *Registry) MarkInactive(hash core.InfoHash) error {
	return r.active.Remove(hash)
}

// ActiveHashes returns every info hash currently marked active.
func (r *Registry) ActiveHashes() ([]core.InfoHash, error) {
	return r.active.List()
}

// List returns every info hash with a registered entry directory,
// regardless of active status.
func (r *Registry) List() ([]core.InfoHash, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, "torrents"))
	if err != nil {
		return nil, fmt.Errorf("library: read torrents dir: %w", err)
	}
	var hashes []core.InfoHash
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h, err := core.NewInfoHashFromHex(e.Name())
		if err != nil {
			continue // skip anything that isn't one of our entry dirs
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
