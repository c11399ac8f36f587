package ipc

import (
	"bytes"
	"context"
	"fmt"
	"os"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/library"
	"github.com/btpd/btpd-sub000/torrent"
)

// Builder constructs a *torrent.Torrent for a freshly parsed MetaInfo,
// wiring in whatever the caller's process-wide clock/stats/swarm/logger
// are. Kept as an injected function so this package never has to hold
// those dependencies itself.
type Builder func(mi *core.MetaInfo, contentDir string) *torrent.Torrent

// Server dispatches the wired subset of Command names against a
// library.Registry and torrent.Manager.
type Server struct {
	registry *library.Registry
	torrents *torrent.Manager
	build    Builder
	logger   *zap.SugaredLogger
}

// NewServer constructs a Server.
func NewServer(registry *library.Registry, torrents *torrent.Manager, build Builder, logger *zap.SugaredLogger) *Server {
	return &Server{registry: registry, torrents: torrents, build: build, logger: logger}
}

// Dispatch routes cmd to its handler. Commands outside the wired subset
// return FAIL, naming the command.
func (s *Server) Dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Name {
	case CmdAdd:
		return s.handleAdd(cmd)
	case CmdDel:
		return s.handleDel(cmd)
	case CmdStart:
		return s.handleStart(ctx, cmd)
	case CmdStop:
		return s.handleStop(ctx, cmd)
	default:
		return Response{Code: FAIL, Message: fmt.Sprintf("ipc: command %q not implemented", cmd.Name)}
	}
}

func (s *Server) handleAdd(cmd Command) Response {
	var args AddArgs
	if err := bencode.Unmarshal(bytes.NewReader(cmd.Args), &args); err != nil {
		return Response{Code: COMMERR, Message: fmt.Sprintf("decode add args: %s", err)}
	}

	f, err := os.Open(args.TorrentPath)
	if err != nil {
		return Response{Code: ERROR, Message: fmt.Sprintf("open torrent file: %s", err)}
	}
	defer f.Close()

	mi, err := core.DecodeMetaInfo(f)
	if err != nil {
		return Response{Code: ERROR, Message: fmt.Sprintf("decode torrent file: %s", err)}
	}

	if st, err := os.Stat(args.ContentDir); err != nil || !st.IsDir() {
		return Response{Code: ErrBadContentDir, Message: fmt.Sprintf("content dir %q is not a directory", args.ContentDir)}
	}

	torrentBytes, err := os.ReadFile(args.TorrentPath)
	if err != nil {
		return Response{Code: ERROR, Message: fmt.Sprintf("read torrent file: %s", err)}
	}
	info := library.Info{Dir: args.ContentDir, Name: mi.Name()}
	if err := s.registry.Add(mi.InfoHash(), torrentBytes, info); err != nil {
		return Response{Code: FAIL, Message: err.Error()}
	}

	t := s.build(mi, args.ContentDir)
	if err := s.torrents.Add(t); err != nil {
		return Response{Code: FAIL, Message: err.Error()}
	}
	return Response{Code: OK}
}

func (s *Server) handleDel(cmd Command) Response {
	hash, resp, ok := s.parseHash(cmd)
	if !ok {
		return resp
	}
	if t, ok := s.torrents.Get(hash); ok {
		if t.State() == torrent.Active {
			return Response{Code: ErrTorrentActive, Message: "torrent is active; stop it before deleting"}
		}
	}
	s.torrents.Remove(hash)
	if err := s.registry.Remove(hash); err != nil {
		return Response{Code: FAIL, Message: err.Error()}
	}
	return Response{Code: OK}
}

func (s *Server) handleStart(ctx context.Context, cmd Command) Response {
	hash, resp, ok := s.parseHash(cmd)
	if !ok {
		return resp
	}
	t, ok := s.torrents.Get(hash)
	if !ok {
		return Response{Code: ErrNoSuchEntry, Message: "no such torrent"}
	}
	if err := t.Start(ctx); err != nil {
		return Response{Code: ERROR, Message: err.Error()}
	}
	if err := s.registry.MarkActive(hash); err != nil {
		s.logger.Warnw("failed to mark torrent active", "hash", hash, "error", err)
	}
	return Response{Code: OK}
}

func (s *Server) handleStop(ctx context.Context, cmd Command) Response {
	hash, resp, ok := s.parseHash(cmd)
	if !ok {
		return resp
	}
	t, ok := s.torrents.Get(hash)
	if !ok {
		return Response{Code: ErrNoSuchEntry, Message: "no such torrent"}
	}
	t.Stop(ctx)
	if err := s.registry.MarkInactive(hash); err != nil {
		s.logger.Warnw("failed to mark torrent inactive", "hash", hash, "error", err)
	}
	return Response{Code: OK}
}

func (s *Server) parseHash(cmd Command) (core.InfoHash, Response, bool) {
	var args HashArgs
	if err := bencode.Unmarshal(bytes.NewReader(cmd.Args), &args); err != nil {
		return core.InfoHash{}, Response{Code: COMMERR, Message: fmt.Sprintf("decode args: %s", err)}, false
	}
	hash, err := core.NewInfoHashFromHex(args.InfoHash)
	if err != nil {
		return core.InfoHash{}, Response{Code: COMMERR, Message: fmt.Sprintf("bad info hash: %s", err)}, false
	}
	return hash, Response{}, true
}
