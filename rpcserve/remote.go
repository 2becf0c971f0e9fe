// Package rpcserve provides a net/rpc wrapper around a core.Handle, so a
// store directory can be served to remote clients over TCP.
package rpcserve

import (
	"net"
	"net/rpc"

	"go.uber.org/zap"

	"github.com/nullseed/caskdb/core"
)

// Remote exposes a *core.Handle's operations as RPC methods.
type Remote struct {
	h   *core.Handle
	log *zap.SugaredLogger
}

type GetArgs struct {
	Key []byte
}

type GetReply struct {
	Value []byte
}

type PutArgs struct {
	Key   []byte
	Value []byte
}

type DeleteArgs struct {
	Key []byte
}

func (r *Remote) Get(args *GetArgs, reply *GetReply) error {
	val, err := r.h.Get(args.Key)
	if err != nil {
		return err
	}
	reply.Value = val
	return nil
}

func (r *Remote) Put(args *PutArgs, _ *struct{}) error {
	return r.h.Put(args.Key, args.Value)
}

func (r *Remote) Delete(args *DeleteArgs, _ *struct{}) error {
	return r.h.Delete(args.Key)
}

func (r *Remote) Merge(_ *struct{}, _ *struct{}) error {
	return r.h.Merge()
}

// Server wraps a listening RPC server and the Handle it fronts.
type Server struct {
	listener net.Listener
	h        *core.Handle
	log      *zap.SugaredLogger
}

// Listen registers h's operations under the "Store" RPC service name and
// starts accepting connections on addr. The returned Server's Addr reports
// the bound address (useful when addr requests an ephemeral port).
func Listen(h *core.Handle, addr string, log *zap.SugaredLogger) (*Server, error) {
	remote := &Remote{h: h, log: log}

	server := rpc.NewServer()
	if err := server.RegisterName("Store", remote); err != nil {
		return nil, core.IoError(err, "register RPC service")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, core.IoError(err, "listen").WithDetail("addr", addr)
	}

	s := &Server{listener: listener, h: h, log: log}
	go server.Accept(listener)

	return s, nil
}

// Addr returns the server's bound network address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting new connections and closes the underlying Handle.
// It does not wait for in-flight RPCs to finish, matching net/rpc's own
// Accept loop, which has no graceful-drain hook.
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil {
		s.log.Warnw("close RPC listener", "error", err)
	}
	return s.h.Close()
}
