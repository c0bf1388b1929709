// Package docserver exposes a storage engine over a newline-delimited TCP
// protocol. Every request runs in its own transaction.
//
//	INSERT <col> <document text>   -> OK <page>:<index>
//	READ <page>:<index>            -> OK <document text>
//	DELETE <col> <page>:<index>    -> OK deleted
//	CHECKPOINT                     -> OK <summary>
//	STATS                          -> OK key=value ...
//	BACKUP <path>                  -> OK <sha256>
//
// Failures answer NOT_FOUND, BUSY or ERROR followed by a message.
package docserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojodoc/core/storage_engine"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
)

const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
	StatusBusy     = "BUSY"
	StatusError    = "ERROR"
)

// maxLineBytes bounds one request line: the largest document plus the command.
const maxLineBytes = storageengine.MaxDocumentSize + 64

// Request is a parsed client line.
type Request struct {
	Command string
	ColID   byte
	Address storageengine.PageAddress
	Text    string // INSERT document or BACKUP path
}

// Response is written back as "<Status> <Message>\n".
type Response struct {
	Status  string
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Status
	}
	return r.Status + " " + r.Message
}

// ParseRequest parses one protocol line.
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	command, rest, _ := strings.Cut(raw, " ")
	command = strings.ToUpper(command)
	req := Request{Command: command}

	switch command {
	case "INSERT":
		col, text, ok := strings.Cut(strings.TrimLeft(rest, " "), " ")
		if !ok || text == "" {
			return Request{}, errors.New("INSERT requires a collection id and a document")
		}
		colID, err := parseColID(col)
		if err != nil {
			return Request{}, err
		}
		req.ColID, req.Text = colID, text
	case "READ":
		addr, err := storageengine.ParsePageAddress(strings.TrimSpace(rest))
		if err != nil {
			return Request{}, err
		}
		req.Address = addr
	case "DELETE":
		parts := strings.Fields(rest)
		if len(parts) != 2 {
			return Request{}, errors.New("DELETE requires a collection id and an address")
		}
		colID, err := parseColID(parts[0])
		if err != nil {
			return Request{}, err
		}
		addr, err := storageengine.ParsePageAddress(parts[1])
		if err != nil {
			return Request{}, err
		}
		req.ColID, req.Address = colID, addr
	case "BACKUP":
		path := strings.TrimSpace(rest)
		if path == "" {
			return Request{}, errors.New("BACKUP requires a destination path")
		}
		req.Text = path
	case "CHECKPOINT", "STATS":
		// No arguments.
	case "":
		return Request{}, errors.New("empty command")
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

func parseColID(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid collection id %q: want 1-255", s)
	}
	return byte(v), nil
}

// Server serves one engine.
type Server struct {
	engine *storageengine.Engine
	logger *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(engine *storageengine.Engine, logger *zap.Logger) *Server {
	return &Server{
		engine: engine,
		logger: logger.Named("docserver"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// client connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	s.logger.Info("listening", zap.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if ctx.Err() != nil {
			conn.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	logger := s.logger.With(zap.String("remote", remote))
	logger.Debug("client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp Response
		req, err := ParseRequest(line)
		if err != nil {
			resp = Response{Status: StatusError, Message: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = s.Handle(ctx, req)
		}
		if _, err := w.WriteString(resp.String() + "\n"); err != nil {
			logger.Warn("failed to write response", zap.Error(err))
			return
		}
		if err := w.Flush(); err != nil {
			logger.Warn("failed to write response", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.Warn("failed to read request", zap.Error(err))
		return
	}
	logger.Debug("client disconnected")
}

// Handle runs one request against the engine.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	switch req.Command {
	case "INSERT":
		return s.write(ctx, func(tx *storageengine.Transaction) (string, error) {
			addr, err := tx.InsertDocument(ctx, req.ColID, []byte(req.Text))
			return addr.String(), err
		})
	case "DELETE":
		return s.write(ctx, func(tx *storageengine.Transaction) (string, error) {
			return "deleted", tx.DeleteDocument(ctx, req.ColID, req.Address)
		})
	case "READ":
		tx, err := s.engine.BeginTransaction(ctx, true)
		if err != nil {
			return errorResponse(err)
		}
		defer tx.Rollback()
		doc, err := tx.ReadDocument(ctx, req.Address)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, Message: string(doc)}
	case "CHECKPOINT":
		res, err := s.engine.Checkpoint(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, Message: fmt.Sprintf("log_pages=%d live_pages=%d copied=%d staged=%d cleared=%d last_page_id=%d",
			res.LogPages, res.LivePages, res.Copied, res.Staged, res.Cleared, res.NewLastPageID)}
	case "STATS":
		st := s.engine.Stats()
		return Response{Status: StatusOK, Message: fmt.Sprintf("state=%s file=%s last_page_id=%d log_pages=%d read_version=%d cached=%d commits=%d rollbacks=%d checkpoints=%d",
			st.State, strings.ReplaceAll(humanize.IBytes(uint64(st.FileBytes)), " ", ""), st.LastPageID, st.LogPages,
			st.ReadVersion, st.Cache.Entries, st.Commits, st.Rollbacks, st.Checkpoints)}
	case "BACKUP":
		sum, err := s.engine.Backup(ctx, req.Text)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Status: StatusOK, Message: sum}
	default:
		return Response{Status: StatusError, Message: fmt.Sprintf("unsupported command: %s", req.Command)}
	}
}

func (s *Server) write(ctx context.Context, fn func(*storageengine.Transaction) (string, error)) Response {
	tx, err := s.engine.BeginTransaction(ctx, false)
	if err != nil {
		return errorResponse(err)
	}
	defer tx.Rollback()
	msg, err := fn(tx)
	if err != nil {
		return errorResponse(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errorResponse(err)
	}
	return Response{Status: StatusOK, Message: msg}
}

func errorResponse(err error) Response {
	switch {
	case errors.Is(err, flushmanager.ErrDocumentNotFound), errors.Is(err, flushmanager.ErrPageNotFound):
		return Response{Status: StatusNotFound, Message: err.Error()}
	case errors.Is(err, flushmanager.ErrLockTimeout):
		return Response{Status: StatusBusy, Message: err.Error()}
	default:
		return Response{Status: StatusError, Message: err.Error()}
	}
}
