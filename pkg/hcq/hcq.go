// Package hcq implements the cross-enclave command queue: a shared-memory
// record store addressable by an xemem segment, paired with a signalled
// fd used to wake the serving side. One enclave's init task loop runs a
// Server over its queue; any other enclave (or the Master shell) runs a
// Client against it to issue commands and await replies. Server and
// Client never share a Go pointer: both sides only ever hold a
// *xemem.Segment and exchange a JSON-encoded queue through its Data,
// exactly the shape a real cross-enclave mapping would force on them.
package hcq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/metrics"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/xemem"
)

// Status is a command row's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusReturned
)

// Command is one row in a queue: a request and, once served, its reply.
type Command struct {
	ID            uint64
	Code          types.CmdCode
	Payload       []byte
	ReplySegment  string
	Status        Status
	ReturnCode    types.RetCode
	ReturnPayload []byte
	issuedAt      time.Time
}

// wireQueue is the whole of a queue segment's Data, JSON-encoded. Server
// and Client both decode, mutate, and re-encode the full structure on
// every access rather than addressing individual rows by offset, trading
// a little bandwidth for a format simple enough to hand-verify.
type wireQueue struct {
	NextID   uint64
	Commands []Command
}

func decodeQueue(data []byte) wireQueue {
	trimmed := bytes.TrimRight(data, "\x00")
	if len(trimmed) == 0 {
		return wireQueue{}
	}
	var q wireQueue
	if err := json.Unmarshal(trimmed, &q); err != nil {
		return wireQueue{}
	}
	return q
}

func encodeQueue(q wireQueue) []byte {
	b, err := json.Marshal(q)
	if err != nil {
		return nil
	}
	return b
}

// Handler processes one command's payload and returns a reply payload and
// return code. Handlers are pure mutations on the Registry and/or local
// process spawns/kills; they never block on another HCQ round trip to
// avoid a server deadlocking on its own queue.
type Handler func(cmd Command) (types.RetCode, []byte)

// Server owns one enclave's inbound command queue: the segment holding
// the wire-encoded rows, plus a local cursor tracking which command ids
// this Server has already served. Clients reach the same rows purely
// through the segment's bytes, never through a Go pointer to this value.
type Server struct {
	name    string
	segment *xemem.Segment

	mu      sync.Mutex
	pending uint64 // cursor: lowest command id not yet claimed by GetNextCmd

	handlers map[types.CmdCode]Handler

	clientSegments map[string]*xemem.Segment // reply segid -> attached segment, cached
	transport      xemem.Transport
	logger         zerolog.Logger
}

// NewServer creates a command queue named name and registers its
// signalled segment with transport. size is the nominal shared-memory
// region size (default 16 MiB per the wire format); it bounds how many
// outstanding commands the queue can hold at once, since the whole
// wire-encoded queue must fit in it.
func NewServer(transport xemem.Transport, name string, size uint64) (*Server, error) {
	seg, err := transport.Make(name, size)
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindTransport, err, fmt.Sprintf("creating queue %q", name))
	}
	return &Server{
		name:           name,
		segment:        seg,
		handlers:       make(map[types.CmdCode]Handler),
		clientSegments: make(map[string]*xemem.Segment),
		transport:      transport,
		logger:         hlog.WithComponent("hcq"),
	}, nil
}

// Segment returns the queue's signal segment, for registering in the
// Registry as the enclave's management segment.
func (s *Server) Segment() *xemem.Segment {
	return s.segment
}

// RegisterHandler installs fn as the handler for code. Registering a
// second handler for the same code replaces the first; applications use
// this to claim codes at types.CmdAppRegister and above.
func (s *Server) RegisterHandler(code types.CmdCode, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[code] = fn
}

// Commands returns a snapshot of every row currently in the queue, served
// or not. Exposed for tests and operator tooling, not used by Dispatch.
func (s *Server) Commands() []Command {
	return decodeQueue(s.segment.Peek()).Commands
}

// GetNextCmd returns the oldest pending command at or after the server's
// cursor and advances the cursor past it, or ok=false if none remain. It
// acks the signalling fd on the way out, matching the spec's
// get_next_cmd contract. The cursor is id-based rather than index-based
// so CmdComplete removing an earlier row never invalidates it.
func (s *Server) GetNextCmd() (Command, bool) {
	s.mu.Lock()
	cursor := s.pending
	s.mu.Unlock()

	q := decodeQueue(s.segment.Peek())
	for _, c := range q.Commands {
		if c.ID < cursor || c.Status != StatusPending {
			continue
		}
		s.mu.Lock()
		s.pending = c.ID + 1
		s.mu.Unlock()
		s.segment.Ack()
		return c, true
	}
	s.segment.Ack()
	return Command{}, false
}

// Dispatch serves every currently pending command through its registered
// handler, in FIFO order, and returns the number served. Unknown command
// codes are answered with RetError and a message naming the code rather
// than silently dropped, so a misbehaving client observes a reply instead
// of a hang.
func (s *Server) Dispatch() int {
	served := 0
	for {
		cmd, ok := s.GetNextCmd()
		if !ok {
			return served
		}

		s.mu.Lock()
		handler, known := s.handlers[cmd.Code]
		s.mu.Unlock()

		timer := metrics.NewTimer()
		var code types.RetCode
		var payload []byte
		if !known {
			code = types.RetError
			payload = []byte(fmt.Sprintf("hcq: no handler registered for code %d", cmd.Code))
		} else {
			code, payload = handler(cmd)
		}
		timer.ObserveDurationVec(metrics.HCQCommandLatency, codeLabel(cmd.Code))

		s.cmdReturn(cmd.ID, code, payload)
		served++
	}
}

// cmdReturn writes the reply fields, transitions the command to Returned,
// and best-effort-signals the client's reply segment. A client that has
// since died and whose reply segment cannot be resolved does not fail the
// call: the spec requires cmd_return to succeed regardless.
func (s *Server) cmdReturn(id uint64, code types.RetCode, payload []byte) {
	var replySegName string
	var cmdCode types.CmdCode
	found := false

	err := s.segment.WithData(func(data []byte) []byte {
		q := decodeQueue(data)
		for i := range q.Commands {
			if q.Commands[i].ID != id {
				continue
			}
			q.Commands[i].Status = StatusReturned
			q.Commands[i].ReturnCode = code
			q.Commands[i].ReturnPayload = payload
			replySegName = q.Commands[i].ReplySegment
			cmdCode = q.Commands[i].Code
			found = true
			break
		}
		return encodeQueue(q)
	})
	if err != nil {
		s.logger.Error().Err(err).Uint64("cmd_id", id).Msg("writing command return")
		return
	}
	if !found {
		return
	}

	result := "success"
	if code != types.RetSuccess {
		result = "error"
	}
	metrics.HCQCommandsServed.WithLabelValues(codeLabel(cmdCode), result).Inc()

	replySeg, ok := s.clientSegments[replySegName]
	if !ok {
		attached, err := s.transport.Get(replySegName)
		if err != nil {
			return // client unreachable; best-effort signalling per spec
		}
		s.clientSegments[replySegName] = attached
		replySeg = attached
	}
	_ = replySeg.Signal()
}

// CmdComplete deletes a served command row, releasing its space in the
// queue segment. Callers must only call this after observing
// StatusReturned.
func (s *Server) CmdComplete(id uint64) {
	completeCommand(s.segment, s.logger, id)
}

// completeCommand removes a command row from seg's wire-encoded queue. It
// is a free function, not a Server method, so a Client - which only ever
// holds the *xemem.Segment a Connect call attached, never a *Server - can
// complete a command it issued without reaching back into server state
// that may live in another process entirely.
func completeCommand(seg *xemem.Segment, logger zerolog.Logger, id uint64) {
	err := seg.WithData(func(data []byte) []byte {
		q := decodeQueue(data)
		for i := range q.Commands {
			if q.Commands[i].ID == id {
				q.Commands = append(q.Commands[:i], q.Commands[i+1:]...)
				break
			}
		}
		return encodeQueue(q)
	})
	if err != nil {
		logger.Error().Err(err).Uint64("cmd_id", id).Msg("completing command")
	}
}

func codeLabel(code types.CmdCode) string {
	switch code {
	case types.CmdAddCPU:
		return "add_cpu"
	case types.CmdRemoveCPU:
		return "remove_cpu"
	case types.CmdAddMem:
		return "add_mem"
	case types.CmdRemoveMem:
		return "remove_mem"
	case types.CmdLaunchApp:
		return "launch_app"
	case types.CmdKillApp:
		return "kill_app"
	case types.CmdLaunchVM:
		return "launch_vm"
	case types.CmdDestroyVM:
		return "destroy_vm"
	case types.CmdPing:
		return "ping"
	case types.CmdShutdown:
		return "shutdown"
	case types.CmdLoadFile:
		return "load_file"
	case types.CmdFileOpen:
		return "file_open"
	case types.CmdFileClose:
		return "file_close"
	case types.CmdFileRead:
		return "file_read"
	case types.CmdFileWrite:
		return "file_write"
	case types.CmdFileStat:
		return "file_stat"
	case types.CmdFileFStat:
		return "file_fstat"
	case types.CmdFileSeek:
		return "file_seek"
	default:
		return "app"
	}
}

// Client issues commands against a Server's queue and blocks for their
// replies on its own signalled reply segment. It holds no reference to
// the Server value itself - only the two *xemem.Segment handles Connect
// attached - so two Clients built independently (in the same process or,
// given a real cross-enclave Transport, in two separate OS processes)
// operate over the same queue without ever sharing a Go pointer.
type Client struct {
	serverName   string
	replySegName string
	reply        *xemem.Segment
	server       *xemem.Segment
	transport    xemem.Transport
	logger       zerolog.Logger
}

// Connect attaches to the server queue named serverName and allocates a
// fresh reply segment for this client. Connect only reaches a Server
// whose segment was registered on the same transport: xemem.Local, the
// only Transport this tree implements, resolves names within one OS
// process. A deployment where the client and the enclave's init task
// loop are separate processes needs a Transport backed by real
// cross-process shared memory, which is not implemented here (see
// DESIGN.md); cmd/hobbesctl works around the gap by running its own
// throwaway Server rather than Connect-ing to a remote hobbesd's.
func Connect(transport xemem.Transport, serverName, clientReplyName string) (*Client, error) {
	serverSeg, err := transport.Get(serverName)
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindTransport, err, fmt.Sprintf("attaching to queue %q", serverName))
	}
	replySeg, err := transport.Make(clientReplyName, 4096)
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindTransport, err, fmt.Sprintf("creating reply segment %q", clientReplyName))
	}
	return &Client{
		serverName:   serverName,
		replySegName: clientReplyName,
		reply:        replySeg,
		server:       serverSeg,
		transport:    transport,
		logger:       hlog.WithComponent("hcq-client"),
	}, nil
}

// Issue appends a Pending command row to the server's queue and signals
// it, returning the id to track for its reply.
func (c *Client) Issue(code types.CmdCode, payload []byte) (uint64, error) {
	var id uint64
	err := c.server.WithData(func(data []byte) []byte {
		q := decodeQueue(data)
		id = q.NextID
		q.NextID++
		q.Commands = append(q.Commands, Command{
			ID:           id,
			Code:         code,
			Payload:      payload,
			ReplySegment: c.replySegName,
			Status:       StatusPending,
			issuedAt:     time.Now(),
		})
		return encodeQueue(q)
	})
	if err != nil {
		return 0, hobbeserr.Wrap(hobbeserr.KindResourceExhausted, err, "appending command to queue")
	}
	metrics.HCQCommandsIssued.WithLabelValues(codeLabel(code)).Inc()
	if err := c.server.Signal(); err != nil {
		return 0, hobbeserr.Wrap(hobbeserr.KindTransport, err, "signalling command queue")
	}
	return id, nil
}

// Await blocks until the command id has transitioned to Returned, or ctx
// is done. Spurious wakeups are tolerated by rechecking status in a loop.
func (c *Client) Await(ctx context.Context, id uint64) (types.RetCode, []byte, error) {
	for {
		q := decodeQueue(c.server.Peek())
		for _, cmd := range q.Commands {
			if cmd.ID == id && cmd.Status == StatusReturned {
				return cmd.ReturnCode, cmd.ReturnPayload, nil
			}
		}

		if err := c.reply.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
}

// IssueAndAwait is the common case: issue a command, block for its
// reply, and remove the served row once it has been read.
func (c *Client) IssueAndAwait(ctx context.Context, code types.CmdCode, payload []byte) (types.RetCode, []byte, error) {
	id, err := c.Issue(code, payload)
	if err != nil {
		return 0, nil, err
	}
	retCode, respPayload, err := c.Await(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	completeCommand(c.server, c.logger, id)
	return retCode, respPayload, nil
}

// Close releases the client's reply segment.
func (c *Client) Close() error {
	return c.transport.Remove(c.replySegName)
}
