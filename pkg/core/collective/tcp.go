package collective

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	handshakeMagic   uint32 = 0x4c4b5354 // "LKST"
	protocolVersion  uint16 = 1
	handshakeSeq     uint32 = 0
	defaultTimeout          = time.Minute
	dialRetryBackoff        = 100 * time.Millisecond

	// peerBufferSize is the size of the buffered reader and writer wrapping
	// each connection.
	peerBufferSize = 1 << 16

	// maxChunkValues caps the number of values carried by one all-reduce
	// frame. Larger payloads are reduced in consecutive chunks, bounding the
	// master's scratch memory no matter how large the model is.
	maxChunkValues = 1 << 20
)

// TCPConfig configures one rank of a TCP mesh. All ranks of a group must
// agree on WorldSize, MasterAddr, MasterPort and Compression; the rendezvous
// handshake verifies the agreement and rejects the group otherwise.
type TCPConfig struct {
	// Rank of this replica, in [0, WorldSize). Rank 0 is the master and
	// listens; other ranks dial it.
	Rank int

	// WorldSize is the number of replicas in the group.
	WorldSize int

	// MasterAddr is the host or IP where rank 0 listens.
	MasterAddr string

	// MasterPort is the TCP port where rank 0 listens.
	MasterPort int

	// Compression selects the wire encoding for all-reduce payloads.
	Compression Compression

	// Timeout bounds the rendezvous: the master's wait for all workers and
	// a worker's dial plus handshake. Zero means one minute. In-run
	// collectives never time out.
	Timeout time.Duration

	// listener, when set, is used by rank 0 instead of opening a new one.
	// Tests use it to bind port 0 ahead of time.
	listener net.Listener
}

type helloMessage struct {
	Magic       uint32
	Version     uint16
	Rank        int
	WorldSize   int
	Compression Compression
}

type welcomeMessage struct {
	Magic uint32
	RunID string
}

// tcpPeer is one framed connection.
type tcpPeer struct {
	conn net.Conn
	rd   *bufio.Reader
	wr   *bufio.Writer
}

func newTCPPeer(conn net.Conn) *tcpPeer {
	return &tcpPeer{
		conn: conn,
		rd:   bufio.NewReaderSize(conn, peerBufferSize),
		wr:   bufio.NewWriterSize(conn, peerBufferSize),
	}
}

// send writes one frame and flushes it to the wire.
func (p *tcpPeer) send(op frameOp, seq uint32, payload []byte) error {
	if err := writeFrame(p.wr, op, seq, payload); err != nil {
		return err
	}
	return errors.Wrap(p.wr.Flush(), "flushing frame")
}

// recv reads one frame, verifying it carries the expected op and sequence.
func (p *tcpPeer) recv(op frameOp, seq uint32) ([]byte, error) {
	return readFrame(p.rd, op, seq)
}

func (p *tcpPeer) close() error {
	return p.conn.Close()
}

func gobEncode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, errors.Wrap(err, "gob-encoding handshake message")
	}
	return buf.Bytes(), nil
}

func gobDecode(payload []byte, msg any) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(payload)).Decode(msg), "gob-decoding handshake message")
}

// tcpMesh is the TCP implementation of Mesh. The master (rank 0) holds one
// connection per worker; workers hold a single connection to the master.
type tcpMesh struct {
	rank        int
	worldSize   int
	compression Compression
	runID       string
	seq         uint32

	listener net.Listener // master only
	peers    []*tcpPeer   // master only, indexed by rank, nil at 0
	master   *tcpPeer     // workers only

	closed bool
}

var _ Mesh = (*tcpMesh)(nil)

// DialTCP joins the process group described by cfg and blocks until every
// rank has joined. Rank 0 listens on MasterAddr:MasterPort and accepts
// WorldSize-1 peers; the others dial it, retrying until the timeout, so the
// group forms regardless of process start order. On return the group is
// fully formed on every rank.
//
// It fails with *InitError if the group cannot be formed: unreachable master,
// timeout, duplicate or out-of-range ranks, or configuration disagreement.
func DialTCP(cfg TCPConfig) (Mesh, error) {
	if cfg.WorldSize < 1 {
		return nil, &InitError{Rank: cfg.Rank, Err: errors.Errorf("world size must be >= 1, got %d", cfg.WorldSize)}
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, &InitError{Rank: cfg.Rank, Err: errors.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	m := &tcpMesh{
		rank:        cfg.Rank,
		worldSize:   cfg.WorldSize,
		compression: cfg.Compression,
		seq:         1, // sequence 0 belongs to the rendezvous
	}
	var err error
	if cfg.Rank == 0 {
		err = m.rendezvousMaster(cfg)
	} else {
		err = m.rendezvousWorker(cfg)
	}
	if err != nil {
		_ = m.Close()
		return nil, &InitError{Rank: cfg.Rank, Err: err}
	}
	klog.V(1).Infof("collective: rank %d of %d joined run %s", m.rank, m.worldSize, m.runID)
	return m, nil
}

// rendezvousMaster accepts every worker, validates their hello, and only then
// releases the group by sending the welcome. Returning from DialTCP therefore
// means all ranks have joined.
func (m *tcpMesh) rendezvousMaster(cfg TCPConfig) error {
	deadline := time.Now().Add(cfg.Timeout)
	ln := cfg.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.MasterAddr, cfg.MasterPort))
		if err != nil {
			return errors.Wrapf(err, "listening on %s:%d", cfg.MasterAddr, cfg.MasterPort)
		}
	}
	m.listener = ln
	m.peers = make([]*tcpPeer, cfg.WorldSize)

	tcpLn, isTCP := ln.(*net.TCPListener)
	for joined := 0; joined < cfg.WorldSize-1; joined++ {
		if isTCP {
			if err := tcpLn.SetDeadline(deadline); err != nil {
				return errors.Wrap(err, "setting rendezvous deadline")
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrapf(err, "waiting for workers (%d of %d joined)", joined, cfg.WorldSize-1)
		}
		peer := newTCPPeer(conn)
		_ = conn.SetDeadline(deadline)
		hello, err := m.receiveHello(peer)
		if err == nil {
			err = m.checkHello(hello, conn)
		}
		if err != nil {
			// The offender is not in m.peers yet; close it here so the
			// rejected worker fails fast instead of waiting out its timeout.
			_ = conn.Close()
			return err
		}
		m.peers[hello.Rank] = peer
	}

	// Everyone is here: mint the run id and release the group.
	m.runID = uuid.New().String()
	welcome, err := gobEncode(welcomeMessage{Magic: handshakeMagic, RunID: m.runID})
	if err != nil {
		return errors.WithMessage(err, "encoding welcome")
	}
	for rank := 1; rank < cfg.WorldSize; rank++ {
		if err = m.peers[rank].send(opWelcome, handshakeSeq, welcome); err != nil {
			return errors.WithMessagef(err, "welcoming rank %d", rank)
		}
		_ = m.peers[rank].conn.SetDeadline(time.Time{})
	}
	return nil
}

func (m *tcpMesh) receiveHello(peer *tcpPeer) (helloMessage, error) {
	var hello helloMessage
	payload, err := peer.recv(opHello, handshakeSeq)
	if err != nil {
		return hello, errors.WithMessagef(err, "reading hello from %s", peer.conn.RemoteAddr())
	}
	if err = gobDecode(payload, &hello); err != nil {
		return hello, errors.WithMessagef(err, "decoding hello from %s", peer.conn.RemoteAddr())
	}
	return hello, nil
}

func (m *tcpMesh) checkHello(hello helloMessage, conn net.Conn) error {
	switch {
	case hello.Magic != handshakeMagic:
		return errors.Errorf("%s is not a lockstep peer (bad magic %#x)", conn.RemoteAddr(), hello.Magic)
	case hello.Version != protocolVersion:
		return errors.Errorf("rank %d speaks protocol version %d, master speaks %d",
			hello.Rank, hello.Version, protocolVersion)
	case hello.WorldSize != m.worldSize:
		return errors.Errorf("rank %d was configured with world size %d, master with %d",
			hello.Rank, hello.WorldSize, m.worldSize)
	case hello.Compression != m.compression:
		return errors.Errorf("rank %d was configured with compression %s, master with %s",
			hello.Rank, hello.Compression, m.compression)
	case hello.Rank < 1 || hello.Rank >= m.worldSize:
		return errors.Errorf("hello from out-of-range rank %d (world size %d)", hello.Rank, m.worldSize)
	case m.peers[hello.Rank] != nil:
		return errors.Errorf("duplicate rank %d (already joined)", hello.Rank)
	}
	return nil
}

// rendezvousWorker dials the master, retrying while it may not be listening
// yet, then exchanges the handshake.
func (m *tcpMesh) rendezvousWorker(cfg TCPConfig) error {
	addr := fmt.Sprintf("%s:%d", cfg.MasterAddr, cfg.MasterPort)
	deadline := time.Now().Add(cfg.Timeout)
	var conn net.Conn
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Errorf("master %s unreachable after %s", addr, cfg.Timeout)
		}
		var err error
		conn, err = net.DialTimeout("tcp", addr, remaining)
		if err == nil {
			break
		}
		klog.V(2).Infof("collective: rank %d cannot reach master %s yet: %v", cfg.Rank, addr, err)
		time.Sleep(dialRetryBackoff)
	}
	m.master = newTCPPeer(conn)
	_ = conn.SetDeadline(deadline)

	hello, err := gobEncode(helloMessage{
		Magic:       handshakeMagic,
		Version:     protocolVersion,
		Rank:        cfg.Rank,
		WorldSize:   cfg.WorldSize,
		Compression: cfg.Compression,
	})
	if err != nil {
		return errors.WithMessage(err, "encoding hello")
	}
	if err = m.master.send(opHello, handshakeSeq, hello); err != nil {
		return errors.WithMessage(err, "sending hello to master")
	}
	payload, err := m.master.recv(opWelcome, handshakeSeq)
	if err != nil {
		return errors.WithMessage(err, "waiting for the master's welcome (was this rank rejected?)")
	}
	var welcome welcomeMessage
	if err = gobDecode(payload, &welcome); err != nil {
		return errors.WithMessage(err, "decoding welcome")
	}
	if welcome.Magic != handshakeMagic {
		return errors.Errorf("master sent bad welcome magic %#x", welcome.Magic)
	}
	m.runID = welcome.RunID
	_ = conn.SetDeadline(time.Time{})
	return nil
}

// Rank implements Mesh.
func (m *tcpMesh) Rank() int { return m.rank }

// WorldSize implements Mesh.
func (m *tcpMesh) WorldSize() int { return m.worldSize }

// RunID returns the uuid the master minted for this run during rendezvous.
func (m *tcpMesh) RunID() string { return m.runID }

// nextSeq returns the sequence number for the next collective. Collectives
// are issued by a single goroutine per rank, in lock-step across ranks, so no
// locking is needed; the sequence lets a receiver detect a peer that fell out
// of step.
func (m *tcpMesh) nextSeq() uint32 {
	seq := m.seq
	m.seq++
	return seq
}

// Broadcast implements Mesh. The payload always travels uncompressed:
// parameter broadcast promises bit-identical values on every rank, which a
// lossy encoding would break. A non-zero root is relayed through the master.
func (m *tcpMesh) Broadcast(data []float32, root int) error {
	if root < 0 || root >= m.worldSize {
		return &CollectiveError{Op: "broadcast", Rank: m.rank,
			Err: errors.Errorf("root rank %d out of range for world size %d", root, m.worldSize)}
	}
	if m.worldSize == 1 {
		return nil
	}
	seq := m.nextSeq()
	if err := m.broadcast(data, root, seq); err != nil {
		return &CollectiveError{Op: "broadcast", Rank: m.rank, Err: err}
	}
	return nil
}

func (m *tcpMesh) broadcast(data []float32, root int, seq uint32) error {
	if m.rank == 0 {
		payload := encodePayload(data, CompressionNone)
		if root != 0 {
			in, err := m.peers[root].recv(opBroadcast, seq)
			if err != nil {
				return errors.WithMessagef(err, "receiving values from root rank %d", root)
			}
			if err = decodePayload(data, in, CompressionNone); err != nil {
				return errors.WithMessagef(err, "decoding values from root rank %d", root)
			}
			payload = in
		}
		for rank := 1; rank < m.worldSize; rank++ {
			if rank == root {
				continue
			}
			if err := m.peers[rank].send(opBroadcast, seq, payload); err != nil {
				return errors.WithMessagef(err, "sending values to rank %d", rank)
			}
		}
		return nil
	}
	if m.rank == root {
		return errors.WithMessage(
			m.master.send(opBroadcast, seq, encodePayload(data, CompressionNone)),
			"sending values to the master")
	}
	payload, err := m.master.recv(opBroadcast, seq)
	if err != nil {
		return errors.WithMessage(err, "receiving values from the master")
	}
	return decodePayload(data, payload, CompressionNone)
}

// AllReduce implements Mesh. Reduction is central: every worker sends its
// values to the master, the master combines them in float32 and sends the
// result back, so all ranks end with identical values. Payloads above
// maxChunkValues are reduced chunk by chunk.
func (m *tcpMesh) AllReduce(data []float32, op ReduceOp) error {
	if op != ReduceSum && op != ReduceAverage {
		return &CollectiveError{Op: "allreduce", Rank: m.rank,
			Err: errors.Errorf("unknown reduce op %d", op)}
	}
	if m.worldSize == 1 {
		return nil
	}
	seq := m.nextSeq()
	for start := 0; ; start += maxChunkValues {
		end := min(start+maxChunkValues, len(data))
		if err := m.allReduceChunk(data[start:end], op, seq); err != nil {
			return &CollectiveError{Op: "allreduce", Rank: m.rank, Err: err}
		}
		if end == len(data) {
			return nil
		}
	}
}

// allReduceChunk runs the central reduction for one chunk. Chunks of one
// collective share a sequence number; they pair up by arrival order, which
// TCP preserves.
func (m *tcpMesh) allReduceChunk(chunk []float32, op ReduceOp, seq uint32) error {
	if m.rank != 0 {
		if err := m.master.send(opReduce, seq, encodePayload(chunk, m.compression)); err != nil {
			return errors.WithMessage(err, "sending values to the master")
		}
		payload, err := m.master.recv(opResult, seq)
		if err != nil {
			return errors.WithMessage(err, "receiving the reduced values from the master")
		}
		return decodePayload(chunk, payload, m.compression)
	}

	// Master: fold every worker's contribution into its own chunk.
	incoming := make([]float32, len(chunk))
	for rank := 1; rank < m.worldSize; rank++ {
		payload, err := m.peers[rank].recv(opReduce, seq)
		if err != nil {
			return errors.WithMessagef(err, "receiving values from rank %d", rank)
		}
		if err = decodePayload(incoming, payload, m.compression); err != nil {
			return errors.WithMessagef(err, "decoding values from rank %d", rank)
		}
		for i, v := range incoming {
			chunk[i] += v
		}
	}
	if op == ReduceAverage {
		scale := 1 / float32(m.worldSize)
		for i := range chunk {
			chunk[i] *= scale
		}
	}
	payload := encodePayload(chunk, m.compression)
	if m.compression != CompressionNone {
		// Every rank must end with the same values, so the master adopts the
		// same lossy rounding the workers will decode.
		if err := decodePayload(chunk, payload, m.compression); err != nil {
			return errors.WithMessage(err, "re-decoding the reduced values")
		}
	}
	for rank := 1; rank < m.worldSize; rank++ {
		if err := m.peers[rank].send(opResult, seq, payload); err != nil {
			return errors.WithMessagef(err, "sending the reduced values to rank %d", rank)
		}
	}
	return nil
}

// Close implements Mesh. It is idempotent; after Close every in-flight or
// future collective on any rank of the group fails.
func (m *tcpMesh) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	if m.listener != nil {
		if err := m.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, peer := range m.peers {
		if peer == nil {
			continue
		}
		if err := peer.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.master != nil {
		if err := m.master.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Wrap(firstErr, "closing mesh connections")
}
