package raftlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
)

const maxEnvelopeSize = 64 << 20

type messageHandler func(msg raftpb.Message)

type tcpTransport struct {
	nodeID   uint64
	addr     string
	handler  messageHandler
	listener net.Listener

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]chan raftpb.Message
	closed   chan struct{}
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{nodeID: nodeID, addr: ln.Addr().String(), peers: peers, handler: handler, listener: ln, outbound: make(map[uint64]chan raftpb.Message), closed: make(chan struct{})}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		ch := make(chan raftpb.Message, 512)
		t.outbound[peer] = ch
		go t.sender(peer, ch)
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) send(to uint64, msg raftpb.Message) error {
	t.mu.Lock()
	ch, ok := t.outbound[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d queue full", to)
	}
}

// sender keeps one connection per peer and redials after a write failure.
func (t *tcpTransport) sender(peer uint64, ch <-chan raftpb.Message) {
	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", t.peers[peer], 500*time.Millisecond)
				if err != nil {
					continue
				}
				conn = c
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			if err := writeEnvelope(conn, msg); err != nil {
				_ = conn.Close()
				conn = nil
			}
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		go t.readLoop(conn)
	}
}

func (t *tcpTransport) readLoop(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	for {
		msg, err := readEnvelope(br)
		if err != nil {
			return
		}
		select {
		case <-t.closed:
			return
		default:
		}
		t.handler(msg)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	return t.listener.Close()
}

func writeEnvelope(w io.Writer, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readEnvelope(r io.Reader) (raftpb.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return raftpb.Message{}, err
	}
	sz := binary.BigEndian.Uint32(header[:])
	if sz == 0 || sz > maxEnvelopeSize {
		return raftpb.Message{}, fmt.Errorf("invalid envelope size %d", sz)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf); err != nil {
		return raftpb.Message{}, err
	}
	return msg, nil
}
