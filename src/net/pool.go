package net

import (
	"bufio"
	"net"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/mosaicnetworks/stxt/src/common"
)

const bufSize = 64 * 1024

// netConn is an outgoing connection with its codec.
type netConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func newNetConn(target string, conn net.Conn) *netConn {
	w := bufio.NewWriterSize(conn, bufSize)
	return &netConn{
		target: target,
		conn:   conn,
		w:      w,
		dec:    codec.NewDecoder(bufio.NewReaderSize(conn, bufSize), common.NewJSONHandle()),
		enc:    codec.NewEncoder(w, common.NewJSONHandle()),
	}
}

// Release closes the underlying connection.
func (n *netConn) Release() error {
	return n.conn.Close()
}

// connPool keeps up to max idle connections per target.
type connPool struct {
	mu     sync.Mutex
	max    int
	idle   map[string][]*netConn
	closed bool
}

func newConnPool(max int) *connPool {
	return &connPool{
		max:  max,
		idle: make(map[string][]*netConn),
	}
}

// get pops an idle connection to target, or returns nil.
func (p *connPool) get(target string) *netConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[target]
	if len(conns) == 0 {
		return nil
	}
	conn := conns[len(conns)-1]
	conns[len(conns)-1] = nil
	p.idle[target] = conns[:len(conns)-1]
	return conn
}

// put returns conn to the pool, or closes it when the pool is full or
// closed.
func (p *connPool) put(conn *netConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[conn.target]
	if p.closed || len(conns) >= p.max {
		conn.Release()
		return
	}
	p.idle[conn.target] = append(conns, conn)
}

// close releases every idle connection. Later puts close their connection.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for target, conns := range p.idle {
		for _, c := range conns {
			c.Release()
		}
		delete(p.idle, target)
	}
}
