package coordinator

import (
	"sync"
	"time"

	"github.com/theblitlabs/parity-fedsync/internal/protocol"
	"github.com/theblitlabs/parity-fedsync/internal/transport"
)

// peer is one admitted client. Only its own goroutine reads; writes come from
// whichever goroutine completes a barrier, or from abort, so they serialize.
type peer struct {
	id    int
	conn  *transport.Conn
	codec protocol.Codec
	rec   Recorder

	wmu sync.Mutex
}

func (p *peer) send(m protocol.Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.codec.Write(p.conn, m); err != nil {
		return err
	}
	p.rec.MessageSent(m)
	return nil
}

func (p *peer) receive(timeout time.Duration) (protocol.Message, error) {
	if err := p.conn.SetReadTimeout(timeout); err != nil {
		return protocol.Message{}, err
	}
	m, err := p.codec.Read(p.conn)
	if err != nil {
		return protocol.Message{}, err
	}
	p.rec.MessageReceived(m)
	return m, nil
}

func (p *peer) close() {
	_ = p.conn.Close()
}
