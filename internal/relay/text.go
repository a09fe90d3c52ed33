package relay

import (
	"errors"
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/signaling"
)

const sendBuffer = 256

// TextServer accepts plain TCP clients speaking the line protocol of
// signaling.TextTransport and attaches each one to a hub.
type TextServer struct {
	hub *Hub
	log logging.LeveledLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*signaling.LineConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewTextServer creates a server for hub.
func NewTextServer(hub *Hub, factory logging.LoggerFactory) *TextServer {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &TextServer{
		hub:   hub,
		log:   factory.NewLogger("relay"),
		conns: make(map[*signaling.LineConn]struct{}),
	}
}

// Serve accepts connections on l until Close is called.
func (s *TextServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Infof("text relay listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *TextServer) serveConn(conn net.Conn) {
	defer s.wg.Done()

	lc := signaling.NewLineConn(conn, s.log)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lc.Close()
		return
	}
	s.conns[lc] = struct{}{}
	s.mu.Unlock()

	outbox := NewOutbox(sendBuffer)
	peer := s.hub.Join(outbox.Send)
	s.log.Debugf("text client %s attached as %s", conn.RemoteAddr(), peer.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer lc.Close()
		for ev := range outbox.Events() {
			if err := lc.WriteEvent(ev); err != nil {
				s.log.Debugf("write to %s failed: %v", peer.ID, err)
				return
			}
		}
	}()

	for {
		ev, err := lc.ReadEvent()
		if err != nil {
			break
		}
		peer.Handle(ev)
	}

	peer.Leave()
	outbox.Close()
	lc.Close()
	<-writerDone

	s.mu.Lock()
	delete(s.conns, lc)
	s.mu.Unlock()
}

// Close stops accepting, drops every client and waits for them to detach.
func (s *TextServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for lc := range s.conns {
		lc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
