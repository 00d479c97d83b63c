package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// acceptDeadline bounds each Accept() call so the accept loop can
// observe context cancellation without blocking forever.
const acceptDeadline = time.Second

// readDeadline bounds how long a TCP connection may sit idle before
// it is dropped, preventing a stalled client from pinning a goroutine.
const readDeadline = 30 * time.Second

// Server runs the Modbus-TCP listener and, optionally, a companion
// Modbus-UDP listener, both routing requests through the same
// Dispatcher. Each accepted TCP connection is served by its own
// goroutine; all bank mutations are serialized through
// Dispatcher.Banks.WriteMu regardless of which connection or
// listener produced the request.
type Server struct {
	Dispatcher *Dispatcher
	Log        *zap.Logger

	tcpListener net.Listener
	udpConn     net.PacketConn

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

// ListenTCP starts the TCP listener and its accept loop. It returns
// once the listener is bound; connection handling continues in the
// background until ctx is cancelled or Close is called.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("modbus: tcp listen: %w", err)
	}

	s.mu.Lock()
	s.tcpListener = ln
	s.running = true
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.mu.Unlock()

	if s.Log != nil {
		s.Log.Info("modbus: tcp server listening", zap.String("addr", ln.Addr().String()))
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// ListenUDP starts the UDP listener loop. Like ListenTCP, it returns
// once bound; datagrams are serviced in the background.
func (s *Server) ListenUDP(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("modbus: udp resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("modbus: udp listen: %w", err)
	}

	s.mu.Lock()
	s.udpConn = conn
	s.mu.Unlock()

	if s.Log != nil {
		s.Log.Info("modbus: udp server listening", zap.String("addr", conn.LocalAddr().String()))
	}

	s.wg.Add(1)
	go s.udpLoop(ctx, conn)
	return nil
}

// Addr returns the TCP listener's bound address, useful when
// ListenTCP was given an ephemeral port (":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Close stops both listeners and every open connection, then waits
// for the accept/read loops to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.running = false
	var errs []error
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptDeadline))
		}

		conn, err := ln.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			if s.Log != nil {
				s.Log.Warn("modbus: accept failed", zap.Error(err))
			}
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		if s.Log != nil {
			s.Log.Debug("modbus: client disconnected", zap.String("remote", remote))
		}
	}()

	if s.Log != nil {
		s.Log.Debug("modbus: client connected", zap.String("remote", remote))
	}

	header := make([]byte, mbapLength)
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		if _, err := io.ReadFull(conn, header); err != nil {
			if isExpectedCloseErr(err) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			if s.Log != nil {
				s.Log.Warn("modbus: header read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		length := int(header[4])<<8 | int(header[5])
		if length < 2 || length > MaxADULength {
			if s.Log != nil {
				s.Log.Warn("modbus: invalid length field", zap.String("remote", remote), zap.Int("length", length))
			}
			return
		}

		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			if s.Log != nil {
				s.Log.Warn("modbus: pdu read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		frame := append(append([]byte{}, header...), pdu...)
		req, err := DecodeRequest(frame)
		if err != nil {
			if s.Log != nil {
				s.Log.Warn("modbus: malformed request", zap.String("remote", remote), zap.Error(err))
			}
			continue
		}

		reply := s.Dispatcher.Dispatch(req)
		if _, err := conn.Write(reply); err != nil {
			if s.Log != nil {
				s.Log.Warn("modbus: write failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
	}
}

// udpLoop services one datagram per request/reply, since Modbus-UDP
// has no connection state: each packet is a complete ADU.
func (s *Server) udpLoop(ctx context.Context, conn net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, MaxADULength)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(acceptDeadline))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.Log != nil {
				s.Log.Warn("modbus: udp read failed", zap.Error(err))
			}
			return
		}

		frame := append([]byte{}, buf[:n]...)
		req, err := DecodeRequest(frame)
		if err != nil {
			if s.Log != nil {
				s.Log.Warn("modbus: malformed udp datagram", zap.String("remote", addr.String()), zap.Error(err))
			}
			continue
		}

		reply := s.Dispatcher.Dispatch(req)
		if _, err := conn.WriteTo(reply, addr); err != nil && s.Log != nil {
			s.Log.Warn("modbus: udp write failed", zap.String("remote", addr.String()), zap.Error(err))
		}
	}
}

func isExpectedCloseErr(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "use of closed network connection")
}
