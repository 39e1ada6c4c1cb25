// Package relayserver provides an in-process tunnel relay for integration
// testing. It accepts any client, honours reverse port forwarding (ssh -R) on
// a random local port and, once a forward exists, announces a public URL on
// the client's session the way the production relay does.
package relayserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process relay for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	forwards map[int]net.Listener // public port -> listener
	forward  chan int             // signalled when a forward is established
}

// Options configures the test relay.
type Options struct {
	Domain          string        // Defaults to "xpos.to"
	AnnounceTimeout time.Duration // How long a session waits for a forward, defaults to 5s
	Silent          bool          // Never announce a URL
}

// New creates a relay. Call Start() to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Domain == "" {
		opts.Domain = "xpos.to"
	}
	if opts.AnnounceTimeout == 0 {
		opts.AnnounceTimeout = 5 * time.Second
	}

	return &Server{
		t:        t,
		opts:     opts,
		done:     make(chan struct{}),
		forwards: make(map[int]net.Listener),
		forward:  make(chan int, 16),
	}
}

// Start begins listening on a random port.
func (s *Server) Start() {
	s.t.Helper()

	s.config = &ssh.ServerConfig{NoClientAuth: true}
	s.config.AddHostKey(generateED25519Key(s.t))

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("relayserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes every listener and waits for all connections to finish.
func (s *Server) Stop() {
	close(s.done)
	s.listener.Close()

	s.mu.Lock()
	for _, ln := range s.forwards {
		ln.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Port returns the ssh port the relay listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// PublicURL is the URL announced for a forward on port.
func (s *Server) PublicURL(port int) string {
	return fmt.Sprintf("https://tunnel-%d.%s", port, s.opts.Domain)
}

// ForwardedPorts returns the public ports currently forwarded to clients.
func (s *Server) ForwardedPorts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]int, 0, len(s.forwards))
	for p := range s.forwards {
		ports = append(ports, p)
	}
	return ports
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.t.Logf("relayserver: accept error: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.t.Logf("relayserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	s.wg.Add(1)
	go s.handleGlobalRequests(sshConn, reqs)

	for {
		select {
		case <-s.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			s.wg.Add(1)
			go s.handleSession(newChan)
		}
	}
}

// tcpipForwardRequest is the RFC 4254 payload of a tcpip-forward request.
type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

// forwardedTCPIPPayload is the RFC 4254 payload of a forwarded-tcpip channel.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	defer s.wg.Done()

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			port, err := s.openForward(conn, payload.BindAddr)
			if err != nil {
				s.t.Logf("relayserver: forward failed: %v", err)
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, ssh.Marshal(struct{ Port uint32 }{uint32(port)}))
			s.forward <- port
		case "cancel-tcpip-forward":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) openForward(conn *ssh.ServerConn, bindAddr string) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	s.forwards[port] = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.forwards, port)
			s.mu.Unlock()
		}()
		go func() {
			conn.Wait()
			ln.Close()
		}()

		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go s.proxyForwarded(conn, c, bindAddr, port)
		}
	}()

	return port, nil
}

func (s *Server) proxyForwarded(conn *ssh.ServerConn, c net.Conn, bindAddr string, port int) {
	defer s.wg.Done()
	defer c.Close()

	origin := c.RemoteAddr().(*net.TCPAddr)
	payload := ssh.Marshal(forwardedTCPIPPayload{
		Addr:       bindAddr,
		Port:       uint32(port),
		OriginAddr: origin.IP.String(),
		OriginPort: uint32(origin.Port),
	})

	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		s.t.Logf("relayserver: client refused forwarded channel: %v", err)
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	var proxyWg sync.WaitGroup
	proxyWg.Add(2)
	go func() {
		defer proxyWg.Done()
		io.Copy(ch, c)
		ch.CloseWrite()
	}()
	go func() {
		defer proxyWg.Done()
		io.Copy(c, ch)
		c.(*net.TCPConn).CloseWrite()
	}()
	proxyWg.Wait()
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("relayserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	go func() {
		for req := range reqs {
			switch req.Type {
			case "env", "pty-req", "shell", "window-change":
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	if !s.opts.Silent {
		select {
		case port := <-s.forward:
			fmt.Fprintf(ch, "\r\nYour public URL: %s\r\n", s.PublicURL(port))
			fmt.Fprintf(ch, "Forwarding to your local port on 127.0.0.1:%s\r\n", strconv.Itoa(port))
			fmt.Fprint(ch, "Press Ctrl+C to stop the tunnel\r\n")
		case <-time.After(s.opts.AnnounceTimeout):
			fmt.Fprint(ch, "No forward requested, closing\r\n")
			return
		case <-s.done:
			return
		}
	}

	// Hold the session open until the client goes away or the relay stops.
	go io.Copy(io.Discard, ch)
	<-s.done
}

func generateED25519Key(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("relayserver: failed to generate ED25519 key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("relayserver: failed to create signer: %v", err)
	}

	return signer
}
