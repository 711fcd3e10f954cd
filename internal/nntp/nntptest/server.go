// Package nntptest runs an in-process NNTP server for tests.
package nntptest

import (
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Server answers GROUP, BODY, AUTHINFO and QUIT from an article map.
type Server struct {
	Addr string

	// Greeting code sent on connect; 200 when zero.
	Greeting int
	Username string
	Password string
	// RequireGroup makes BODY fail with 412 until GROUP was sent.
	RequireGroup bool
	// Delay is applied before each BODY response.
	Delay time.Duration
	// Hook may override the BODY response: return 0 to serve normally or
	// a status code to send instead.
	Hook func(messageID string, attempt int) int

	ln net.Listener

	mu       sync.Mutex
	articles map[string][]byte
	requests map[string]int
	order    []string
	conns    map[net.Conn]struct{}

	open    atomic.Int32
	maxOpen atomic.Int32
	dials   atomic.Int32
	wg      sync.WaitGroup
}

// New starts a server on 127.0.0.1 with a random port.
func New() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Addr:     ln.Addr().String(),
		ln:       ln,
		articles: make(map[string][]byte),
		requests: make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Host and Port split Addr.
func (s *Server) Host() string { h, _, _ := net.SplitHostPort(s.Addr); return h }

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(p)
	return n
}

// Add stores an article body under messageID (without angle brackets).
func (s *Server) Add(messageID string, body []byte) {
	s.mu.Lock()
	s.articles[messageID] = body
	s.mu.Unlock()
}

// Requests is the number of BODY commands seen for messageID.
func (s *Server) Requests(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[messageID]
}

// TotalRequests is the number of BODY commands seen.
func (s *Server) TotalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Order lists requested message-ids in arrival order.
func (s *Server) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// MaxOpen is the highest number of simultaneous connections observed.
func (s *Server) MaxOpen() int { return int(s.maxOpen.Load()) }

// Open is the current number of connections.
func (s *Server) Open() int { return int(s.open.Load()) }

// Dials is the number of accepted connections.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.dials.Add(1)
		n := s.open.Add(1)
		for {
			m := s.maxOpen.Load()
			if n <= m || s.maxOpen.CompareAndSwap(m, n) {
				break
			}
		}
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.open.Add(-1)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	tp := textproto.NewConn(c)
	greeting := s.Greeting
	if greeting == 0 {
		greeting = 200
	}
	tp.PrintfLine("%d nntptest ready", greeting)
	if greeting >= 400 {
		return
	}

	authed := s.Username == ""
	var user, group string
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "AUTHINFO":
			kind, val, _ := strings.Cut(arg, " ")
			switch strings.ToUpper(kind) {
			case "USER":
				user = val
				tp.PrintfLine("381 password required")
			case "PASS":
				if user == s.Username && val == s.Password {
					authed = true
					tp.PrintfLine("281 ok")
				} else {
					tp.PrintfLine("481 authentication failed")
				}
			default:
				tp.PrintfLine("501 syntax")
			}
		case "GROUP":
			if !authed {
				tp.PrintfLine("480 authentication required")
				continue
			}
			group = arg
			tp.PrintfLine("211 0 0 0 %s", group)
		case "BODY":
			if !authed {
				tp.PrintfLine("480 authentication required")
				continue
			}
			s.body(tp, strings.Trim(arg, "<>"), group)
		case "QUIT":
			tp.PrintfLine("205 bye")
			return
		default:
			tp.PrintfLine("500 unknown command")
		}
	}
}

func (s *Server) body(tp *textproto.Conn, id, group string) {
	s.mu.Lock()
	s.requests[id]++
	attempt := s.requests[id]
	s.order = append(s.order, id)
	data, ok := s.articles[id]
	s.mu.Unlock()

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.RequireGroup && group == "" {
		tp.PrintfLine("412 no newsgroup selected")
		return
	}
	if s.Hook != nil {
		if code := s.Hook(id, attempt); code != 0 {
			if code == -1 {
				// Drop the connection mid-command.
				tp.Close()
				return
			}
			tp.PrintfLine("%d injected", code)
			return
		}
	}
	if !ok {
		tp.PrintfLine("430 no such article")
		return
	}
	tp.PrintfLine("222 0 <%s>", id)
	w := tp.DotWriter()
	w.Write(data)
	w.Close()
}
