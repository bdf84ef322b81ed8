// Package redisstub runs a minimal in-process RESP server implementing the
// hash commands the tally cache uses. Tests exercise the real go-redis client
// against it without a Redis daemon.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	hashes   map[string]map[string]string
	expiry   map[string]time.Time
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		hashes: make(map[string]map[string]string),
		expiry: make(map[string]time.Time),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Hash returns a copy of the stored hash for assertions.
func (s *Server) Hash(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.hashes[key]
	if !ok {
		return nil
	}
	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if writeSimpleString(writer, "PONG") != nil {
				return
			}
		case "HELLO", "CLIENT":
			// The real client downgrades to RESP2 and ignores setinfo
			// failures; answering with an error keeps it happy.
			if writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd))) != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if writeError(writer, "ERR wrong number of arguments for 'auth'") != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if writeSimpleString(writer, "OK") != nil {
					return
				}
			} else if writeError(writer, "WRONGPASS invalid username-password pair") != nil {
				return
			}
		case "SELECT":
			if writeSimpleString(writer, "OK") != nil {
				return
			}
		default:
			if !authenticated {
				if writeError(writer, "NOAUTH Authentication required.") != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, cmd, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) bool {
	switch cmd {
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(writer, "ERR wrong number of arguments for 'hset'") == nil
		}
		added := s.hset(args[1], args[2:])
		return writeInteger(writer, added) == nil
	case "HGET":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'hget'") == nil
		}
		value, ok := s.hget(args[1], args[2])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "HGETALL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'hgetall'") == nil
		}
		return writeArray(writer, s.hgetall(args[1])) == nil
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'") == nil
		}
		return writeInteger(writer, s.del(args[1:])) == nil
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'") == nil
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time") == nil
		}
		set := s.setExpiry(args[1], time.Duration(seconds)*time.Second)
		return writeInteger(writer, set) == nil
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'") == nil
		}
		return writeInteger(writer, s.ttl(args[1])) == nil
	default:
		return writeError(writer, fmt.Sprintf("ERR unsupported command '%s'", strings.ToLower(cmd))) == nil
	}
}

func (s *Server) hset(key string, pairs []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(key)
	fields, ok := s.hashes[key]
	if !ok {
		fields = make(map[string]string)
		s.hashes[key] = fields
	}
	var added int64
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, exists := fields[pairs[i]]; !exists {
			added++
		}
		fields[pairs[i]] = pairs[i+1]
	}
	return added
}

func (s *Server) hget(key, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(key)
	value, ok := s.hashes[key][field]
	return value, ok
}

func (s *Server) hgetall(key string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(key)
	fields := s.hashes[key]
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			delete(s.expiry, key)
			removed++
		}
	}
	return removed
}

func (s *Server) setExpiry(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[key]; !ok {
		return 0
	}
	s.expiry[key] = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[key]; !ok {
		return -2
	}
	deadline, ok := s.expiry[key]
	if !ok {
		return -1
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		delete(s.hashes, key)
		delete(s.expiry, key)
		return -2
	}
	return int64(remaining / time.Second)
}

func (s *Server) evictExpiredLocked(key string) {
	deadline, ok := s.expiry[key]
	if ok && time.Now().After(deadline) {
		delete(s.hashes, key)
		delete(s.expiry, key)
	}
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArray(w, v); err != nil {
				return err
			}
		default:
			formatted := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(formatted), formatted); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
