// Package visa opens a command session to the instrument over TCP/IP or a
// USB serial port and provides the line-oriented SCPI exchange used by the
// sweep executor.
package visa

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"e4990a-acquire/internal/config"
)

// SCPIPort is the instrument's raw-socket SCPI service port.
const SCPIPort = "5025"

// IOTimeout bounds every command/response exchange. It must be longer than
// a single sweep interval so a blocking operation-complete query can finish.
const IOTimeout = 15 * time.Second

// ConnectionError reports a failure to open or talk to a resource. It
// carries the attempted resource string for the operator message.
type ConnectionError struct {
	Resource string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Resource, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Session is an open, ready-to-command instrument connection.
type Session interface {
	// Resource returns the resource string the session was opened with.
	Resource() string
	// Write sends a command that produces no response.
	Write(cmd string) error
	// Query sends a command and reads one response line.
	Query(cmd string) (string, error)
	// QueryValues sends a command and parses a comma-separated numeric
	// response.
	QueryValues(cmd string) ([]float64, error)
	Close() error
}

// Open dials the instrument described by the resource configuration. With an
// IP address it uses the SCPI raw socket; otherwise it opens the configured
// serial port, scanning for one when no port is given.
func Open(ctx context.Context, res config.Resource) (Session, error) {
	if res.IPAddress != "" {
		return openTCP(ctx, res.IPAddress)
	}
	port := res.USBPort
	if port == "" {
		discovered, err := discoverSerialPort()
		if err != nil {
			return nil, err
		}
		port = discovered
	}
	return openSerial(port)
}

func openTCP(ctx context.Context, ip string) (Session, error) {
	resource := net.JoinHostPort(ip, SCPIPort)
	d := net.Dialer{Timeout: IOTimeout}
	conn, err := d.DialContext(ctx, "tcp", resource)
	if err != nil {
		return nil, &ConnectionError{Resource: resource, Err: err}
	}
	return &session{
		resource: resource,
		rw:       conn,
		br:       bufio.NewReader(conn),
		deadline: conn.SetDeadline,
	}, nil
}

func openSerial(port string) (Session, error) {
	mode := &serial.Mode{BaudRate: 115200}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, &ConnectionError{Resource: port, Err: err}
	}
	if err := p.SetReadTimeout(IOTimeout); err != nil {
		p.Close()
		return nil, &ConnectionError{Resource: port, Err: err}
	}
	return &session{
		resource: port,
		rw:       p,
		br:       bufio.NewReader(p),
	}, nil
}

// discoverSerialPort scans the system serial ports and requires exactly one
// USB candidate; ambiguity is reported rather than guessed at.
func discoverSerialPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", &ConnectionError{Resource: "USB", Err: err}
	}
	candidates := make([]string, 0, len(ports))
	for _, p := range ports {
		if strings.Contains(strings.ToLower(p), "usb") {
			candidates = append(candidates, p)
		}
	}
	switch len(candidates) {
	case 0:
		return "", &ConnectionError{Resource: "USB",
			Err: fmt.Errorf("no USB instruments found")}
	case 1:
		return candidates[0], nil
	default:
		return "", &ConnectionError{Resource: "USB",
			Err: fmt.Errorf("multiple USB instruments found: %s", strings.Join(candidates, ", "))}
	}
}

// session implements Session over any line-oriented byte stream. deadline is
// nil for transports without deadline support (serial uses its own read
// timeout).
type session struct {
	resource string
	rw       io.ReadWriteCloser
	br       *bufio.Reader
	deadline func(time.Time) error
}

// NewSession wraps an already-open stream. Exposed for the simulated
// instrument used in tests.
func NewSession(resource string, rw io.ReadWriteCloser) Session {
	s := &session{resource: resource, rw: rw, br: bufio.NewReader(rw)}
	if conn, ok := rw.(net.Conn); ok {
		s.deadline = conn.SetDeadline
	}
	return s
}

func (s *session) Resource() string { return s.resource }

func (s *session) Write(cmd string) error {
	if err := s.setDeadline(); err != nil {
		return &ConnectionError{Resource: s.resource, Err: err}
	}
	if _, err := io.WriteString(s.rw, cmd+"\n"); err != nil {
		return &ConnectionError{Resource: s.resource, Err: err}
	}
	return nil
}

func (s *session) Query(cmd string) (string, error) {
	if err := s.Write(cmd); err != nil {
		return "", err
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", &ConnectionError{Resource: s.resource,
			Err: fmt.Errorf("reading response to %q: %w", cmd, err)}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) QueryValues(cmd string) ([]float64, error) {
	line, err := s.Query(cmd)
	if err != nil {
		return nil, err
	}
	return ParseValues(line)
}

func (s *session) Close() error {
	return s.rw.Close()
}

func (s *session) setDeadline() error {
	if s.deadline == nil {
		return nil
	}
	return s.deadline(time.Now().Add(IOTimeout))
}

// ParseValues parses a comma-separated ASCII numeric response.
func ParseValues(line string) ([]float64, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	fields := strings.Split(line, ",")
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed numeric response field %q: %w", f, err)
		}
		values[i] = v
	}
	return values, nil
}

// IsTimeout reports whether err represents a communication timeout. Serial
// reads that make no progress within the port read timeout surface as
// io.ErrNoProgress through bufio.
func IsTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrNoProgress) || errors.Is(err, os.ErrDeadlineExceeded)
}
