package visa

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
)

// scriptedInstrument answers SCPI queries on the server side of a pipe.
func scriptedInstrument(t *testing.T, conn net.Conn, responses map[string]string) {
	t.Helper()
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			if resp, ok := responses[cmd]; ok {
				conn.Write([]byte(resp + "\n"))
			}
		}
	}()
}

func TestSessionQuery(t *testing.T) {
	client, server := net.Pipe()
	scriptedInstrument(t, server, map[string]string{
		"*IDN?": "Keysight Technologies,E4990A,MY54100123,A.01.10",
	})

	s := NewSession("test", client)
	defer s.Close()

	idn, err := s.Query("*IDN?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !strings.Contains(idn, "E4990A") {
		t.Errorf("Unexpected IDN response: %q", idn)
	}
}

func TestSessionQueryValues(t *testing.T) {
	client, server := net.Pipe()
	scriptedInstrument(t, server, map[string]string{
		":SENS1:FREQ:DATA?": "500000,2750000,5000000",
	})

	s := NewSession("test", client)
	defer s.Close()

	values, err := s.QueryValues(":SENS1:FREQ:DATA?")
	if err != nil {
		t.Fatalf("QueryValues failed: %v", err)
	}
	want := []float64{500e3, 2.75e6, 5e6}
	if len(values) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(values))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values[%d] = %g, want %g", i, values[i], want[i])
		}
	}
}

func TestSessionWriteDoesNotWaitForResponse(t *testing.T) {
	client, server := net.Pipe()
	received := make(chan string, 1)
	go func() {
		br := bufio.NewReader(server)
		line, err := br.ReadString('\n')
		if err == nil {
			received <- strings.TrimSpace(line)
		}
	}()

	s := NewSession("test", client)
	defer s.Close()

	if err := s.Write("*CLS"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := <-received; got != "*CLS" {
		t.Errorf("Instrument received %q, want *CLS", got)
	}
}

func TestParseValuesMalformed(t *testing.T) {
	if _, err := ParseValues("1.5,abc,2.5"); err == nil {
		t.Fatal("Expected error for malformed numeric field")
	}
}

func TestParseValuesEmpty(t *testing.T) {
	values, err := ParseValues("  ")
	if err != nil {
		t.Fatalf("ParseValues failed: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("Expected no values, got %v", values)
	}
}

func TestConnectionErrorCarriesResource(t *testing.T) {
	err := &ConnectionError{Resource: "192.168.1.100:5025", Err: errors.New("connection refused")}
	if !strings.Contains(err.Error(), "192.168.1.100:5025") {
		t.Errorf("Error message %q does not name the resource", err.Error())
	}
}

func TestIsTimeout(t *testing.T) {
	wrapped := &ConnectionError{Resource: "test", Err: os.ErrDeadlineExceeded}
	if !IsTimeout(wrapped) {
		t.Error("Expected deadline error to count as timeout")
	}
	if IsTimeout(errors.New("protocol error")) {
		t.Error("Expected plain error not to count as timeout")
	}
}
