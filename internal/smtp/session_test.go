package smtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailsink/mailsink/internal/mail"
	"github.com/mailsink/mailsink/internal/store"
	sinktls "github.com/mailsink/mailsink/internal/tls"
)

// mockSink implements Sink for testing.
type mockSink struct {
	mails  []*mail.Mail
	putErr error
}

func (m *mockSink) Put(msg *mail.Mail) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mails = append(m.mails, msg)
	return nil
}

// connPair creates a connected pair of net.Conn for testing sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session against one end of a connection pair and
// returns the client end with a buffered reader, greeting already consumed.
func startSession(t *testing.T, sink Sink) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	sess := NewSession(server, sink, "mail.test.com", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command line to the session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// ehlo performs the EHLO exchange and returns all response lines.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}
	return lines
}

func TestSessionGreetingContainsHostname(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, &mockSink{}, "mail.test.com", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Handle(ctx)

	greeting := readLine(t, bufio.NewReader(client))
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSessionEHLOAdvertisesSize(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})
	lines := ehlo(t, client, reader)

	foundSize := false
	for _, line := range lines {
		if strings.Contains(line, "SIZE") {
			foundSize = true
		}
		if strings.Contains(line, "STARTTLS") {
			t.Error("EHLO advertised STARTTLS without a TLS config")
		}
	}
	if !foundSize {
		t.Error("EHLO response missing SIZE capability")
	}
}

func TestSessionHELO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})
	sendCmd(t, client, "HELO client.test.com")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("HELO response: got %q, want prefix '250 '", resp)
	}
}

func TestSessionQUIT(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})
	sendCmd(t, client, "QUIT")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}
}

func TestSessionStateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	// MAIL FROM before EHLO
	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("MAIL FROM before EHLO: got %q, want prefix '503 '", resp)
	}

	ehlo(t, client, reader)

	// RCPT TO before MAIL FROM
	sendCmd(t, client, "RCPT TO:<rcpt@example.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("RCPT TO before MAIL FROM: got %q, want prefix '503 '", resp)
	}

	// DATA before RCPT TO
	sendCmd(t, client, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("DATA before RCPT TO: got %q, want prefix '503 '", resp)
	}
}

func TestSessionBadCommandKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})

	sendCmd(t, client, "BOGUS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "500 ") {
		t.Errorf("unknown command: got %q, want prefix '500 '", resp)
	}

	// The connection survives the bad command.
	sendCmd(t, client, "NOOP")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("NOOP after bad command: got %q, want prefix '250 '", resp)
	}
}

func TestSessionRSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockSink{})
	ehlo(t, client, reader)

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)

	sendCmd(t, client, "RSET")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("RSET response: got %q, want prefix '250 '", resp)
	}

	// Envelope is gone after RSET.
	sendCmd(t, client, "RCPT TO:<rcpt@example.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("RCPT TO after RSET: got %q, want prefix '503 '", resp)
	}
}

// runTransaction drives a full MAIL/RCPT/DATA exchange with the given body lines.
func runTransaction(t *testing.T, conn net.Conn, reader *bufio.Reader, from string, rcpts []string, body []string) string {
	t.Helper()

	sendCmd(t, conn, "MAIL FROM:<"+from+">")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("MAIL FROM response: got %q, want prefix '250 '", resp)
	}

	for _, r := range rcpts {
		sendCmd(t, conn, "RCPT TO:<"+r+">")
		if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
			t.Fatalf("RCPT TO response: got %q, want prefix '250 '", resp)
		}
	}

	sendCmd(t, conn, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "354 ") {
		t.Fatalf("DATA response: got %q, want prefix '354 '", resp)
	}

	payload := strings.Join(append(body, ".", ""), "\r\n")
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

func TestSessionCapturesMail(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	resp := runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{"hello"})
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}

	if len(sink.mails) != 1 {
		t.Fatalf("captured %d mails, want 1", len(sink.mails))
	}
	m := sink.mails[0]
	if m.ID == "" {
		t.Error("captured mail has no id")
	}
	if m.From != "a@x" {
		t.Errorf("From: got %q, want %q", m.From, "a@x")
	}
	if len(m.To) != 1 || m.To[0] != "b@y" {
		t.Errorf("To: got %v, want [b@y]", m.To)
	}
	if m.Body != "hello" {
		t.Errorf("Body: got %q, want %q", m.Body, "hello")
	}
	if m.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
}

func TestSessionCapturesSubjectFromHeaders(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	resp := runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{
		"From: a@x",
		"To: b@y",
		"Subject: Captured subject",
		"",
		"the body",
	})
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}

	if len(sink.mails) != 1 {
		t.Fatalf("captured %d mails, want 1", len(sink.mails))
	}
	m := sink.mails[0]
	if m.Subject != "Captured subject" {
		t.Errorf("Subject: got %q, want %q", m.Subject, "Captured subject")
	}
	if m.Body != "the body" {
		t.Errorf("Body: got %q, want %q", m.Body, "the body")
	}
}

func TestSessionMultipleRecipients(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	runTransaction(t, client, reader, "a@x", []string{"b@y", "c@z"}, []string{"hi"})

	if len(sink.mails) != 1 {
		t.Fatalf("captured %d mails, want 1", len(sink.mails))
	}
	m := sink.mails[0]
	if len(m.To) != 2 || m.To[0] != "b@y" || m.To[1] != "c@z" {
		t.Errorf("To: got %v, want [b@y c@z]", m.To)
	}
}

func TestSessionMultipleMessagesPerConnection(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{"first"})
	runTransaction(t, client, reader, "c@z", []string{"d@w"}, []string{"second"})

	if len(sink.mails) != 2 {
		t.Fatalf("captured %d mails, want 2", len(sink.mails))
	}
	if sink.mails[0].Body != "first" || sink.mails[1].Body != "second" {
		t.Errorf("bodies: got %q, %q", sink.mails[0].Body, sink.mails[1].Body)
	}
	// Ids stay unique across transactions on one connection.
	if sink.mails[0].ID == sink.mails[1].ID {
		t.Error("two captured mails share an id")
	}
}

func TestSessionDotStuffing(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{"..leading dot"})

	if len(sink.mails) != 1 {
		t.Fatalf("captured %d mails, want 1", len(sink.mails))
	}
	if sink.mails[0].Body != ".leading dot" {
		t.Errorf("Body: got %q, want %q", sink.mails[0].Body, ".leading dot")
	}
}

func TestSessionSinkFailure(t *testing.T) {
	t.Parallel()

	sink := &mockSink{putErr: errors.New("disk full")}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	resp := runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{"hello"})
	if !strings.HasPrefix(resp, "451 ") {
		t.Errorf("DATA completion with failing sink: got %q, want prefix '451 '", resp)
	}

	// The session is still usable for a retry.
	sendCmd(t, client, "NOOP")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("NOOP after sink failure: got %q, want prefix '250 '", resp)
	}
}

func TestSessionAbandonedTransferPersistsNothing(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	client, reader := startSession(t, sink)
	ehlo(t, client, reader)

	sendCmd(t, client, "MAIL FROM:<a@x>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<b@y>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)

	// Drop the connection mid-transfer, before the terminator.
	client.Write([]byte("partial body\r\n"))
	client.Close()

	time.Sleep(100 * time.Millisecond)
	if len(sink.mails) != 0 {
		t.Errorf("abandoned transfer persisted %d mails, want 0", len(sink.mails))
	}
}

func TestSessionEndToEndWithStore(t *testing.T) {
	t.Parallel()

	st, err := store.Open(filepath.Join(t.TempDir(), "mails.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	client, reader := startSession(t, st)
	ehlo(t, client, reader)

	resp := runTransaction(t, client, reader, "a@x", []string{"b@y"}, []string{"hello"})
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}

	sendCmd(t, client, "QUIT")
	readLine(t, reader)

	mails, err := st.List(10, 0, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mails) != 1 {
		t.Fatalf("store holds %d mails, want 1", len(mails))
	}
	m := mails[0]
	if m.From != "a@x" || len(m.To) != 1 || m.To[0] != "b@y" || m.Body != "hello" {
		t.Errorf("persisted mail mismatch: %+v", m)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"quit", "QUIT", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := extractAddress(tt.input); got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSessionEHLOAdvertisesSTARTTLS(t *testing.T) {
	t.Parallel()

	tlsConfig, err := sinktls.Load("", "")
	if err != nil {
		t.Fatalf("failed to build TLS config: %v", err)
	}

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, &mockSink{}, "mail.test.com", tlsConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader) // greeting

	lines := ehlo(t, client, reader)
	found := false
	for _, line := range lines {
		if strings.Contains(line, "STARTTLS") {
			found = true
		}
	}
	if !found {
		t.Error("EHLO response missing STARTTLS capability")
	}
}
