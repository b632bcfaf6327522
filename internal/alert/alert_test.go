package alert

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/process"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

// fakeSMTPServer speaks just enough SMTP to exercise Dispatcher.sendMail's
// plaintext, unauthenticated path against "localhost" (no STARTTLS, no
// AUTH), recording the transcript for assertions.
func fakeSMTPServer(t *testing.T, ln net.Listener) <-chan []string {
	t.Helper()
	transcript := make(chan []string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			transcript <- nil
			return
		}
		defer conn.Close()

		var lines []string
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)

		write := func(s string) {
			w.WriteString(s + "\r\n")
			w.Flush()
		}

		write("220 meshbuoy-test ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimRight(line, "\r\n")
			lines = append(lines, line)

			upper := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(upper, "EHLO"):
				write("250 meshbuoy-test")
			case strings.HasPrefix(upper, "MAIL FROM"):
				write("250 OK")
			case strings.HasPrefix(upper, "RCPT TO"):
				write("250 OK")
			case strings.HasPrefix(upper, "DATA"):
				write("354 Start mail input")
				for {
					dataLine, err := r.ReadString('\n')
					if err != nil {
						break
					}
					trimmed := strings.TrimRight(dataLine, "\r\n")
					lines = append(lines, trimmed)
					if trimmed == "." {
						break
					}
				}
				write("250 OK queued")
			case strings.HasPrefix(upper, "QUIT"):
				write("221 bye")
				transcript <- lines
				return
			default:
				write("500 unrecognized")
			}
		}
		transcript <- lines
	}()

	return transcript
}

func testDispatcherConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Config{
		SMTPHost:  host,
		SMTPPort:  port,
		SMTPSSL:   false,
		EmailFrom: "noreply@example.org",
		EmailTo:   []string{"watch@example.org"},
	}
}

func TestDispatcherSendDeliversMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testDispatcherConfig(t, ln.Addr().String())
	cfg.SMTPHost = "localhost" // skip STARTTLS branch
	d := New(cfg, testLogger())

	var eg errgroup.Group
	transcript := fakeSMTPServer(t, ln)
	eg.Go(func() error {
		return d.Send(process.AlertMovement, 42, store.NodeRecord{NodeID: 42, LongName: "Buoy A"}, 123.4)
	})
	require.NoError(t, eg.Wait())

	lines := <-transcript
	require.NotNil(t, lines)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "MAIL FROM")
	assert.Contains(t, joined, "RCPT TO")
	assert.Contains(t, joined, "Buoy A")
}

func TestDispatcherSendTest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testDispatcherConfig(t, ln.Addr().String())
	cfg.SMTPHost = "localhost"
	d := New(cfg, testLogger())

	var eg errgroup.Group
	transcript := fakeSMTPServer(t, ln)
	eg.Go(d.SendTest)
	require.NoError(t, eg.Wait())

	lines := <-transcript
	require.NotNil(t, lines)
	assert.Contains(t, strings.Join(lines, "\n"), "test alert")
}

func TestRenderAlertFallsBackToNodeIDWhenNameEmpty(t *testing.T) {
	subject, _ := renderAlert(process.AlertBattery, 7, store.NodeRecord{NodeID: 7}, 42)
	assert.Contains(t, subject, "node 7")
}
