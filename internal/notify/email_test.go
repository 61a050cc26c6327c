package notify

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// smtpServer accepts one session and answers just enough SMTP for a plain delivery
func smtpServer(t *testing.T) (SMTPConfig, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				tp.PrintfLine("500 empty command")
				continue
			}
			switch strings.ToUpper(fields[0]) {
			case "EHLO", "HELO":
				tp.PrintfLine("250 localhost")
			case "DATA":
				tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				received <- strings.Join(lines, "\n")
				tp.PrintfLine("250 queued")
			case "QUIT":
				tp.PrintfLine("221 bye")
				return
			default:
				tp.PrintfLine("250 OK")
			}
		}
	}()

	return smtpConfig(t, ln.Addr().String()), received
}

func smtpConfig(t *testing.T, addr string) SMTPConfig {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return SMTPConfig{Host: host, Port: p, From: "sla@example.com"}
}

func TestSMTPSenderDelivers(t *testing.T) {
	config, received := smtpServer(t)
	sender := NewSMTPSender(zaptest.NewLogger(t), config)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.SendEmail(ctx, []string{"ops@example.com", "lead@example.com"}, "SLA breached", "act-1 is late"))

	select {
	case msg := <-received:
		assert.Contains(t, msg, "Subject: SLA breached")
		assert.Contains(t, msg, "To: ops@example.com, lead@example.com")
		assert.Contains(t, msg, "act-1 is late")
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSMTPSenderHonoursContextOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// accept and never send a greeting
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	})

	sender := NewSMTPSender(zaptest.NewLogger(t), smtpConfig(t, ln.Addr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = sender.SendEmail(ctx, []string{"ops@example.com"}, "SLA breached", "act-1 is late")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPSenderCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	sender := NewSMTPSender(zaptest.NewLogger(t), smtpConfig(t, ln.Addr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = sender.SendEmail(ctx, []string{"ops@example.com"}, "SLA breached", "act-1 is late")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSMTPSenderRequiresRecipients(t *testing.T) {
	sender := NewSMTPSender(zaptest.NewLogger(t), SMTPConfig{Host: "127.0.0.1", Port: 25})
	assert.Error(t, sender.SendEmail(context.Background(), nil, "s", "b"))
}
