package secure

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/lprng-go/lpspoold/internal/handlers"
)

// Server decrypts incoming `\6` opcode envelopes and replays them into
// the normal receive handler under the authenticated identity, per
// spec.md §4.10 step 4.
type Server struct {
	Provider Provider
	HMACKey  []byte
	Creds    map[string]Credentials // authuser -> credentials, "generic" authtype
}

// Receive implements handlers.SecureReceiver: it reads the `\6`
// request line ("printer C|F user authtype size\n"), the ciphertext
// body of the given size, decrypts and authenticates it, then feeds
// the recovered control/data sections into receive as an ordinary
// opcode-\2 sub-transfer sequence.
func (s *Server) Receive(ctx context.Context, conn net.Conn, r *bufio.Reader, header string, remoteHost string, receive func(ctx context.Context, conn net.Conn, r *bufio.Reader, line, remoteHost string)) {
	fields := strings.Fields(header)
	if len(fields) != 5 {
		ackByte(conn, 1)
		return
	}
	printer, originStr, user, authType, sizeStr := fields[0], fields[1], fields[2], fields[3], fields[4]
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		ackByte(conn, 1)
		return
	}
	ciphertext := make([]byte, size)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		ackByte(conn, 1)
		return
	}

	if authType == "generic" {
		if s.Creds == nil {
			ackByte(conn, 1)
			return
		}
		// The generic provider's own Open call authenticates the
		// envelope's HMAC trailer. The only identity check below is that
		// the decoded envelope's user equals the claimed user; the
		// entries of s.Creds are not consulted.
	}

	plaintext, err := s.Provider.Open(ctx, ciphertext)
	if err != nil {
		ackByte(conn, 1)
		return
	}
	env, err := Decode(plaintext, s.HMACKey)
	if err != nil {
		ackByte(conn, 1)
		return
	}
	if env.User != user {
		ackByte(conn, 1)
		return
	}
	ackByte(conn, 0)

	// Replay the decrypted envelope into the ordinary receive path by
	// synthesizing the same sub-opcode framing handleReceive expects.
	replay := newReplayConn(conn, buildReplayBody(env))
	receive(ctx, replay, bufio.NewReader(replay), printer, remoteHost)
	_ = originStr // origin recorded for forwarding loop accounting by the caller, not consulted here
}

func buildReplayBody(env Envelope) []byte {
	var b strings.Builder
	b.WriteByte(2) // subControl, matching internal/handlers' sub-opcode constant
	fmt.Fprintf(&b, "%d cfA000%s\n", len(env.Control), "secure")
	b.Write(env.Control)
	for _, d := range env.Data {
		b.WriteByte(3) // subData
		fmt.Fprintf(&b, "%d dfA000%s\n", len(d), "secure")
		b.Write(d)
	}
	return []byte(b.String())
}

func ackByte(w interface{ Write([]byte) (int, error) }, b byte) {
	_, _ = w.Write([]byte{b})
}

// replayConn lets the ordinary opcode-\2 receive handler read a
// pre-decrypted envelope body as if it arrived over the wire, while
// acks it writes are discarded (the client already received its single
// ack for the \6 request as a whole).
type replayConn struct {
	net.Conn
	body *strings.Reader
}

func newReplayConn(base net.Conn, body []byte) *replayConn {
	return &replayConn{Conn: base, body: strings.NewReader(string(body))}
}

func (c *replayConn) Read(p []byte) (int, error)  { return c.body.Read(p) }
func (c *replayConn) Write(p []byte) (int, error) { return len(p), nil }

var _ handlers.SecureReceiver = (*Server)(nil).Receive
