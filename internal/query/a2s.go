// Package query implements one-shot A2S server queries over UDP.
package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/protocol"
)

// DefaultTimeout bounds a whole query including the optional challenge
// round-trip.
const DefaultTimeout = 5 * time.Second

// ErrQueryTimeout is returned when no valid reply arrives in time.
var ErrQueryTimeout = errors.New("a2s: query timed out")

// Info sends an A2S_INFO request and returns the parsed reply. Modern
// servers answer the first request with a challenge; the request is then
// re-sent once with the 4-byte challenge appended. Replies shorter than
// 5 bytes, or lacking the OOB header, are stray UDP traffic and are
// ignored rather than treated as errors. The socket is closed on every
// exit path.
func Info(ctx context.Context, host string, port int, timeout time.Duration) (*protocol.ServerInfo, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("a2s: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)

	if _, err := conn.Write(protocol.BuildA2SInfoRequest(nil)); err != nil {
		return nil, fmt.Errorf("a2s: send %s: %w", addr, err)
	}

	retried := false
	buf := make([]byte, 2048)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: %s after %s", ErrQueryTimeout, addr, timeout)
			}
			return nil, fmt.Errorf("a2s: recv %s: %w", addr, err)
		}

		reply := buf[:n]
		typ, ok := protocol.A2SResponseType(reply)
		if !ok {
			log.Trace().Str("addr", addr).Int("len", n).Msg("ignoring stray datagram")
			continue
		}

		switch typ {
		case protocol.A2STypeChallenge:
			// Exactly one challenge retry is modeled; further challenge
			// replies are dropped until the deadline expires.
			if retried {
				continue
			}
			challenge, cerr := protocol.ParseA2SChallenge(reply)
			if cerr != nil {
				continue
			}
			if _, err := conn.Write(protocol.BuildA2SInfoRequest(challenge)); err != nil {
				return nil, fmt.Errorf("a2s: send challenged request %s: %w", addr, err)
			}
			retried = true

		case protocol.A2STypeInfoResponse:
			info, perr := protocol.ParseA2SInfoResponse(reply)
			if perr != nil {
				return nil, perr
			}
			return info, nil

		default:
			// Reply to some other query type; not ours.
			continue
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
