package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsReadLimitBytes int64 = 64 << 10
	wsWriteTimeout         = 2 * time.Second
)

// Serve runs the handshake over conn: it announces readiness, then reads
// messages until ids are applied or the handshake expires. The caller closes
// conn.
func Serve(ctx context.Context, conn *websocket.Conn, origin string, hs *Handshake) error {
	conn.SetReadLimit(wsReadLimitBytes)

	if err := write(ctx, conn, hs.Ready()); err != nil {
		return err
	}

	readCtx, cancel := context.WithDeadline(ctx, hs.ExpiresAt())
	defer cancel()
	for {
		var msg Message
		if err := wsjson.Read(readCtx, conn, &msg); err != nil {
			if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
				return ErrExpired
			}
			return err
		}

		applied, err := hs.Deliver(origin, msg)
		switch {
		case err != nil:
			if werr := write(ctx, conn, Message{Type: TypeRejected, WindowID: hs.WindowID(), Error: err.Error()}); werr != nil {
				return werr
			}
			if errors.Is(err, ErrOrigin) || errors.Is(err, ErrExpired) {
				return err
			}
		case applied:
			return write(ctx, conn, Message{Type: TypeApplied, WindowID: hs.WindowID(), UUIDs: hs.Applied()})
		default:
			// Already applied by an earlier delivery.
			return nil
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
