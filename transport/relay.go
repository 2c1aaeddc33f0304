package transport

import (
	"context"
	"io"

	"github.com/m4xw311/acpconn/errors"
	"golang.org/x/sync/errgroup"
)

// Relay copies frames from a to b and from b to a until either side ends.
// Both transports are closed before it returns. A clean end of either
// stream returns nil.
func Relay(ctx context.Context, a, b Transport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(gctx, a, b) })
	g.Go(func() error { return pump(gctx, b, a) })
	go func() {
		<-gctx.Done()
		a.Close()
		b.Close()
	}()

	err := g.Wait()
	a.Close()
	b.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func pump(ctx context.Context, from, to Transport) error {
	for {
		m, err := from.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if err := to.WriteFrame(ctx, m); err != nil {
			return err
		}
	}
}
