package main

import (
	"net"

	"github.com/coreos/go-systemd/v22/activation"
	"go.uber.org/zap"
)

// socketActivatedListeners returns the listeners systemd passed down via
// LISTEN_FDS (socket-unit activation), or nil if lpspoold wasn't started
// that way — the normal xinetd-style deployment for an inetd-descended
// protocol daemon like lpd. When present these take priority over -p/-P,
// since systemd already bound the configured addresses.
func socketActivatedListeners(logger *zap.Logger) ([]net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, err
	}
	for _, ln := range listeners {
		if ln != nil {
			logger.Info("inherited socket-activated listener", zap.String("addr", ln.Addr().String()))
		}
	}
	return listeners, nil
}
