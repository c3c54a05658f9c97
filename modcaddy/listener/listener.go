package listener

import (
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/gaukas/vlessd/internal/utils"
	"github.com/gaukas/vlessd/modcaddy/app"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(ListenerWrapper{})
}

// ListenerWrapper implements caddy.ListenerWrapper.
// It is used to extract the request header from an incoming connection
// before the stream reaches the upstream proxy handler.
//
// For vlessd to see the header before anything else consumes it, the
// wrapper must come first in the Caddyfile's listener_wrappers directive:
//
//	listener_wrappers {
//		vlessd
//		tls
//	}
type ListenerWrapper struct {
	// TCP enables peeking the request header off accepted TCP connections.
	TCP bool `json:"tcp,omitempty"`

	// SniffPort, when non-zero, enables passive raw-IP capture of TCP
	// segments destined to that port. The first data segment of a tunneled
	// connection carries the request header.
	SniffPort uint16 `json:"sniff_port,omitempty"`

	logger       *zap.Logger
	reservoir    *app.Reservoir
	tcpListener  *net.IPConn
	tcp6Listener *net.IPConn
}

// CaddyModule returns the Caddy module information.
func (ListenerWrapper) CaddyModule() caddy.ModuleInfo { // skipcq: GO-W1029
	return caddy.ModuleInfo{
		ID:  "caddy.listeners.vlessd",
		New: func() caddy.Module { return new(ListenerWrapper) },
	}
}

func (lw *ListenerWrapper) Cleanup() error { // skipcq: GO-W1029
	var errs []error
	if lw.tcpListener != nil {
		errs = append(errs, lw.tcpListener.Close())
	}
	if lw.tcp6Listener != nil {
		errs = append(errs, lw.tcp6Listener.Close())
	}
	return errors.Join(errs...)
}

func (lw *ListenerWrapper) Provision(ctx caddy.Context) error { // skipcq: GO-W1029
	// logger
	lw.logger = ctx.Logger(lw)
	lw.logger.Info("vlessd listener logger loaded.")

	// reservoir
	if ctx.AppIfConfigured(app.CaddyAppID) == nil {
		return errors.New("vlessd listener: global reservoir is not configured")
	}
	a, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return err
	}
	lw.reservoir = a.(*app.Reservoir)
	lw.logger.Info("vlessd listener reservoir loaded.")

	// raw capture loops if enabled and not already provisioned
	if lw.SniffPort != 0 && lw.tcpListener == nil {
		lw.tcpListener, err = net.ListenIP("ip4:tcp", &net.IPAddr{})
		if err != nil {
			return err
		}
		go lw.sniffLoop(lw.tcpListener)

		lw.tcp6Listener, err = net.ListenIP("ip6:tcp", &net.IPAddr{})
		if err != nil {
			return err
		}
		go lw.sniffLoop(lw.tcp6Listener)

		lw.logger.Info("vlessd listener raw capture loaded.")
	}

	lw.logger.Info("vlessd listener provisioned.")
	return nil
}

func (lw *ListenerWrapper) sniffLoop(ipc *net.IPConn) { // skipcq: GO-W1029
	for {
		var buf [2048]byte
		n, ipAddr, err := ipc.ReadFromIP(buf[:])
		if err != nil {
			lw.logger.Error("raw capture read error", zap.Error(err))
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return // return when listener is closed
			}
			continue
		}

		// Parse TCP segment
		tcpPkt, err := utils.ParseTCPPacket(buf[:n])
		if err != nil {
			lw.logger.Error("failed to parse TCP segment", zap.Error(err))
			continue
		}
		if uint16(tcpPkt.DstPort) != lw.SniffPort || len(tcpPkt.Payload) == 0 {
			continue
		}
		tcpAddr := &net.TCPAddr{IP: ipAddr.IP, Port: int(tcpPkt.SrcPort)}

		// Most segments are not the first of a stream and will fail the
		// decode; that is expected and only worth a debug line.
		if err := lw.reservoir.HeaderTracker().HandleMessage(tcpAddr.String(), tcpPkt.Payload); err != nil {
			lw.logger.Debug("failed to decode request header: ", zap.Error(err))
			continue
		}
	}
}

func (lw *ListenerWrapper) WrapListener(l net.Listener) net.Listener { // skipcq: GO-W1029
	lw.logger.Info("Wrapping listener " + l.Addr().String() + " on network " + l.Addr().Network() + "...")

	if l.Addr().Network() == "tcp" || l.Addr().Network() == "tcp4" || l.Addr().Network() == "tcp6" {
		if lw.TCP {
			return wrapHeaderListener(l, lw.reservoir, lw.logger)
		}
		lw.logger.Debug("TCP not enabled. Skipping...")
	} else {
		lw.logger.Debug("Not TCP. Skipping...")
	}

	return l
}

type headerListener struct {
	net.Listener
	reservoir *app.Reservoir
	logger    *zap.Logger
}

func wrapHeaderListener(in net.Listener, r *app.Reservoir, logger *zap.Logger) net.Listener {
	return &headerListener{
		Listener:  in,
		reservoir: r,
		logger:    logger,
	}
}

func (l *headerListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return conn, err
	}

	// HandleTCPConn deposits the decoded header and rewinds the connection
	// so the upstream still sees the stream from its first byte. On failure
	// the connection comes back rewound as well, so non-frame streams pass
	// through intact.
	rewound, err := l.reservoir.HeaderTracker().HandleTCPConn(conn)
	if err != nil {
		l.logger.Error("failed to read request header from "+conn.RemoteAddr().String(), zap.Error(err))
		return rewound, nil
	}

	l.logger.Debug("Deposited request header from " + conn.RemoteAddr().String())
	return rewound, nil
}

func (lw *ListenerWrapper) UnmarshalCaddyfile(d *caddyfile.Dispenser) error { // skipcq: GO-W1029
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "tcp":
				if lw.TCP {
					return d.Err("vlessd: tcp already specified")
				}
				lw.TCP = true
			case "sniff":
				if lw.SniffPort != 0 {
					return d.Err("vlessd: sniff already specified")
				}
				if !d.NextArg() {
					return d.ArgErr()
				}
				port, err := strconv.ParseUint(d.Val(), 10, 16)
				if err != nil || port == 0 {
					return d.Errf("vlessd: invalid sniff port %q", d.Val())
				}
				lw.SniffPort = uint16(port)
			}
		}
	}
	return nil
}

// Interface guards
var (
	_ caddy.CleanerUpper    = (*ListenerWrapper)(nil)
	_ caddy.Provisioner     = (*ListenerWrapper)(nil)
	_ caddy.ListenerWrapper = (*ListenerWrapper)(nil)
	_ caddyfile.Unmarshaler = (*ListenerWrapper)(nil)
)
