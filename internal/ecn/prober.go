package ecn

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/engine"
	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
)

const defaultConnTimeout = 10 * time.Second

// Prober connects to each job's target under the host's ambient TCP
// stack configuration, grounded on ecnspider3.py's ECNSpider.connect:
// the dialer's Control hook, which runs before the connect syscall is
// attempted, binds the socket to the wildcard address with port 0 and
// reads back the ephemeral port the kernel assigned — so the port is
// captured even when the connection times out or is refused.
type Prober struct {
	ConnTimeout time.Duration
	Log         *zap.Logger
}

// PreConnect has no pre-connection state in this measurement; pcs is
// always nil, matching ecnspider3.py.
func (p Prober) PreConnect(ctx context.Context, j job.Job) (any, error) {
	return nil, nil
}

func (p Prober) Connect(ctx context.Context, j job.Job, state any, configID int) (engine.ConnectionOutcome, error) {
	timeout := p.ConnTimeout
	if timeout == 0 {
		timeout = defaultConnTimeout
	}

	var localPort uint16
	dialer := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				localPort = localBoundPort(fd)
			})
		},
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(j.RemoteIP.String(), strconv.Itoa(int(j.Port)))
	conn, err := dialer.DialContext(dctx, "tcp", addr)

	state2 := ConnOK
	switch {
	case err == nil:
		if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			localPort = uint16(tcpAddr.Port)
		}
		_ = conn.Close()
	case dctx.Err() != nil:
		state2 = ConnTimeout
	default:
		state2 = ConnFailed
	}

	if p.Log != nil {
		p.Log.Debug("connect finished",
			zap.Stringer("job", j),
			zap.Int("config_id", configID),
			zap.Stringer("state", state2),
			zap.Uint16("local_port", localPort),
		)
	}

	return engine.ConnectionOutcome{
		RemoteIP:   j.RemoteIP,
		RemotePort: j.Port,
		LocalPort:  localPort,
		Hostname:   j.Hostname,
		ConfigID:   configID,
		OK:         state2 == ConnOK,
	}, nil
}

// PostConnect shapes the result record pushed onto the result queue,
// grounded on ecnspider3.py's post_connect (the CONN_OK/FAILED/TIMEOUT
// three-state connect() result is already collapsed to a bool here, the
// same way the source's SpiderRecord.connstate is).
func (p Prober) PostConnect(j job.Job, outcome engine.ConnectionOutcome, state any, configID int) flowrec.Record {
	return flowrec.New().
		Set(flowrec.FieldRemoteIP, outcome.RemoteIP.String()).
		Set(flowrec.FieldLocalPort, int64(outcome.LocalPort)).
		Set(flowrec.FieldHostname, outcome.Hostname).
		Set(flowrec.FieldConfigID, int64(configID)).
		Set(flowrec.FieldOK, outcome.OK)
}

// localBoundPort binds fd to the wildcard address of its family with port
// 0 and reads back the ephemeral port the kernel assigned, called from the
// dialer's Control hook before the connect syscall is issued (an unbound
// socket would report port 0 until connect binds it).
func localBoundPort(fd uintptr) uint16 {
	sa, err := syscall.Getsockname(int(fd))
	if err != nil {
		return 0
	}
	switch sa.(type) {
	case *syscall.SockaddrInet4:
		err = syscall.Bind(int(fd), &syscall.SockaddrInet4{})
	case *syscall.SockaddrInet6:
		err = syscall.Bind(int(fd), &syscall.SockaddrInet6{})
	}
	if err == nil {
		sa, err = syscall.Getsockname(int(fd))
	}
	if err != nil {
		return 0
	}
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return uint16(a.Port)
	case *syscall.SockaddrInet6:
		return uint16(a.Port)
	default:
		return 0
	}
}
