// Package nrtm drives the realtime synchronizer state machine described
// in spec.md §4.6: a long-lived, line-oriented TCP session that applies
// ADD/DEL deltas to a registry.Index as the mirror streams them.
package nrtm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/config"
	"github.com/bgp/irrcache/internal/metrics"
	"github.com/bgp/irrcache/internal/netaddr"
	"github.com/bgp/irrcache/internal/registry"
	"github.com/bgp/irrcache/internal/rpsl"
	"github.com/bgp/irrcache/internal/snapshot"
)

const (
	defaultReconnectDelay = 60 * time.Second
	defaultIdleTimeout    = 10 * time.Minute

	// maxPacketLines/maxPacketBytes bound the per-packet accumulator so
	// a malicious or misbehaving mirror can't force unbounded memory
	// growth (spec.md §5, "resource bounds").
	maxPacketLines = 4096
	maxPacketBytes = 1 << 20
)

var (
	errIdlePoll     = errors.New("nrtm: idle timeout, repolling")
	errPacketTooBig = errors.New("nrtm: packet exceeded size bound")

	startRe  = regexp.MustCompile(`^%START.*?(\d+)-(\d+|LAST)\s*$`)
	addDelRe = regexp.MustCompile(`^(ADD|DEL)\s+(\d+)\s*$`)
)

type state int

const (
	stateAwaitStart state = iota
	stateAwaitOp
	stateReadPacket
)

// Dialer opens the TCP connection to a registry's NRTM mirror. It exists
// as a seam so tests can substitute an in-process listener.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Synchronizer owns the reconnect/poll loop for one registry's realtime
// session. Two realtime sessions for the same registry must never run
// concurrently; callers must not invoke Run more than once per instance.
type Synchronizer struct {
	Registry     string
	Cfg          config.RegistryConfig
	Idx          *registry.Index
	SnapshotPath string
	Log          *logrus.Entry

	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	Dial           Dialer
}

func (s *Synchronizer) reconnectDelay() time.Duration {
	if s.ReconnectDelay > 0 {
		return s.ReconnectDelay
	}
	return defaultReconnectDelay
}

func (s *Synchronizer) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}
	return defaultIdleTimeout
}

func (s *Synchronizer) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.Dial != nil {
		return s.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Run loops: dial, drive one session to Terminal or error, wait the
// reconnect delay (or none, on an idle repoll), and try again. It
// returns only when ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.Cfg.RealtimeHost, s.Cfg.RealtimePort)
	var wait time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		metrics.RealtimeReconnects.WithLabelValues(s.Registry).Inc()
		conn, err := s.dial(ctx, addr)
		if err != nil {
			s.Log.Warnf("nrtm[%s]: dial %s: %v", s.Registry, addr, err)
			wait = s.reconnectDelay()
			continue
		}

		startSerial := s.Idx.Serial()
		// Closing conn on cancellation unblocks the session's pending read.
		stopClose := context.AfterFunc(ctx, func() { conn.Close() })
		err = runSession(conn, s.Idx, s.Cfg.IntName, startSerial, s.SnapshotPath, s.Log.WithField("registry", s.Registry), s.idleTimeout())
		stopClose()
		conn.Close()
		metrics.CurrentSerial.WithLabelValues(s.Registry).Set(float64(s.Idx.Serial()))

		switch {
		case err == nil:
			wait = s.reconnectDelay()
		case errors.Is(err, errIdlePoll):
			wait = 0
		default:
			s.Log.Warnf("nrtm[%s]: session error: %v", s.Registry, err)
			wait = s.reconnectDelay()
		}
	}
}

// runSession drives the state machine over one connection until %END
// (normal Terminal) or a transport/idle error. It returns nil on a
// normal Terminal regardless of whether any delta was applied — the
// commit rule (advance serial, conditionally snapshot) already ran
// inside the AwaitOp case that observed %END.
func runSession(conn net.Conn, idx *registry.Index, intName string, startSerial uint32, snapshotPath string, log *logrus.Entry, idleTimeout time.Duration) error {
	if _, err := fmt.Fprintf(conn, "-g %s:3:%d-LAST\n", intName, startSerial); err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	reader := bufio.NewReader(conn)
	st := stateAwaitStart
	latestSerial := startSerial
	op := ""
	var packet []string
	packetBytes := 0
	deltaApplied := false

	for {
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		line, err := readLine(reader)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return errIdlePoll
			}
			return err
		}

		switch st {
		case stateAwaitStart:
			if startRe.MatchString(line) {
				st = stateAwaitOp
			} else {
				log.Warnf("nrtm: unexpected line awaiting %%START: %q", line)
			}

		case stateAwaitOp:
			switch {
			case line == "%END":
				idx.SetSerial(latestSerial)
				if deltaApplied {
					writeSnapshot(idx, snapshotPath, log)
				}
				return nil
			case addDelRe.MatchString(line):
				m := addDelRe.FindStringSubmatch(line)
				op = m[1]
				v, err := strconv.ParseUint(m[2], 10, 32)
				if err != nil {
					log.Warnf("nrtm: unparseable serial in %q: %v", line, err)
					continue
				}
				latestSerial = uint32(v)
				st = stateReadPacket
			case strings.HasPrefix(line, "%"):
				// includes a stray second %START mid-stream, which
				// spec.md §9 says to tolerate rather than treat as fatal.
				log.Warnf("nrtm: protocol message while awaiting op: %q", line)
			default:
				// ignore
			}

		case stateReadPacket:
			if strings.TrimSpace(line) == "" {
				if len(packet) == 0 {
					continue
				}
				if latestSerial > startSerial {
					obj := rpsl.Parse(packet, log)
					if applyDelta(obj, idx, op, log) {
						deltaApplied = true
					}
				}
				packet = packet[:0]
				packetBytes = 0
				st = stateAwaitOp
				continue
			}
			packet = append(packet, line)
			packetBytes += len(line)
			if len(packet) > maxPacketLines || packetBytes > maxPacketBytes {
				return errPacketTooBig
			}
		}
	}
}

// applyDelta dispatches a parsed packet into idx according to op, and
// reports whether it actually mutated the index (an unrecognized object
// kind does not count as a delta, so a spurious %END doesn't trigger a
// needless snapshot write).
func applyDelta(obj rpsl.Object, idx *registry.Index, op string, log *logrus.Entry) bool {
	name := registryLabel(log)
	remove := op == "DEL"
	switch obj.Kind {
	case rpsl.KindMacroDef:
		idx.ApplyMacro(obj.MacroName, obj.Members, remove, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
		return true
	case rpsl.KindRouteV4:
		p, err := netaddr.ParseV4(obj.Prefix)
		if err != nil {
			log.Warnf("nrtm: bad v4 prefix %q: %v", obj.Prefix, err)
			metrics.ObservationEvents.WithLabelValues(name, "bad_prefix").Inc()
			return false
		}
		idx.ApplyRouteV4(p, obj.Origin, remove, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
		return true
	case rpsl.KindRouteV6:
		p, err := netaddr.ParseV6(obj.Prefix)
		if err != nil {
			log.Warnf("nrtm: bad v6 prefix %q: %v", obj.Prefix, err)
			metrics.ObservationEvents.WithLabelValues(name, "bad_prefix").Inc()
			return false
		}
		idx.ApplyRouteV6(p, obj.Origin, remove, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
		return true
	default:
		return false
	}
}

// registryLabel pulls the "registry" field attached to log via
// logrus.WithField, for use as a metrics label.
func registryLabel(log *logrus.Entry) string {
	if v, ok := log.Data["registry"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

func writeSnapshot(idx *registry.Index, path string, log *logrus.Entry) {
	serial, macros, v4, v6 := idx.Snapshot()
	d := snapshot.Data{Serial: serial, Macros: macros, ASNv4: v4, ASNv6: v6}
	if err := snapshot.WriteFile(path, d); err != nil {
		log.Warnf("nrtm: snapshot write failed, previous snapshot left intact: %v", err)
	}
}

// readLine reads one line terminated by "\n", optionally preceded by
// "\r", accumulating partial reads across socket boundaries the way
// bufio.Reader.ReadString already does.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
