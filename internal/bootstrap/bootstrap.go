// Package bootstrap performs the initial full-dump ingestion for a
// registry: fetch the current serial, stream the dump through the RPSL
// parser into a fresh index, and snapshot the result. Spec.md §4.5.
//
// The dump fetch dispatches on URL scheme the same way a download helper
// typically does: net/http with context-scoped requests and an explicit
// status-code check for http/https, github.com/jlaffaye/ftp's
// dial-then-login-then-retr sequence (anonymous credentials, a fixed
// dial timeout) for ftp, and a transparent gzip.Reader wrap whenever the
// path ends in ".gz" regardless of scheme.
package bootstrap

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/config"
	"github.com/bgp/irrcache/internal/metrics"
	"github.com/bgp/irrcache/internal/netaddr"
	"github.com/bgp/irrcache/internal/registry"
	"github.com/bgp/irrcache/internal/rpsl"
	"github.com/bgp/irrcache/internal/snapshot"
)

// maxLineSize bounds a single RPSL line the scanner will accept, so a
// malformed or hostile dump can't force an unbounded buffer grow.
const maxLineSize = 1 << 20 // 1 MiB

// Run fetches the serial and dump for cfg, ingests the dump into a fresh
// index, and writes a snapshot to snapshotPath before returning. Any
// failure to obtain a usable serial or dump abandons the registry for
// this cycle, matching spec.md §7's "skip this registry this cycle."
func Run(ctx context.Context, cfg config.RegistryConfig, snapshotPath string, log *logrus.Entry) (*registry.Index, error) {
	name := registryLabel(log)

	serial, err := fetchSerial(ctx, cfg.SerialURL)
	if err != nil {
		metrics.BootstrapAttempts.WithLabelValues(name, "serial_error").Inc()
		return nil, fmt.Errorf("bootstrap: serial: %w", err)
	}

	idx := registry.New(serial)

	stream, err := openDumpStream(ctx, cfg.DumpURL)
	if err != nil {
		metrics.BootstrapAttempts.WithLabelValues(name, "dump_error").Inc()
		return nil, fmt.Errorf("bootstrap: dump: %w", err)
	}
	defer stream.Close()

	if err := ingest(stream, idx, name, log); err != nil {
		metrics.BootstrapAttempts.WithLabelValues(name, "ingest_error").Inc()
		return nil, fmt.Errorf("bootstrap: ingest: %w", err)
	}

	serialOut, macros, v4, v6 := idx.Snapshot()
	d := snapshot.Data{Serial: serialOut, Macros: macros, ASNv4: v4, ASNv6: v6}
	if err := snapshot.WriteFile(snapshotPath, d); err != nil {
		log.Warnf("bootstrap: snapshot write failed, keeping in-memory index only: %v", err)
	}

	metrics.BootstrapAttempts.WithLabelValues(name, "success").Inc()
	metrics.CurrentSerial.WithLabelValues(name).Set(float64(serialOut))
	return idx, nil
}

// registryLabel pulls the "registry" field a caller may have attached to
// log via logrus.WithField, for use as a metrics label. Falls back to
// "unknown" rather than requiring every caller to thread a name through.
func registryLabel(log *logrus.Entry) string {
	if v, ok := log.Data["registry"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}

func fetchSerial(ctx context.Context, serialURL string) (uint32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serialURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d fetching serial", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return 0, fmt.Errorf("empty serial response")
	}
	v, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unparseable serial %q: %w", text, err)
	}
	return uint32(v), nil
}

// openDumpStream opens dumpURL as a byte stream, transparently
// decompressing it when the path ends in ".gz", and dispatching to FTP
// or HTTP(S) by scheme.
func openDumpStream(ctx context.Context, dumpURL string) (io.ReadCloser, error) {
	parsed, err := url.Parse(dumpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dump URL %q: %w", dumpURL, err)
	}

	var raw io.ReadCloser
	switch parsed.Scheme {
	case "http", "https":
		raw, err = openHTTPStream(ctx, dumpURL)
	case "ftp":
		raw, err = openFTPStream(parsed)
	default:
		return nil, fmt.Errorf("unsupported dump URL scheme %q", parsed.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(parsed.Path, ".gz") {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gzipReadCloser{gz: gz, underlying: raw}, nil
	}
	return raw, nil
}

type gzipReadCloser struct {
	gz         *gzip.Reader
	underlying io.Closer
}

func (g gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}

func openHTTPStream(ctx context.Context, dumpURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dumpURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d fetching dump", resp.StatusCode)
	}
	return resp.Body, nil
}

// openFTPStream retrieves dumpURL over FTP, for registries (e.g. RADB's
// historical mirrors) that only publish dumps that way.
func openFTPStream(parsed *url.URL) (io.ReadCloser, error) {
	host := parsed.Host
	if !strings.Contains(host, ":") {
		host = host + ":21"
	}

	conn, err := ftp.DialTimeout(host, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := conn.Login("anonymous", "anonymous@irrcache.invalid"); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(parsed.Path)
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	return ftpReadCloser{resp: resp, conn: conn}, nil
}

type ftpReadCloser struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (f ftpReadCloser) Read(p []byte) (int, error) { return f.resp.Read(p) }
func (f ftpReadCloser) Close() error {
	err := f.resp.Close()
	f.conn.Quit()
	return err
}

// ingest streams dump through a blank-line-delimited packet splitter and
// the RPSL parser, applying each recognized object into idx. It never
// buffers more than one packet, keeping memory bounded regardless of
// dump size (spec.md §4.5's back-pressure requirement).
func ingest(dump io.Reader, idx *registry.Index, name string, log *logrus.Entry) error {
	scanner := bufio.NewScanner(dump)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var packet []string
	flush := func() {
		if len(packet) == 0 {
			return
		}
		applyObject(rpsl.Parse(packet, log), idx, name, log)
		packet = packet[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		packet = append(packet, line)
	}
	flush()

	return scanner.Err()
}

func applyObject(obj rpsl.Object, idx *registry.Index, name string, log *logrus.Entry) {
	switch obj.Kind {
	case rpsl.KindMacroDef:
		idx.ApplyMacro(obj.MacroName, obj.Members, false, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
	case rpsl.KindRouteV4:
		p, err := netaddr.ParseV4(obj.Prefix)
		if err != nil {
			log.Warnf("bootstrap: bad v4 prefix %q: %v", obj.Prefix, err)
			metrics.ObservationEvents.WithLabelValues(name, "bad_prefix").Inc()
			return
		}
		idx.ApplyRouteV4(p, obj.Origin, false, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
	case rpsl.KindRouteV6:
		p, err := netaddr.ParseV6(obj.Prefix)
		if err != nil {
			log.Warnf("bootstrap: bad v6 prefix %q: %v", obj.Prefix, err)
			metrics.ObservationEvents.WithLabelValues(name, "bad_prefix").Inc()
			return
		}
		idx.ApplyRouteV6(p, obj.Origin, false, log)
		metrics.ObjectsIngested.WithLabelValues(name).Inc()
	}
}
