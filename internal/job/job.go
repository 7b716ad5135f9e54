// Package job defines the measurement target type and the pluggable
// sources that feed it into the engine's job queue.
package job

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/agermann93/pathspider/internal/metrics"
)

// Job is one target of a paired probe. Immutable once enqueued.
type Job struct {
	RemoteIP net.IP
	Port     uint16
	Hostname string
}

func (j Job) String() string {
	return fmt.Sprintf("%s:%d(%s)", j.RemoteIP, j.Port, j.Hostname)
}

// Source feeds jobs to a consumer. AddJob is the single abstract method
// concrete resolvers must implement (the mplane-backed resolver and any
// other measurement-plane client live outside this repository).
type Source interface {
	AddJob(Job)
}

// NewUnbounded returns a job source/sink pair backed by an in-memory
// unbounded buffer, matching the Python engine's plain queue.Queue()
// (unbounded) semantics described in spec §5.
func NewUnbounded(ctx context.Context) *UnboundedQueue {
	uq := &UnboundedQueue{
		in:  make(chan Job),
		out: make(chan Job),
	}
	go uq.pump(ctx)
	return uq
}

// UnboundedQueue is a Source (AddJob) and a drain-able sink (TryGet,
// Drain) with no fixed capacity.
type UnboundedQueue struct {
	in      chan Job
	out     chan Job
	Metrics *metrics.Metrics
}

func (q *UnboundedQueue) pump(ctx context.Context) {
	var buf []Job
	for {
		var (
			sendCh chan Job
			head   Job
		)
		if len(buf) > 0 {
			sendCh = q.out
			head = buf[0]
		}

		select {
		case <-ctx.Done():
			return
		case j := <-q.in:
			buf = append(buf, j)
		case sendCh <- head:
			buf = buf[1:]
		}
	}
}

// AddJob enqueues a job. Never blocks the caller for long: it only waits
// for the internal pump goroutine to accept it.
func (q *UnboundedQueue) AddJob(j Job) {
	q.in <- j
	if q.Metrics != nil {
		q.Metrics.JobsEnqueued.Inc()
	}
}

// TryGet returns a job without blocking, mirroring jobqueue.try_get() in
// the worker's idle/active branch selection.
func (q *UnboundedQueue) TryGet() (Job, bool) {
	select {
	case j := <-q.out:
		return j, true
	default:
		return Job{}, false
	}
}

// Drain removes and discards every job currently queued, used when an
// interrupt is requested (spec §7 "Interrupt requested"). The pump offers
// the next buffered job only after it has been scheduled again, so Drain
// returns once no job has been offered for a short grace period rather
// than at the first empty receive.
func (q *UnboundedQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.out:
			n++
		case <-time.After(10 * time.Millisecond):
			return n
		}
	}
}

// HostnameFileSource reads newline-separated hostnames, detecting the
// Alexa-style "<rank>,<hostname>" format by the presence of a comma on
// any line in the file — not per-line — matching the original resolver's
// read_hostnames heuristic exactly.
type HostnameFileSource struct {
	Port uint16
}

// ReadHostnames parses hostnames out of r using the same heuristic as
// pathspider's client/resolver.py: read_hostnames.
func ReadHostnames(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var alexa []string
	for _, line := range lines {
		if strings.Contains(line, ",") {
			parts := strings.SplitN(line, ",", 2)
			alexa = append(alexa, parts[1])
		}
	}
	if len(alexa) > 0 {
		return alexa, nil
	}
	return lines, nil
}

// Load reads hostnames from r and pushes one Job per hostname into dst.
// DNS resolution of the hostname into RemoteIP is the resolver's job
// (out of scope here, per spec §1); Load leaves RemoteIP nil and expects
// a resolver to fill it in before the job reaches the worker pool, unless
// resolve is non-nil.
func (s HostnameFileSource) Load(r io.Reader, dst Source, resolve func(hostname string) (net.IP, error)) error {
	hostnames, err := ReadHostnames(r)
	if err != nil {
		return err
	}
	for _, h := range hostnames {
		var ip net.IP
		if resolve != nil {
			ip, err = resolve(h)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", h, err)
			}
		}
		dst.AddJob(Job{RemoteIP: ip, Port: s.Port, Hostname: h})
	}
	return nil
}

// CSVFileSource reads a CSV file with columns ip,port,hostname. An empty
// hostname column is substituted with the IP, matching
// client/resolver.py: read_ips.
type CSVFileSource struct{}

// Load parses CSV rows and pushes one Job per row into dst.
func (CSVFileSource) Load(r io.Reader, dst Source) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range []string{"ip", "port", "hostname"} {
		if _, ok := cols[want]; !ok {
			return fmt.Errorf("csv job source: missing column %q", want)
		}
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		ipStr := strings.TrimSpace(row[cols["ip"]])
		portStr := strings.TrimSpace(row[cols["port"]])
		hostname := strings.TrimSpace(row[cols["hostname"]])
		if hostname == "" {
			hostname = ipStr
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("csv job source: invalid ip %q", ipStr)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("csv job source: invalid port %q: %w", portStr, err)
		}

		dst.AddJob(Job{RemoteIP: ip, Port: uint16(port), Hostname: hostname})
	}
}
