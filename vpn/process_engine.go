package vpn

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// ProcessEngineOptions describes the helper process that runs the native
// IKE daemon.
type ProcessEngineOptions struct {
	Command string
	Args    []string
	// UsePkexec runs the helper through pkexec for privilege elevation.
	UsePkexec   bool
	StopTimeout time.Duration
}

// ProcessEngine drives a native engine helper over its standard streams.
//
// The settings are written to the helper's stdin followed by a line holding a
// single ".". The helper then reports on stdout, one command per line:
//
//	status N          engine status code
//	imc N             IMC verdict (0 unknown, 1 allow, 2 block, 3 isolate)
//	remediation TEXT  remediation instruction
//	addr PREFIX       tunnel address
//	route PREFIX      route to send through the tunnel
//	dns ADDR          DNS server
//	domain NAME       DNS search domain
//	mtu N             interface MTU
//	establish         bring the interface up, answered with "ok IFNAME" or "error MSG"
//	establish-nodns   same, without DNS
//	log TEXT          engine log line
//
// Stderr is logged. An exit that was not requested through Stop is reported
// as a generic error.
type ProcessEngine struct {
	opts ProcessEngineOptions

	mu  sync.Mutex
	run *engineRun
}

var _ Engine = (*ProcessEngine)(nil)

// NewProcessEngine returns an engine for the given helper.
func NewProcessEngine(opts ProcessEngineOptions) *ProcessEngine {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = common.EngineStopTimeout
	}
	return &ProcessEngine{opts: opts}
}

type engineRun struct {
	cmd      *exec.Cmd
	builder  InterfaceBuilder
	events   EngineEvents
	stopping atomic.Bool
	done     chan struct{}

	inMu  sync.Mutex
	stdin io.WriteCloser
}

// Start launches the helper and feeds it cfg.Settings.
func (e *ProcessEngine) Start(cfg EngineConfig) error {
	e.Stop()

	name, args := e.opts.Command, e.opts.Args
	if e.opts.UsePkexec {
		name, args = "pkexec", append([]string{e.opts.Command}, args...)
	}
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEngineStart, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEngineStart, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEngineStart, err)
	}

	common.LogDebug("Engine: command: %s %v", name, args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrEngineStart, err)
	}
	common.LogInfo("Engine: helper started with PID %d", cmd.Process.Pid)

	r := &engineRun{
		cmd:     cmd,
		builder: cfg.Builder,
		events:  cfg.Events,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	if err := r.reply(cfg.Settings + "\n.\n"); err != nil {
		common.LogWarn("Engine: writing settings: %v", err)
	}

	e.mu.Lock()
	e.run = r
	e.mu.Unlock()

	go r.logStderr(stderr)
	go r.wait(stdout)
	return nil
}

// Stop asks the helper to exit and kills it if it does not within the
// configured timeout. It returns once the helper is gone.
func (e *ProcessEngine) Stop() {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return
	}

	r.stopping.Store(true)
	r.inMu.Lock()
	_ = r.stdin.Close()
	r.inMu.Unlock()
	_ = r.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-r.done:
		common.LogInfo("Engine: helper stopped")
	case <-time.After(e.opts.StopTimeout):
		common.LogWarn("Engine: helper did not exit within %s, killing it", e.opts.StopTimeout)
		_ = r.cmd.Process.Kill()
		<-r.done
	}
}

func (r *engineRun) wait(stdout io.Reader) {
	defer close(r.done)

	r.monitorOutput(stdout)
	err := r.cmd.Wait()
	if r.stopping.Load() {
		return
	}
	if err != nil {
		common.LogError("Engine: helper terminated with error: %v", err)
	} else {
		common.LogError("Engine: helper exited unexpectedly")
	}
	r.events.UpdateStatus(StatusGenericError)
}

func (r *engineRun) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		common.LogDebug("Engine stderr: %s", scanner.Text())
	}
}

func (r *engineRun) monitorOutput(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := parseEngineLine(line)
		if err != nil {
			common.LogWarn("Engine: %v", err)
			continue
		}
		r.handle(cmd)
	}
	if err := scanner.Err(); err != nil && !r.stopping.Load() {
		common.LogWarn("Engine: reading helper output: %v", err)
	}
}

func (r *engineRun) handle(c engineCommand) {
	var err error
	switch c.verb {
	case "status":
		r.events.UpdateStatus(StatusCode(c.n))
	case "imc":
		r.events.UpdateImcState(ImcState(c.n))
	case "remediation":
		r.events.AddRemediationInstruction(c.text)
	case "addr":
		err = r.builder.AddAddress(c.prefix)
	case "route":
		err = r.builder.AddRoute(c.prefix)
	case "dns":
		err = r.builder.AddDNSServer(c.addr)
	case "domain":
		err = r.builder.AddSearchDomain(c.text)
	case "mtu":
		err = r.builder.SetMTU(c.n)
	case "establish", "establish-nodns":
		establish := r.builder.Establish
		if c.verb == "establish-nodns" {
			establish = r.builder.EstablishNoDNS
		}
		h, eerr := establish()
		answer := ""
		if eerr != nil {
			answer = "error " + strings.ReplaceAll(eerr.Error(), "\n", " ")
		} else {
			answer = "ok " + h.Name()
		}
		if werr := r.reply(answer + "\n"); werr != nil && !r.stopping.Load() {
			common.LogWarn("Engine: answering %s: %v", c.verb, werr)
		}
	case "log":
		common.LogDebug("Engine: %s", c.text)
	}
	if err != nil {
		common.LogWarn("Engine: %s rejected: %v", c.verb, err)
	}
}

func (r *engineRun) reply(s string) error {
	r.inMu.Lock()
	defer r.inMu.Unlock()
	_, err := io.WriteString(r.stdin, s)
	return err
}

// engineCommand is one parsed helper output line.
type engineCommand struct {
	verb   string
	text   string
	n      int
	prefix netip.Prefix
	addr   netip.Addr
}

func parseEngineLine(line string) (engineCommand, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	c := engineCommand{verb: verb}

	switch verb {
	case "status", "imc", "mtu":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return c, fmt.Errorf("bad %s value %q", verb, rest)
		}
		c.n = n
	case "addr", "route":
		p, err := parsePrefixOrAddr(rest)
		if err != nil {
			return c, fmt.Errorf("bad %s value %q: %v", verb, rest, err)
		}
		c.prefix = p
	case "dns":
		a, err := netip.ParseAddr(rest)
		if err != nil {
			return c, fmt.Errorf("bad dns value %q: %v", rest, err)
		}
		c.addr = a
	case "domain", "remediation", "log":
		if rest == "" && verb != "log" {
			return c, fmt.Errorf("empty %s", verb)
		}
		c.text = rest
	case "establish", "establish-nodns":
	default:
		return c, fmt.Errorf("unknown helper command %q", line)
	}
	return c, nil
}

// parsePrefixOrAddr accepts a CIDR or a bare address, which becomes a host prefix.
func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
