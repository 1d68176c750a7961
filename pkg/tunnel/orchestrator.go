// Package tunnel drives the client side of a connection: it provisions
// descriptors, arms the kill switch, brings the WireGuard legs up and
// watches them until disconnect.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marinvpn/internal/logging"
	"marinvpn/pkg/policy"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/provision"
	"marinvpn/pkg/relay"
	"marinvpn/pkg/vpnerr"
	"marinvpn/pkg/wg"
)

var log = logging.GetLogger("tunnel")

const (
	DefaultHealthInterval = 2 * time.Second
	DefaultStaleAfter     = 180 * time.Second
	DefaultReconnectPause = 500 * time.Millisecond

	reachabilityTimeout = 2 * time.Second
	defaultDNS          = "1.1.1.1, 8.8.8.8"

	singleHopMTU     = 1280
	multiHopEntryMTU = 1320
	exitMTU          = 1200
)

var ErrStopped = errors.New("orchestrator stopped")

var reachabilityTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Provisioner obtains one tunnel descriptor. *provision.Client satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*proto.TunnelDescriptor, error)
}

// LocationResolver is implemented by provisioners that can pick a concrete
// server location for "Automatic" while avoiding the excluded ones.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, location string, exclude ...string) string
}

// ConnectRequest names the locations to connect to. Empty locations fall
// back to the ones in Settings; Exit is only used with MultiHop.
type ConnectRequest struct {
	Entry    string
	Exit     string
	Settings Settings
}

// ConnectionContext is what the current session was built from. It is kept
// only while Connecting or Connected and lets a stale tunnel be rebuilt
// without provisioning again.
type ConnectionContext struct {
	Entry           string
	Exit            string
	EntryDescriptor *proto.TunnelDescriptor
	ExitDescriptor  *proto.TunnelDescriptor
	Settings        Settings
}

func (c *ConnectionContext) wipe() {
	if c == nil {
		return
	}
	c.EntryDescriptor.Wipe()
	c.ExitDescriptor.Wipe()
}

type Options struct {
	Backend     wg.Backend
	Provisioner Provisioner
	Bus         *EventBus
	Obfuscators ObfuscatorFactory

	// Reachable probes the underlying network before provisioning.
	Reachable func(ctx context.Context) error
	LookupIP  func(ctx context.Context, host string) ([]netip.Addr, error)
	// ControlPlane lists host:port TCP destinations, such as the
	// provisioning server, that lockdown leaves reachable so a blocked
	// host can still connect.
	ControlPlane []string

	HealthInterval time.Duration
	StaleAfter     time.Duration
	ReconnectPause time.Duration
	Now            func() time.Time
}

// Orchestrator serializes every intent through one action goroutine, the
// only writer of the status, the connection context and host state.
type Orchestrator struct {
	backend     wg.Backend
	prov        Provisioner
	bus         *EventBus
	obfuscators ObfuscatorFactory
	reachable   func(ctx context.Context) error
	lookupIP    func(ctx context.Context, host string) ([]netip.Addr, error)
	control     []string

	healthInterval time.Duration
	staleAfter     time.Duration
	reconnectPause time.Duration
	now            func() time.Time

	actions chan action
	stopped chan struct{}
	runOnce sync.Once

	status  atomic.Int32
	session atomic.Uint64

	// owned by the action goroutine
	conn           *ConnectionContext
	relay          relay.Obfuscator
	lockdown       Settings
	lockdownActive bool
	meter          wg.Meter
	stopMonitors   context.CancelFunc
	monitors       sync.WaitGroup
	captive        *time.Timer
	controlAddrs   map[string][]netip.Addr
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("tunnel backend is required")
	}
	if opts.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	o := &Orchestrator{
		backend:        opts.Backend,
		prov:           opts.Provisioner,
		bus:            opts.Bus,
		obfuscators:    opts.Obfuscators,
		reachable:      opts.Reachable,
		lookupIP:       opts.LookupIP,
		control:        append([]string(nil), opts.ControlPlane...),
		controlAddrs:   make(map[string][]netip.Addr),
		healthInterval: opts.HealthInterval,
		staleAfter:     opts.StaleAfter,
		reconnectPause: opts.ReconnectPause,
		now:            opts.Now,
		actions:        make(chan action, 16),
		stopped:        make(chan struct{}),
	}
	if o.bus == nil {
		o.bus = NewEventBus(DefaultEventBuffer)
	}
	if o.obfuscators == nil {
		o.obfuscators = DefaultObfuscators
	}
	if o.reachable == nil {
		o.reachable = probeReachability
	}
	if o.lookupIP == nil {
		o.lookupIP = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	if o.healthInterval <= 0 {
		o.healthInterval = DefaultHealthInterval
	}
	if o.staleAfter <= 0 {
		o.staleAfter = DefaultStaleAfter
	}
	if o.reconnectPause < 0 {
		o.reconnectPause = 0
	} else if o.reconnectPause == 0 {
		o.reconnectPause = DefaultReconnectPause
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

type actionKind int

const (
	actConnect actionKind = iota
	actDisconnect
	actReconnect
	actHeal
	actCaptiveStart
	actCaptiveEnd
	actLockdown
)

type action struct {
	kind     actionKind
	req      ConnectRequest
	settings Settings
	duration time.Duration
	session  uint64
	done     chan error
}

// Run consumes intents until ctx ends, then tears down any live session.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.runOnce.Do(func() { close(o.stopped) })
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case a := <-o.actions:
			err := o.handle(ctx, a)
			if a.done != nil {
				a.done <- err
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	if o.captive != nil {
		o.captive.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if o.Status() != Disconnected {
		o.disconnect(ctx)
	}
	o.stopSession()
}

func (o *Orchestrator) handle(ctx context.Context, a action) error {
	switch a.kind {
	case actConnect:
		return o.connect(ctx, a.req, nil)
	case actDisconnect:
		o.disconnect(ctx)
	case actReconnect:
		o.disconnect(ctx)
		sleepCtx(ctx, o.reconnectPause)
	case actHeal:
		return o.heal(ctx, a.session)
	case actCaptiveStart:
		o.startCaptivePortal(ctx, a.duration)
	case actCaptiveEnd:
		o.endCaptivePortal(ctx)
	case actLockdown:
		return o.applyLockdown(ctx, a.settings)
	}
	return nil
}

// submit queues a and waits for it to finish.
func (o *Orchestrator) submit(ctx context.Context, a action) error {
	a.done = make(chan error, 1)
	select {
	case o.actions <- a:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
}

// enqueue queues a without waiting; used by background loops and timers.
func (o *Orchestrator) enqueue(ctx context.Context, a action) {
	select {
	case o.actions <- a:
	case <-ctx.Done():
	case <-o.stopped:
	}
}

// Connect provisions and brings up a tunnel. It is a no-op unless the
// orchestrator is Disconnected. A failed attempt returns the error, emits
// one Error event and ends Disconnected.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) error {
	return o.submit(ctx, action{kind: actConnect, req: req})
}

func (o *Orchestrator) Disconnect(ctx context.Context) error {
	return o.submit(ctx, action{kind: actDisconnect})
}

// Reconnect disconnects and pauses. The caller connects again explicitly.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	return o.submit(ctx, action{kind: actReconnect})
}

// EnableCaptivePortal tears the tunnel down and lifts the firewall for d so
// a captive portal login can complete.
func (o *Orchestrator) EnableCaptivePortal(ctx context.Context, d time.Duration) error {
	return o.submit(ctx, action{kind: actCaptiveStart, duration: d})
}

// ApplyLockdown arms or relaxes the persistent block-all firewall.
func (o *Orchestrator) ApplyLockdown(ctx context.Context, s Settings) error {
	return o.submit(ctx, action{kind: actLockdown, settings: s.clone()})
}

func (o *Orchestrator) Status() ConnectionStatus {
	return ConnectionStatus(o.status.Load())
}

func (o *Orchestrator) Subscribe() *Subscription {
	return o.bus.Subscribe()
}

func (o *Orchestrator) setStatus(s ConnectionStatus) {
	o.status.Store(int32(s))
	o.bus.Publish(Event{Kind: StatusChanged, Status: s})
}

func (o *Orchestrator) connect(ctx context.Context, req ConnectRequest, retained *ConnectionContext) error {
	if st := o.Status(); st != Disconnected {
		log.Debugf("connect ignored status=%s", st)
		return nil
	}
	s := req.Settings.clone()
	if err := s.Fixup(); err != nil {
		return o.fail(ctx, s, fmt.Errorf("settings: %v: %w", err, vpnerr.ErrMalformedInput))
	}
	entry := firstNonEmpty(req.Entry, s.EntryLocation)
	exit := ""
	if s.MultiHop {
		exit = firstNonEmpty(req.Exit, s.ExitLocation)
	}
	o.conn = &ConnectionContext{Entry: entry, Exit: exit, Settings: s}
	o.setStatus(Connecting)

	display := locationDisplay(entry, exit)
	o.bus.Publish(Event{Kind: LocationChanged, Location: display})
	log.Infof("connecting location=%s stealth=%s multihop=%t", display, s.StealthMode, s.MultiHop)

	// A rebuild keeps the kill switch armed, which also blocks the probe.
	if retained == nil {
		if err := o.reachable(ctx); err != nil {
			return o.fail(ctx, s, fmt.Errorf("%v: %w", err, vpnerr.ErrNetworkUnreachable))
		}
	}

	var en, ex *proto.TunnelDescriptor
	if retained != nil && retained.EntryDescriptor != nil {
		en, ex = retained.EntryDescriptor, retained.ExitDescriptor
	} else {
		if e, x := o.resolveLegs(ctx, entry, exit); e != entry || x != exit {
			entry, exit = e, x
			o.conn.Entry, o.conn.Exit = entry, exit
			o.bus.Publish(Event{Kind: LocationChanged, Location: locationDisplay(entry, exit)})
		}
		var err error
		en, ex, err = o.fetch(ctx, entry, exit, s)
		if err != nil {
			return o.fail(ctx, s, err)
		}
		o.notifyPQC(s, entry, en)
		o.notifyPQC(s, exit, ex)
	}
	o.conn.EntryDescriptor, o.conn.ExitDescriptor = en, ex

	entryIP, err := o.resolve(ctx, en.Endpoint)
	if err != nil {
		return o.fail(ctx, s, err)
	}
	endpoints := []netip.Addr{entryIP}
	var exitIP netip.Addr
	if ex != nil {
		if exitIP, err = o.resolve(ctx, ex.Endpoint); err != nil {
			return o.fail(ctx, s, err)
		}
		endpoints = append(endpoints, exitIP)
	}

	_, port := proto.SplitHostPort(en.Endpoint)
	if err := o.armKillSwitch(ctx, killSwitchFor(s, port, endpoints...)); err != nil {
		return o.fail(ctx, s, err)
	}

	endpoint, started, err := o.startStealth(ctx, s.StealthMode, en)
	if err != nil {
		if s.StealthMode != StealthAutomatic {
			return o.fail(ctx, s, err)
		}
		log.Warningf("automatic stealth unavailable, using plain udp: %v", err)
		endpoint = en.Endpoint
	}
	o.relay = started

	entryConf := wg.InterfaceConfig{
		PrivateKey:    en.PrivateKey,
		Address:       en.Address,
		MTU:           tunnelMTU(s.MTU),
		PeerPublicKey: en.PublicKey,
		Endpoint:      endpoint,
		AllowedIPs:    firstNonEmpty(en.AllowedIPs, proto.DefaultAllowedIPs),
		PresharedKey:  en.PresharedKey,
	}
	if ex != nil {
		entryConf.MTU = multiHopEntryMTU
		entryConf.AllowedIPs = en.Address + ", " + exitIP.String() + "/32"
	}
	if err := o.bringUp(ctx, wg.EntryInterface, entryConf); err != nil {
		return o.fail(ctx, s, err)
	}
	if ex != nil {
		exitConf := wg.InterfaceConfig{
			PrivateKey:    ex.PrivateKey,
			Address:       ex.Address,
			MTU:           exitMTU,
			PeerPublicKey: ex.PublicKey,
			Endpoint:      ex.Endpoint,
			AllowedIPs:    firstNonEmpty(ex.AllowedIPs, proto.DefaultAllowedIPs),
			PresharedKey:  ex.PresharedKey,
		}
		if err := o.bringUp(ctx, wg.ExitInterface, exitConf); err != nil {
			return o.fail(ctx, s, err)
		}
	}

	dnsSource := en
	if ex != nil {
		dnsSource = ex
	}
	if err := o.backend.ApplyDNS(ctx, wg.EntryInterface, dnsServers(s, dnsSource.DNS)); err != nil {
		log.Warningf("apply dns: %v", err)
	}
	if s.SplitTunneling {
		o.applySplitTunnel(ctx, s)
	}

	o.setStatus(Connected)
	log.Infof("connected location=%s endpoint=%s", locationDisplay(entry, exit), en.Endpoint)
	o.startSession(s, en.Endpoint)
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, entry, exit string, s Settings) (*proto.TunnelDescriptor, *proto.TunnelDescriptor, error) {
	var en, ex *proto.TunnelDescriptor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := o.prov.Provision(gctx, provisionRequest(entry, s))
		if err != nil {
			return fmt.Errorf("entry %s: %w", entry, err)
		}
		en = d
		return nil
	})
	if exit != "" {
		g.Go(func() error {
			d, err := o.prov.Provision(gctx, provisionRequest(exit, s))
			if err != nil {
				return fmt.Errorf("exit %s: %w", exit, err)
			}
			ex = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		en.Wipe()
		ex.Wipe()
		return nil, nil, err
	}
	return en, ex, nil
}

// resolveLegs pins automatic locations before the concurrent fetch so the
// two hops of a multi-hop tunnel never land on the same location.
func (o *Orchestrator) resolveLegs(ctx context.Context, entry, exit string) (string, string) {
	r, ok := o.prov.(LocationResolver)
	if !ok {
		return entry, exit
	}
	if exit == "" {
		return r.ResolveLocation(ctx, entry), exit
	}
	if provision.IsAutomatic(entry) {
		var avoid []string
		if !provision.IsAutomatic(exit) {
			avoid = append(avoid, exit)
		}
		entry = r.ResolveLocation(ctx, entry, avoid...)
	}
	if provision.IsAutomatic(exit) {
		exit = r.ResolveLocation(ctx, exit, entry)
	}
	if entry != exit {
		log.Infof("multihop legs resolved entry=%s exit=%s", entry, exit)
	}
	return entry, exit
}

func locationDisplay(entry, exit string) string {
	if exit == "" {
		return entry
	}
	return entry + " → " + exit
}

func provisionRequest(location string, s Settings) provision.Request {
	return provision.Request{
		Location:         location,
		DNSBlocking:      s.DNSBlocking,
		QuantumResistant: s.QuantumResistant,
	}
}

func (o *Orchestrator) notifyPQC(s Settings, location string, d *proto.TunnelDescriptor) {
	if s.QuantumResistant && provision.IsPQCFallback(d) {
		log.Warningf("server for %s could not run the post-quantum key stage", location)
		o.bus.Publish(Event{Kind: PQCFallback, Location: location})
	}
}

func (o *Orchestrator) resolve(ctx context.Context, endpoint string) (netip.Addr, error) {
	host, _ := proto.SplitHostPort(endpoint)
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	addrs, err := o.lookupIP(ctx, host)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, vpnerr.NewConnectionFailed(fmt.Sprintf("resolve endpoint %s: %v", host, err))
	}
	return addrs[0].Unmap(), nil
}

func killSwitchFor(s Settings, port int, endpoints ...netip.Addr) policy.KillSwitch {
	return policy.KillSwitch{
		Endpoints:      endpoints,
		Allows:         stealthAllows(s.StealthMode, port),
		Interfaces:     []string{wg.EntryInterface, wg.ExitInterface},
		IPv6Support:    s.IPv6Support,
		SplitTunneling: s.SplitTunneling,
		ExcludedIPs:    excludedPrefixes(s.ExcludedIPs),
		LocalSharing:   s.LocalSharing,
	}
}

// excludedPrefixes parses split-tunnel destinations given as addresses or
// CIDR prefixes. Unparseable entries are skipped.
func excludedPrefixes(ips []string) []netip.Prefix {
	var out []netip.Prefix
	for _, raw := range ips {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			log.Warningf("split tunnel: ignoring excluded ip %q", raw)
			continue
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out
}

func (o *Orchestrator) armKillSwitch(ctx context.Context, ks policy.KillSwitch) error {
	rules, err := ks.Ruleset()
	if err != nil {
		return fmt.Errorf("kill switch: %v: %w", err, vpnerr.ErrFirewall)
	}
	return o.backend.ApplyKillSwitch(ctx, rules)
}

// blockAll arms the kill switch with no tunnel endpoints. Besides loopback
// and DHCP, only the control plane and the reachability targets stay open.
func (o *Orchestrator) blockAll(ctx context.Context, s Settings) error {
	ks := killSwitchFor(s, 0)
	ks.Control = o.controlDestinations(ctx)
	return o.armKillSwitch(ctx, ks)
}

// controlDestinations resolves the control plane. The last good answer for
// a host is kept, since DNS may already be blocked when lockdown re-arms.
func (o *Orchestrator) controlDestinations(ctx context.Context) []netip.AddrPort {
	var out []netip.AddrPort
	for _, target := range append(append([]string(nil), reachabilityTargets...), o.control...) {
		host, port := proto.SplitHostPort(target)
		if host == "" || port == 0 {
			continue
		}
		addrs := o.controlAddrs[host]
		if a, err := netip.ParseAddr(host); err == nil {
			addrs = []netip.Addr{a}
		} else {
			lctx, cancel := context.WithTimeout(ctx, reachabilityTimeout)
			found, err := o.lookupIP(lctx, host)
			cancel()
			if err == nil && len(found) > 0 {
				addrs = found
				o.controlAddrs[host] = found
			} else if len(addrs) == 0 {
				log.Warningf("lockdown: control plane %s unresolved: %v", host, err)
			}
		}
		for _, a := range addrs {
			out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(port)))
		}
	}
	return out
}

func (o *Orchestrator) bringUp(ctx context.Context, iface string, c wg.InterfaceConfig) error {
	conf, err := c.Render()
	if err != nil {
		return fmt.Errorf("%s config: %v: %w", iface, err, vpnerr.ErrInterface)
	}
	return o.backend.BringUp(ctx, iface, conf)
}

func (o *Orchestrator) applySplitTunnel(ctx context.Context, s Settings) {
	for _, p := range excludedPrefixes(s.ExcludedIPs) {
		ip := p.String()
		if p.IsSingleIP() {
			ip = p.Addr().String()
		}
		if err := o.backend.AddBypassRoute(ctx, ip); err != nil {
			log.Warningf("bypass route %s: %v", ip, err)
		}
	}
	for _, app := range s.ExcludedApps {
		if err := o.backend.BypassApp(ctx, app.Path); err != nil {
			log.Warningf("bypass app %s: %v", app.Name, err)
		}
	}
}

// teardown removes everything a session put on the host except the kill
// switch.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.stopSession()
	if err := o.backend.TearDown(ctx, wg.ExitInterface); err != nil {
		log.Warningf("teardown %s: %v", wg.ExitInterface, err)
	}
	if err := o.backend.TearDown(ctx, wg.EntryInterface); err != nil {
		log.Warningf("teardown %s: %v", wg.EntryInterface, err)
	}
	if o.relay != nil {
		if err := o.relay.Stop(); err != nil {
			log.Debugf("stop relay %s: %v", o.relay.Name(), err)
		}
		o.relay = nil
	}
	if err := o.backend.RestoreDNS(ctx); err != nil {
		log.Warningf("restore dns: %v", err)
	}
	if err := o.backend.ClearBypassRoutes(ctx); err != nil {
		log.Warningf("clear bypass routes: %v", err)
	}
	o.meter.Reset()
}

// releaseKillSwitch lifts the firewall, or leaves block-all in place when
// lockdown is on.
func (o *Orchestrator) releaseKillSwitch(ctx context.Context, s Settings) {
	if s.LockdownMode {
		log.Warningf("lockdown mode: traffic stays blocked while disconnected")
		if err := o.blockAll(ctx, s); err != nil {
			log.Errorf("arm lockdown: %v", err)
		}
		return
	}
	if err := o.backend.RemoveKillSwitch(ctx); err != nil {
		log.Errorf("remove kill switch: %v", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, s Settings, err error) error {
	log.Errorf("connection failed: %v", err)
	o.teardown(ctx)
	o.releaseKillSwitch(ctx, s)
	o.conn.wipe()
	o.conn = nil
	o.bus.Publish(Event{Kind: Error, Err: err})
	o.setStatus(Disconnected)
	return err
}

func (o *Orchestrator) disconnect(ctx context.Context) {
	if st := o.Status(); st == Disconnected || st == Disconnecting {
		log.Debugf("disconnect ignored status=%s", st)
		return
	}
	var s Settings
	if o.conn != nil {
		s = o.conn.Settings
	}
	o.conn.wipe()
	o.conn = nil

	o.setStatus(Disconnecting)
	o.teardown(ctx)
	o.releaseKillSwitch(ctx, s)
	o.setStatus(Disconnected)
	o.bus.Publish(Event{Kind: StatsUpdated})
	log.Infof("disconnected")
}

// heal rebuilds a stale session once from the retained descriptors. The
// kill switch stays armed in between.
func (o *Orchestrator) heal(ctx context.Context, session uint64) error {
	if o.session.Load() != session || o.Status() != Connected || o.conn == nil {
		return nil
	}
	retained := o.conn
	o.conn = nil
	log.Warningf("handshake stale, rebuilding tunnel location=%s", retained.Entry)

	o.setStatus(Disconnecting)
	o.teardown(ctx)
	o.setStatus(Disconnected)
	return o.connect(ctx, ConnectRequest{
		Entry:    retained.Entry,
		Exit:     retained.Exit,
		Settings: retained.Settings,
	}, retained)
}

func (o *Orchestrator) startSession(s Settings, entryEndpoint string) {
	id := o.session.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	o.stopMonitors = cancel
	alive := func() bool { return o.session.Load() == id && o.Status() == Connected }

	o.monitors.Add(1)
	go func() {
		defer o.monitors.Done()
		o.healthLoop(ctx, id, alive)
	}()
	if s.DAITAEnabled {
		p := newPadder(entryEndpoint, alive)
		o.monitors.Add(1)
		go func() {
			defer o.monitors.Done()
			p.run(ctx)
		}()
	}
}

func (o *Orchestrator) stopSession() {
	o.session.Add(1)
	if o.stopMonitors != nil {
		o.stopMonitors()
		o.stopMonitors = nil
	}
	o.monitors.Wait()
}

// healthLoop publishes stats and asks for a single rebuild once the last
// handshake is older than the stale window, then exits.
func (o *Orchestrator) healthLoop(ctx context.Context, session uint64, alive func() bool) {
	t := time.NewTicker(o.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !alive() {
			return
		}
		st, err := o.backend.Stats(ctx, wg.EntryInterface)
		if err != nil {
			log.Debugf("stats: %v", err)
			continue
		}
		now := o.now()
		st = o.meter.Observe(st, now)
		o.bus.Publish(Event{Kind: StatsUpdated, Stats: st})
		if st.LatestHandshake > 0 && now.Sub(time.Unix(st.LatestHandshake, 0)) > o.staleAfter {
			o.enqueue(ctx, action{kind: actHeal, session: session})
			return
		}
	}
}

func (o *Orchestrator) startCaptivePortal(ctx context.Context, d time.Duration) {
	log.Infof("captive portal: firewall lifted for %s", d)
	o.bus.Publish(Event{Kind: CaptivePortalActive, Active: true})
	if st := o.Status(); st == Connected || st == Connecting {
		o.conn.wipe()
		o.conn = nil
		o.setStatus(Disconnecting)
		o.teardown(ctx)
		o.setStatus(Disconnected)
	}
	if err := o.backend.RemoveKillSwitch(ctx); err != nil {
		log.Errorf("remove kill switch: %v", err)
	}
	if o.captive != nil {
		o.captive.Stop()
	}
	o.captive = time.AfterFunc(d, func() {
		o.enqueue(context.Background(), action{kind: actCaptiveEnd})
	})
}

func (o *Orchestrator) endCaptivePortal(ctx context.Context) {
	o.captive = nil
	log.Infof("captive portal window closed")
	if o.lockdownActive && o.Status() == Disconnected {
		if err := o.blockAll(ctx, o.lockdown); err != nil {
			log.Errorf("arm lockdown: %v", err)
		}
	}
	o.bus.Publish(Event{Kind: CaptivePortalActive, Active: false})
}

func (o *Orchestrator) applyLockdown(ctx context.Context, s Settings) error {
	o.lockdown = s
	o.lockdownActive = s.LockdownMode
	if o.conn != nil {
		o.conn.Settings.LockdownMode = s.LockdownMode
	}
	st := o.Status()
	if s.LockdownMode {
		if st != Disconnected {
			log.Infof("lockdown enabled; applies when this session ends")
			return nil
		}
		log.Infof("lockdown enabled: blocking all traffic")
		return o.blockAll(ctx, s)
	}
	if st == Disconnected {
		log.Infof("lockdown disabled: restoring network access")
		return o.backend.RemoveKillSwitch(ctx)
	}
	log.Infof("lockdown disabled; kill switch stays for this session")
	return nil
}

func probeReachability(ctx context.Context) error {
	var d net.Dialer
	var lastErr error
	for _, target := range reachabilityTargets {
		cctx, cancel := context.WithTimeout(ctx, reachabilityTimeout)
		conn, err := d.DialContext(cctx, "tcp", target)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func tunnelMTU(mtu int) int {
	if mtu == 0 || mtu == DefaultMTU {
		return singleHopMTU
	}
	return mtu
}

// dnsServers picks the custom resolver, then the descriptor's, then the
// public defaults.
func dnsServers(s Settings, descDNS string) []string {
	list := firstNonEmpty(descDNS, defaultDNS)
	if s.CustomDNS && strings.TrimSpace(s.CustomDNSServer) != "" {
		list = s.CustomDNSServer
	}
	var out []string
	for _, v := range strings.Split(list, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
