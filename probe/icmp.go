package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/thetooth/ping-relay/util"
)

const (
	timeSliceLength  = 8
	trackerLength    = len(uuid.UUID{})
	protocolICMP     = 1
	protocolIPv6ICMP = 58

	// recvPoll bounds how long a receive waits before rechecking for stop.
	recvPoll = 100 * time.Millisecond
)

var (
	ipv4Proto = map[string]string{"icmp": "ip4:icmp", "udp": "udp4"}
	ipv6Proto = map[string]string{"icmp": "ip6:ipv6-icmp", "udp": "udp6"}
)

// ICMPConfig configures the in-process prober.
type ICMPConfig struct {
	Target    string
	Interface string
	// Interval is the wait between echo requests. Default is 1s.
	Interval time.Duration
	// Timeout is how long a request may stay unanswered before it is
	// reported as timed out. Default is 1s.
	Timeout time.Duration
	// Count stops the probe after this many requests; 0 runs until stopped.
	Count int
	// Size of the echo payload in bytes. Default 56, minimum 24.
	Size int
	TTL  int
	// Privileged sends raw ICMP instead of unprivileged UDP datagrams.
	// NOTE: requires super-user privileges.
	Privileged bool
}

// ICMP sends echo requests itself and writes ping compatible lines, for
// hosts where the ping binary is missing or unusable.
type ICMP struct {
	cfg      ICMPConfig
	session  uuid.UUID
	id       int
	protocol string

	ipaddr  *net.IPAddr
	ipv4    bool
	srcAddr string

	// mu guards the sequence bookkeeping shared by the send and receive loops.
	mu       sync.Mutex
	sequence int
	sent     int
	// trackerUUIDs is the list of UUIDs being used for sending packets.
	trackerUUIDs []uuid.UUID
	// awaiting holds in-flight sequence numbers and their send time.
	awaiting map[uuid.UUID]map[int]time.Time

	outMu sync.Mutex
	out   io.Writer

	done chan interface{}
	lock sync.Mutex
}

// NewICMP validates cfg and fills in defaults. The target is resolved when
// the probe runs.
func NewICMP(cfg ICMPConfig) (*ICMP, error) {
	if cfg.Target == "" {
		return nil, &ArgumentError{Reason: "icmp probe needs a target"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Size == 0 {
		cfg.Size = 56
	}
	if cfg.Size < timeSliceLength+trackerLength {
		return nil, &ArgumentError{Reason: fmt.Sprintf("size %d is less than minimum required size %d", cfg.Size, timeSliceLength+trackerLength)}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 64
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	firstUUID := uuid.New()
	p := &ICMP{
		cfg:          cfg,
		session:      uuid.New(),
		id:           r.Intn(math.MaxUint16),
		protocol:     "udp",
		trackerUUIDs: []uuid.UUID{firstUUID},
		awaiting:     map[uuid.UUID]map[int]time.Time{firstUUID: {}},
		done:         make(chan interface{}),
	}
	if cfg.Privileged {
		p.protocol = "icmp"
	}
	return p, nil
}

func (p *ICMP) Session() uuid.UUID { return p.session }

func (p *ICMP) String() string {
	s := "icmp " + p.cfg.Target
	if p.cfg.Count > 0 {
		s += " count " + strconv.Itoa(p.cfg.Count)
	}
	return s
}

func (p *ICMP) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Run resolves the target, opens the socket and probes until Count requests
// are settled, ctx is done or Stop is called.
func (p *ICMP) Run(ctx context.Context, w io.Writer) error {
	if err := p.resolve(); err != nil {
		return &LaunchError{Command: p.String(), Err: err}
	}
	if p.cfg.Interface != "" {
		src, err := util.BindIface(p.cfg.Interface, !p.ipv4)
		if err != nil {
			return &LaunchError{Command: p.String(), Err: err}
		}
		p.srcAddr = src
	}

	conn, err := p.listen()
	if err != nil {
		return &LaunchError{Command: p.String(), Err: err}
	}
	defer conn.Close()

	p.out = w
	log := logrus.WithField("session", p.session)
	log.Info("[ PROBE_START ] ", p.String())

	if err := p.writef("PING %s (%s) %d bytes of data.\n", p.cfg.Target, p.ipaddr, p.cfg.Size); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer p.Stop()
		return p.recvLoop(gctx, conn)
	})
	g.Go(func() error {
		defer p.Stop()
		return p.sendLoop(gctx, conn)
	})

	err = g.Wait()
	if err != nil {
		log.Warn("[ PROBE_ABORT ] ", err)
		return err
	}
	log.Info("[ PROBE_EXIT ] ", p.String())
	return nil
}

func (p *ICMP) resolve() error {
	ipaddr, err := net.ResolveIPAddr("ip", p.cfg.Target)
	if err != nil {
		return err
	}
	p.ipaddr = ipaddr
	p.ipv4 = len(ipaddr.IP.To4()) == net.IPv4len
	return nil
}

func (p *ICMP) listen() (*icmp.PacketConn, error) {
	network := ipv6Proto[p.protocol]
	if p.ipv4 {
		network = ipv4Proto[p.protocol]
	}
	conn, err := icmp.ListenPacket(network, p.srcAddr)
	if err != nil {
		return nil, err
	}

	// TTL reporting is best effort, lines carry ttl=0 without it.
	if p.ipv4 {
		pc := conn.IPv4PacketConn()
		if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
			logrus.Debug("Unable to receive TTL: ", err)
		}
		if err := pc.SetTTL(p.cfg.TTL); err != nil {
			logrus.Debug("Unable to set TTL: ", err)
		}
	} else {
		pc := conn.IPv6PacketConn()
		if err := pc.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			logrus.Debug("Unable to receive hop limit: ", err)
		}
		if err := pc.SetHopLimit(p.cfg.TTL); err != nil {
			logrus.Debug("Unable to set hop limit: ", err)
		}
	}

	return conn, nil
}

func (p *ICMP) sendLoop(ctx context.Context, conn *icmp.PacketConn) error {
	interval := time.NewTicker(p.cfg.Interval)
	defer interval.Stop()

	if err := p.sendICMP(conn); err != nil {
		logrus.Error("Sending packet: ", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case <-interval.C:
			if err := p.expire(time.Now()); err != nil {
				return err
			}
			if p.finished() {
				if p.inflight() == 0 {
					return nil
				}
				continue
			}
			if err := p.sendICMP(conn); err != nil {
				logrus.Error("Sending packet: ", err)
			}
		}
	}
}

func (p *ICMP) recvLoop(ctx context.Context, conn *icmp.PacketConn) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(recvPoll)); err != nil {
			return err
		}
		n, ttl, err := p.readFrom(conn, buf)
		if err != nil {
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			return errors.Wrap(err, "receive icmp")
		}

		line, err := p.processPacket(buf[:n], ttl, time.Now())
		if err != nil {
			logrus.Debug("Received packet: ", err)
			continue
		}
		if line != "" {
			if err := p.writef("%s", line); err != nil {
				return err
			}
		}
	}
}

func (p *ICMP) readFrom(conn *icmp.PacketConn, b []byte) (n, ttl int, err error) {
	if p.ipv4 {
		var cm *ipv4.ControlMessage
		n, cm, _, err = conn.IPv4PacketConn().ReadFrom(b)
		if cm != nil {
			ttl = cm.TTL
		}
		return
	}
	var cm *ipv6.ControlMessage
	n, cm, _, err = conn.IPv6PacketConn().ReadFrom(b)
	if cm != nil {
		ttl = cm.HopLimit
	}
	return
}

// processPacket turns an echo reply for one of our in-flight requests into a
// ping style output line. Anything else yields an empty line.
func (p *ICMP) processPacket(b []byte, ttl int, receivedAt time.Time) (string, error) {
	proto := protocolIPv6ICMP
	if p.ipv4 {
		proto = protocolICMP
	}

	m, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return "", errors.Wrap(err, "error parsing icmp message")
	}
	if m.Type != ipv4.ICMPTypeEchoReply && m.Type != ipv6.ICMPTypeEchoReply {
		// Not an echo reply, ignore it
		return "", nil
	}

	pkt, ok := m.Body.(*icmp.Echo)
	if !ok {
		return "", errors.Errorf("invalid ICMP echo reply; type: '%T', '%v'", m.Body, m.Body)
	}
	// Unprivileged sockets get their ID rewritten by the kernel.
	if p.protocol == "icmp" && pkt.ID != p.id {
		return "", nil
	}
	if len(pkt.Data) < timeSliceLength+trackerLength {
		return "", errors.Errorf("insufficient data received; got: %d %v", len(pkt.Data), pkt.Data)
	}

	var tracker uuid.UUID
	if err := tracker.UnmarshalBinary(pkt.Data[timeSliceLength : timeSliceLength+trackerLength]); err != nil {
		return "", errors.Wrap(err, "error decoding tracking UUID")
	}

	p.mu.Lock()
	_, inflight := p.awaiting[tracker][pkt.Seq]
	if inflight {
		delete(p.awaiting[tracker], pkt.Seq)
	}
	p.mu.Unlock()
	// Duplicates, late replies and other processes' echoes.
	if !inflight {
		return "", nil
	}

	rtt := receivedAt.Sub(bytesToTime(pkt.Data[:timeSliceLength]))
	return formatReply(len(b), p.ipaddr.String(), pkt.Seq, ttl, rtt), nil
}

func (p *ICMP) sendICMP(conn *icmp.PacketConn) error {
	var dst net.Addr = p.ipaddr
	if p.protocol == "udp" {
		dst = &net.UDPAddr{IP: p.ipaddr.IP, Zone: p.ipaddr.Zone}
	}

	var typ icmp.Type = ipv6.ICMPTypeEchoRequest
	if p.ipv4 {
		typ = ipv4.ICMPTypeEcho
	}

	p.mu.Lock()
	tracker := p.trackerUUIDs[len(p.trackerUUIDs)-1]
	seq := p.sequence
	p.sequence++
	if p.sequence > 65535 {
		newUUID := uuid.New()
		p.trackerUUIDs = append(p.trackerUUIDs, newUUID)
		p.awaiting[newUUID] = make(map[int]time.Time)
		p.sequence = 0
	}
	p.sent++
	p.mu.Unlock()

	uuidEncoded, err := tracker.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "unable to marshal UUID binary")
	}
	now := time.Now()
	data := append(timeToBytes(now), uuidEncoded...)
	if remainSize := p.cfg.Size - timeSliceLength - trackerLength; remainSize > 0 {
		data = append(data, bytes.Repeat([]byte{1}, remainSize)...)
	}

	msg := &icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: data},
	}
	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	// Mark in flight before sending so a fast reply is not taken for a stray.
	p.mu.Lock()
	p.awaiting[tracker][seq] = now
	p.mu.Unlock()

	for {
		if _, err = conn.WriteTo(msgBytes, dst); err != nil {
			if errors.Is(err, unix.ENOBUFS) {
				continue
			}
			p.mu.Lock()
			delete(p.awaiting[tracker], seq)
			p.mu.Unlock()
			return err
		}
		return nil
	}
}

// expire reports requests unanswered for longer than Timeout.
func (p *ICMP) expire(now time.Time) error {
	var lost []int
	p.mu.Lock()
	for _, seqs := range p.awaiting {
		for seq, sentAt := range seqs {
			if now.Sub(sentAt) >= p.cfg.Timeout {
				lost = append(lost, seq)
				delete(seqs, seq)
			}
		}
	}
	p.mu.Unlock()

	sort.Ints(lost)
	for _, seq := range lost {
		if err := p.writef("Request timeout for icmp_seq %d\n", seq); err != nil {
			return err
		}
	}
	return nil
}

func (p *ICMP) finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Count > 0 && p.sent >= p.cfg.Count
}

func (p *ICMP) inflight() (n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seqs := range p.awaiting {
		n += len(seqs)
	}
	return
}

func (p *ICMP) writef(format string, a ...any) error {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if _, err := fmt.Fprintf(p.out, format, a...); err != nil {
		return errors.Wrap(err, "relay probe output")
	}
	return nil
}

func formatReply(nbytes int, addr string, seq, ttl int, rtt time.Duration) string {
	ms := float64(rtt) / float64(time.Millisecond)
	return fmt.Sprintf("%d bytes from %s: icmp_seq=%d ttl=%d time=%s ms\n",
		nbytes, addr, seq, ttl, strconv.FormatFloat(ms, 'f', 3, 64))
}

func bytesToTime(b []byte) time.Time {
	var nsec int64
	for i := uint8(0); i < 8; i++ {
		nsec += int64(b[i]) << ((7 - i) * 8)
	}
	return time.Unix(nsec/1000000000, nsec%1000000000)
}

func timeToBytes(t time.Time) []byte {
	nsec := t.UnixNano()
	b := make([]byte, 8)
	for i := uint8(0); i < 8; i++ {
		b[i] = byte((nsec >> ((7 - i) * 8)) & 0xff)
	}
	return b
}
