package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lp-gateway-go/pkg/logger"
)

// KCP commands
const (
	KcpCmdPush uint8 = 1
	KcpCmdAck  uint8 = 2
	KcpCmdWask uint8 = 3
	KcpCmdWins uint8 = 4
)

// Engine defaults
const (
	KcpOverhead  = 24 // wire size of a KcpPacket without data
	KcpRtoMax    = 60000
	KcpDeadLink  = 20
	KcpMtuDef    = 1376
	KcpWndSnd    = 32
	KcpWndRcv    = 128
	KcpInterval  = 100
	KcpRtoDef    = 3000
	KcpMinRtoDef = 3000

	// Fragment numbering counts down within a message; Send rejects a
	// message that would span more than 255 segments.
	kcpMaxFragments = 255
)

// KcpPacket is the wire unit of the reliable engine, framed separately
// from the LP outer layer when carried over a datagram substrate:
// conv u32 | cmd u8 | frg u8 | wnd u16 | ts u32 | sn u32 | una u32 |
// len u32 | data. All integers little-endian.
type KcpPacket struct {
	Conv uint32
	Cmd  uint8
	Frg  uint8
	Wnd  uint16
	Ts   uint32
	Sn   uint32
	Una  uint32
	Data []byte
}

// Encode serializes the packet.
func (p *KcpPacket) Encode() []byte {
	buf := make([]byte, KcpOverhead+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], p.Conv)
	buf[4] = p.Cmd
	buf[5] = p.Frg
	binary.LittleEndian.PutUint16(buf[6:8], p.Wnd)
	binary.LittleEndian.PutUint32(buf[8:12], p.Ts)
	binary.LittleEndian.PutUint32(buf[12:16], p.Sn)
	binary.LittleEndian.PutUint32(buf[16:20], p.Una)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(p.Data)))
	copy(buf[24:], p.Data)
	return buf
}

// DecodeKcpPacket parses one packet from data.
func DecodeKcpPacket(data []byte) (*KcpPacket, error) {
	if len(data) < KcpOverhead {
		return nil, errors.Wrapf(ErrMalformedPacket, "kcp packet is %d bytes, header needs %d", len(data), KcpOverhead)
	}
	p := &KcpPacket{
		Conv: binary.LittleEndian.Uint32(data[0:4]),
		Cmd:  data[4],
		Frg:  data[5],
		Wnd:  binary.LittleEndian.Uint16(data[6:8]),
		Ts:   binary.LittleEndian.Uint32(data[8:12]),
		Sn:   binary.LittleEndian.Uint32(data[12:16]),
		Una:  binary.LittleEndian.Uint32(data[16:20]),
	}
	if p.Cmd < KcpCmdPush || p.Cmd > KcpCmdWins {
		return nil, errors.Wrapf(ErrMalformedPacket, "unknown kcp command %d", p.Cmd)
	}
	dataLen := binary.LittleEndian.Uint32(data[20:24])
	if int(dataLen) != len(data)-KcpOverhead {
		return nil, errors.Wrapf(ErrMalformedPacket, "kcp data length %d does not match remaining %d bytes", dataLen, len(data)-KcpOverhead)
	}
	p.Data = make([]byte, dataLen)
	copy(p.Data, data[KcpOverhead:])
	return p, nil
}

// segment carries retransmission metadata alongside payload bytes.
type segment struct {
	sn       uint32
	frg      uint8
	ts       uint32
	resendts uint32
	rto      uint32
	xmit     uint32
	data     []byte
}

// itimediff compares wrapping 32-bit timestamps/sequence numbers.
// Positive means later is ahead of earlier.
func itimediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

// KcpSession is a single-threaded reliable ordered session. No method
// blocks; Update is the only time advance, and flush output is drained
// with FetchOutgoing. One session per connection, driven from a timer.
type KcpSession struct {
	Conv uint32

	// send state
	sndNxt   uint32
	sndUna   uint32
	sndWnd   uint16
	rmtWnd   uint16
	sndQueue []segment
	sndBuf   []segment

	// receive state
	rcvNxt   uint32
	rcvWnd   uint16
	rcvBuf   []segment
	rcvQueue [][]byte

	// RTT estimation
	rxSrtt   uint32
	rxRttval uint32
	rxRto    uint32
	rxMinRto uint32

	// timers
	current  uint32
	interval uint32
	tsFlush  uint32

	outPkts     []*KcpPacket
	mtu         int
	partialRead []byte

	deadLinkThresh uint32
	deadLink       bool

	// drop accounting for malformed / out-of-window input
	badConvCount uint64
	repeatCount  uint64

	log *logrus.Entry
}

// NewKcpSession creates a session; conv must match on both endpoints.
func NewKcpSession(conv uint32) *KcpSession {
	return &KcpSession{
		Conv:           conv,
		sndWnd:         KcpWndSnd,
		rmtWnd:         KcpWndRcv,
		rcvWnd:         KcpWndRcv,
		rxRto:          KcpRtoDef,
		rxMinRto:       KcpMinRtoDef,
		interval:       KcpInterval,
		tsFlush:        KcpInterval,
		mtu:            KcpMtuDef,
		deadLinkThresh: KcpDeadLink,
		log:            logger.L().WithField("conv", conv),
	}
}

// SetMtu sets the maximum segment payload size.
func (s *KcpSession) SetMtu(mtu int) {
	if mtu > 0 {
		s.mtu = mtu
	}
}

// SetInterval sets the flush interval, clamped to [10, 5000] ms.
func (s *KcpSession) SetInterval(interval uint32) {
	if interval < 10 {
		interval = 10
	} else if interval > 5000 {
		interval = 5000
	}
	s.interval = interval
	if s.current == 0 {
		s.tsFlush = interval
	}
}

// SetMinRto sets the minimal retransmission timeout.
func (s *KcpSession) SetMinRto(rto uint32) {
	s.rxMinRto = rto
}

// SetWindow sets the local send and receive windows.
func (s *KcpSession) SetWindow(sndWnd, rcvWnd uint16) {
	if sndWnd > 0 {
		s.sndWnd = sndWnd
	}
	if rcvWnd > 0 {
		s.rcvWnd = rcvWnd
	}
}

// SetDeadLink sets the per-segment transmission count above which the
// session flags the link dead.
func (s *KcpSession) SetDeadLink(thresh uint32) {
	s.deadLinkThresh = thresh
}

// DeadLink reports whether any segment exceeded the retransmission
// threshold. The engine only flags; the caller decides what to do.
func (s *KcpSession) DeadLink() bool {
	return s.deadLink
}

// Interval returns the flush interval in milliseconds.
func (s *KcpSession) Interval() uint32 {
	return s.interval
}

// Send enqueues one message, fragmenting into segments of at most the
// MTU. Fragment numbering is reversed: the last fragment has frg=0 so the
// receiver learns the remaining count from any fragment. Queueing is
// non-blocking; the window is enforced at flush time.
func (s *KcpSession) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	count := (len(data) + s.mtu - 1) / s.mtu
	if count > kcpMaxFragments {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes need %d fragments with mtu %d", len(data), count, s.mtu)
	}

	for i := 0; i < count; i++ {
		size := s.mtu
		if size > len(data) {
			size = len(data)
		}
		chunk := make([]byte, size)
		copy(chunk, data[:size])

		s.sndQueue = append(s.sndQueue, segment{
			sn:   s.sndNxt,
			frg:  uint8(count - i - 1),
			data: chunk,
		})
		s.sndNxt++
		data = data[size:]
	}
	return nil
}

// Input processes one received packet. It updates the remote window,
// clears the send buffer via UNA, and then handles the command.
func (s *KcpSession) Input(pkt *KcpPacket) {
	if pkt.Conv != s.Conv {
		s.badConvCount++
		s.log.WithField("pkt_conv", pkt.Conv).Error("dropping packet with wrong conv")
		return
	}

	s.rmtWnd = pkt.Wnd
	s.parseUna(pkt.Una)

	switch pkt.Cmd {
	case KcpCmdAck:
		s.parseAck(pkt.Sn, pkt.Ts)
	case KcpCmdPush:
		// Ack even duplicates (the sender may have missed our earlier
		// ack), after insertion so the ack carries the fresh rcv_nxt.
		s.parseData(pkt)
		s.ackPush(pkt.Sn, pkt.Ts)
	case KcpCmdWask, KcpCmdWins:
		// Window probes are reserved in the wire format but have no
		// behavioural effect here.
		s.log.WithField("cmd", pkt.Cmd).Debug("ignoring window probe command")
	}
}

// Update advances the logical clock by deltaMs and, when the flush
// deadline has passed, promotes queued segments into the send buffer and
// generates outbound packets for new and expired segments.
func (s *KcpSession) Update(deltaMs uint32) {
	s.current += deltaMs

	if itimediff(s.current, s.tsFlush) < 0 {
		return
	}
	s.tsFlush += s.interval
	if itimediff(s.tsFlush, s.current) < 0 {
		s.tsFlush = s.current + s.interval
	}

	s.moveQueueToBuf()
	s.flushOutgoing()
}

// FetchOutgoing drains pending outbound packets (data and acks).
func (s *KcpSession) FetchOutgoing() []*KcpPacket {
	out := s.outPkts
	s.outPkts = nil
	return out
}

// FetchIncoming drains fully assembled messages.
func (s *KcpSession) FetchIncoming() [][]byte {
	out := s.rcvQueue
	s.rcvQueue = nil
	return out
}

// PeekSize returns the size of the next assembled message, or -1 when
// none is ready.
func (s *KcpSession) PeekSize() int {
	if len(s.rcvQueue) == 0 {
		return -1
	}
	return len(s.rcvQueue[0])
}

// Recv drains assembled messages into buf, preserving any partial read
// for the next call. Returns the number of bytes copied.
func (s *KcpSession) Recv(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}

	read := 0
	if len(s.partialRead) > 0 {
		n := copy(buf, s.partialRead)
		read += n
		s.partialRead = s.partialRead[n:]
		if len(s.partialRead) == 0 {
			s.partialRead = nil
		}
		if read == len(buf) {
			return read
		}
	}

	for read < len(buf) && len(s.rcvQueue) > 0 {
		msg := s.rcvQueue[0]
		s.rcvQueue = s.rcvQueue[1:]

		space := len(buf) - read
		if len(msg) <= space {
			copy(buf[read:], msg)
			read += len(msg)
		} else {
			copy(buf[read:], msg[:space])
			read += space
			s.partialRead = msg[space:]
			break
		}
	}
	return read
}

// WaitSnd reports how many segments are queued or in flight.
func (s *KcpSession) WaitSnd() int {
	return len(s.sndQueue) + len(s.sndBuf)
}

// Read implements an io.Reader-style adapter; it never blocks and
// returns 0, nil when no assembled data is available.
func (s *KcpSession) Read(buf []byte) (int, error) {
	return s.Recv(buf), nil
}

// Write queues as many bytes of buf as the send window allows. It
// returns ErrWindowFull when not even one segment can be queued.
func (s *KcpSession) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	avail := int(s.sndWnd) - len(s.sndQueue)
	if avail <= 0 {
		return 0, ErrWindowFull
	}

	needed := (len(buf) + s.mtu - 1) / s.mtu
	accept := needed
	if accept > avail {
		accept = avail
	}
	if accept > kcpMaxFragments {
		accept = kcpMaxFragments
	}
	toWrite := accept * s.mtu
	if toWrite > len(buf) {
		toWrite = len(buf)
	}
	if toWrite == 0 {
		return 0, nil
	}
	if err := s.Send(buf[:toWrite]); err != nil {
		return 0, err
	}
	return toWrite, nil
}

func (s *KcpSession) moveQueueToBuf() {
	cwnd := s.sndWnd
	if s.rmtWnd < cwnd {
		cwnd = s.rmtWnd
	}

	for len(s.sndQueue) > 0 {
		if len(s.sndBuf) >= int(cwnd) {
			break
		}
		seg := s.sndQueue[0]
		s.sndQueue = s.sndQueue[1:]

		seg.xmit = 0
		seg.rto = s.rxRto
		seg.resendts = 0
		seg.ts = s.current
		s.sndBuf = append(s.sndBuf, seg)
	}
}

func (s *KcpSession) flushOutgoing() {
	for i := range s.sndBuf {
		seg := &s.sndBuf[i]
		needSend := false

		if seg.xmit == 0 {
			needSend = true
			seg.xmit = 1
			seg.resendts = s.current + seg.rto
		} else if itimediff(s.current, seg.resendts) >= 0 {
			needSend = true
			seg.xmit++
			seg.rto *= 2
			if seg.rto > KcpRtoMax {
				seg.rto = KcpRtoMax
			}
			seg.resendts = s.current + seg.rto
			if seg.xmit > s.deadLinkThresh {
				s.deadLink = true
			}
			s.log.WithFields(logrus.Fields{
				"sn":   seg.sn,
				"frg":  seg.frg,
				"xmit": seg.xmit,
			}).Info("retransmitting segment")
		}

		if needSend {
			s.outPkts = append(s.outPkts, &KcpPacket{
				Conv: s.Conv,
				Cmd:  KcpCmdPush,
				Frg:  seg.frg,
				Wnd:  s.rcvWnd,
				Ts:   seg.ts,
				Sn:   seg.sn,
				Una:  s.rcvNxt,
				Data: seg.data,
			})
		}
	}
}

// parseUna removes every send-buffer segment with sn < una (wraparound
// aware). UNA confirms receipt of all sequence numbers before it, and
// snd_una never regresses.
func (s *KcpSession) parseUna(una uint32) {
	removed := 0
	for _, seg := range s.sndBuf {
		if itimediff(una, seg.sn) > 0 {
			removed++
		} else {
			break
		}
	}
	if removed > 0 {
		s.sndBuf = s.sndBuf[removed:]
	}
	if itimediff(una, s.sndUna) > 0 {
		s.sndUna = una
	}
}

func (s *KcpSession) parseAck(sn, ts uint32) {
	// The echoed ts yields an RTT sample even when UNA in the same packet
	// has already cleared the segment.
	if itimediff(s.current, ts) >= 0 {
		s.updateRtt(s.current - ts)
	}
	for i := range s.sndBuf {
		if s.sndBuf[i].sn == sn {
			s.sndBuf = append(s.sndBuf[:i], s.sndBuf[i+1:]...)
			return
		}
		if itimediff(sn, s.sndBuf[i].sn) < 0 {
			break
		}
	}
	// UNA has most likely already cleared it.
	s.log.WithField("sn", sn).Debug("ack for segment not in send buffer")
}

func (s *KcpSession) parseData(pkt *KcpPacket) {
	sn := pkt.Sn
	if itimediff(sn, s.rcvNxt+uint32(s.rcvWnd)) >= 0 || itimediff(sn, s.rcvNxt) < 0 {
		s.repeatCount++
		return
	}

	insertIdx := len(s.rcvBuf)
	for i := range s.rcvBuf {
		if s.rcvBuf[i].sn == sn {
			s.repeatCount++
			if string(s.rcvBuf[i].data) != string(pkt.Data) {
				// Keep the first-observed bytes; a conflicting duplicate
				// is either corruption or an active attack.
				s.log.WithField("sn", sn).Warn("duplicate segment with conflicting content")
			}
			return
		}
		if itimediff(sn, s.rcvBuf[i].sn) < 0 {
			insertIdx = i
			break
		}
	}

	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	seg := segment{sn: sn, frg: pkt.Frg, ts: pkt.Ts, data: data}

	s.rcvBuf = append(s.rcvBuf, segment{})
	copy(s.rcvBuf[insertIdx+1:], s.rcvBuf[insertIdx:])
	s.rcvBuf[insertIdx] = seg

	s.moveBufToQueue()
}

// moveBufToQueue releases messages whose fragments form a contiguous run
// starting at rcv_nxt and ending in a segment with frg == 0. A message is
// released atomically or not at all.
func (s *KcpSession) moveBufToQueue() {
	for {
		if len(s.rcvBuf) == 0 || s.rcvBuf[0].sn != s.rcvNxt {
			return
		}

		endIdx := -1
		expected := s.rcvNxt
		total := 0
		for i := range s.rcvBuf {
			if s.rcvBuf[i].sn != expected {
				break
			}
			total += len(s.rcvBuf[i].data)
			if s.rcvBuf[i].frg == 0 {
				endIdx = i
				break
			}
			expected++
		}
		if endIdx < 0 {
			return
		}

		msg := make([]byte, 0, total)
		var finalSn uint32
		for i := 0; i <= endIdx; i++ {
			msg = append(msg, s.rcvBuf[i].data...)
			finalSn = s.rcvBuf[i].sn
		}
		s.rcvBuf = s.rcvBuf[endIdx+1:]
		s.rcvQueue = append(s.rcvQueue, msg)
		s.rcvNxt = finalSn + 1
	}
}

// ackPush schedules an outbound ack echoing the segment's original send
// timestamp so the peer can compute RTT.
func (s *KcpSession) ackPush(sn, ts uint32) {
	s.outPkts = append(s.outPkts, &KcpPacket{
		Conv: s.Conv,
		Cmd:  KcpCmdAck,
		Wnd:  s.rcvWnd,
		Ts:   ts,
		Sn:   sn,
		Una:  s.rcvNxt,
	})
}

// updateRtt folds one RTT sample into the smoothed estimate and variance
// with the standard 1/8 and 1/4 weights, then clamps the derived RTO.
func (s *KcpSession) updateRtt(rtt uint32) {
	if s.rxSrtt == 0 {
		s.rxSrtt = rtt
		s.rxRttval = rtt / 2
	} else {
		var delta uint32
		if rtt > s.rxSrtt {
			delta = rtt - s.rxSrtt
		} else {
			delta = s.rxSrtt - rtt
		}
		s.rxRttval = (3*s.rxRttval + delta) / 4
		s.rxSrtt = (7*s.rxSrtt + rtt) / 8
		if s.rxSrtt < 1 {
			s.rxSrtt = 1
		}
	}

	rto := s.rxSrtt + max32(s.interval, 4*s.rxRttval)
	if rto < s.rxMinRto {
		rto = s.rxMinRto
	} else if rto > KcpRtoMax {
		rto = KcpRtoMax
	}
	s.rxRto = rto
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
