package protocol

import (
	"bytes"
	"testing"
)

func TestKcpPacketRoundtrip(t *testing.T) {
	pkt := &KcpPacket{
		Conv: 12345,
		Cmd:  KcpCmdPush,
		Frg:  2,
		Wnd:  128,
		Ts:   1000,
		Sn:   7,
		Una:  3,
		Data: []byte("fragment bytes"),
	}

	raw := pkt.Encode()
	if len(raw) != KcpOverhead+len(pkt.Data) {
		t.Fatalf("encoded %d bytes, want %d", len(raw), KcpOverhead+len(pkt.Data))
	}

	got, err := DecodeKcpPacket(raw)
	if err != nil {
		t.Fatalf("DecodeKcpPacket failed: %v", err)
	}
	if got.Conv != 12345 || got.Cmd != KcpCmdPush || got.Frg != 2 || got.Wnd != 128 {
		t.Errorf("decoded header = %+v", got)
	}
	if got.Ts != 1000 || got.Sn != 7 || got.Una != 3 {
		t.Errorf("decoded counters = ts:%d sn:%d una:%d", got.Ts, got.Sn, got.Una)
	}
	if !bytes.Equal(got.Data, pkt.Data) {
		t.Errorf("decoded data = %q, want %q", got.Data, pkt.Data)
	}
}

func TestKcpPacketDecodeRejectsBadInput(t *testing.T) {
	if _, err := DecodeKcpPacket(make([]byte, KcpOverhead-1)); !isKind(err, ErrMalformedPacket) {
		t.Errorf("short packet error = %v, want ErrMalformedPacket", err)
	}

	pkt := &KcpPacket{Conv: 1, Cmd: KcpCmdPush, Data: []byte("abc")}
	raw := pkt.Encode()
	raw[4] = 99 // unknown command
	if _, err := DecodeKcpPacket(raw); !isKind(err, ErrMalformedPacket) {
		t.Errorf("bad command error = %v, want ErrMalformedPacket", err)
	}

	raw = pkt.Encode()
	raw[20] = 200 // length field no longer matches
	if _, err := DecodeKcpPacket(raw); !isKind(err, ErrMalformedPacket) {
		t.Errorf("bad length error = %v, want ErrMalformedPacket", err)
	}
}

// Out-of-order reassembly: a 43-byte message with MTU=20 splits into
// three fragments (sn 0/1/2, frg 2/1/0). Nothing surfaces until the
// middle fragment arrives, then the exact message comes out once.
func TestOutOfOrderDeliveryCompletesCorrectly(t *testing.T) {
	const conv = 12345
	sender := NewKcpSession(conv)
	receiver := NewKcpSession(conv)
	sender.SetMtu(20)

	message := []byte("This message requires multiple KCP segments")
	if err := sender.Send(message); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sender.Update(sender.Interval())
	packets := sender.FetchOutgoing()
	if len(packets) != 3 {
		t.Fatalf("fragment count = %d, want 3", len(packets))
	}
	if packets[0].Frg != 2 || packets[1].Frg != 1 || packets[2].Frg != 0 {
		t.Fatalf("frg sequence = %d/%d/%d, want 2/1/0", packets[0].Frg, packets[1].Frg, packets[2].Frg)
	}

	buf := make([]byte, len(message)+100)

	receiver.Input(packets[0])
	if n := receiver.Recv(buf); n != 0 {
		t.Fatalf("Recv after first fragment = %d, want 0", n)
	}

	receiver.Input(packets[2])
	if n := receiver.Recv(buf); n != 0 {
		t.Fatalf("Recv after first+last fragments = %d, want 0", n)
	}
	if len(receiver.rcvQueue) != 0 {
		t.Fatal("receive queue should be empty before the message completes")
	}

	receiver.Input(packets[1])
	n := receiver.Recv(buf)
	if n != len(message) {
		t.Fatalf("Recv = %d bytes, want %d", n, len(message))
	}
	if !bytes.Equal(buf[:n], message) {
		t.Errorf("received %q, want %q", buf[:n], message)
	}
	if n := receiver.Recv(buf); n != 0 {
		t.Errorf("second Recv = %d, want 0", n)
	}
}

// An ACK before the RTO deadline suppresses the retransmission.
func TestAckSuppressesRetransmit(t *testing.T) {
	session := NewKcpSession(456)
	session.SetMtu(50)
	session.SetInterval(10)

	if err := session.Send(make([]byte, 30)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	session.Update(session.Interval())

	initial := session.FetchOutgoing()
	if len(initial) != 1 {
		t.Fatalf("initial flush produced %d packets, want 1", len(initial))
	}
	resendts := session.sndBuf[0].resendts

	session.Input(&KcpPacket{
		Conv: 456,
		Cmd:  KcpCmdAck,
		Wnd:  KcpWndRcv,
		Ts:   initial[0].Ts,
		Sn:   initial[0].Sn,
		Una:  0,
	})
	if len(session.sndBuf) != 0 {
		t.Fatalf("send buffer has %d segments after ack, want 0", len(session.sndBuf))
	}

	// Advance past the original deadline plus one interval.
	session.Update(resendts - session.current + session.Interval())
	if out := session.FetchOutgoing(); len(out) != 0 {
		t.Errorf("fetched %d packets after ack, want 0", len(out))
	}
}

// UNA bulk-clears the send buffer of everything below it.
func TestUnaBulkClear(t *testing.T) {
	session := NewKcpSession(789)
	session.SetMtu(10)

	if err := session.Send(make([]byte, 50)); err != nil { // sn 0..4
		t.Fatalf("Send failed: %v", err)
	}
	session.Update(session.Interval())
	if len(session.sndBuf) != 5 {
		t.Fatalf("send buffer has %d segments, want 5", len(session.sndBuf))
	}

	session.Input(&KcpPacket{Conv: 789, Cmd: KcpCmdAck, Wnd: KcpWndRcv, Sn: 99, Una: 3})
	if len(session.sndBuf) != 2 {
		t.Fatalf("send buffer has %d segments after una=3, want 2", len(session.sndBuf))
	}
	if session.sndBuf[0].sn != 3 || session.sndBuf[1].sn != 4 {
		t.Errorf("remaining sns = %d, %d, want 3, 4", session.sndBuf[0].sn, session.sndBuf[1].sn)
	}

	session.Input(&KcpPacket{Conv: 789, Cmd: KcpCmdAck, Wnd: KcpWndRcv, Sn: 99, Una: 5})
	if len(session.sndBuf) != 0 {
		t.Errorf("send buffer has %d segments after una=5, want 0", len(session.sndBuf))
	}
}

// UNA never regresses, even when packets arrive out of order.
func TestUnaMonotonic(t *testing.T) {
	session := NewKcpSession(11)
	session.SetMtu(10)

	if err := session.Send(make([]byte, 50)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	session.Update(session.Interval())

	session.Input(&KcpPacket{Conv: 11, Cmd: KcpCmdAck, Wnd: KcpWndRcv, Sn: 99, Una: 4})
	if session.sndUna != 4 {
		t.Fatalf("sndUna = %d, want 4", session.sndUna)
	}

	// A stale packet with an older UNA must not move it backwards.
	session.Input(&KcpPacket{Conv: 11, Cmd: KcpCmdAck, Wnd: KcpWndRcv, Sn: 99, Una: 2})
	if session.sndUna != 4 {
		t.Errorf("sndUna = %d after stale una, want 4", session.sndUna)
	}
}

// Duplicate fragments are idempotent: re-inserting leaves the receive
// buffer unchanged.
func TestDuplicateFragmentIdempotent(t *testing.T) {
	sender := NewKcpSession(22)
	receiver := NewKcpSession(22)
	sender.SetMtu(20)

	if err := sender.Send(make([]byte, 60)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sender.Update(sender.Interval())
	packets := sender.FetchOutgoing()
	if len(packets) != 3 {
		t.Fatalf("fragment count = %d, want 3", len(packets))
	}

	receiver.Input(packets[1])
	if len(receiver.rcvBuf) != 1 {
		t.Fatalf("receive buffer has %d segments, want 1", len(receiver.rcvBuf))
	}
	receiver.Input(packets[1])
	if len(receiver.rcvBuf) != 1 {
		t.Errorf("receive buffer has %d segments after duplicate, want 1", len(receiver.rcvBuf))
	}
}

func TestRetransmissionAfterRto(t *testing.T) {
	session := NewKcpSession(33)
	session.SetMtu(50)

	if err := session.Send(make([]byte, 30)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	session.Update(session.Interval())
	initial := session.FetchOutgoing()
	if len(initial) != 1 {
		t.Fatalf("initial flush produced %d packets, want 1", len(initial))
	}

	seg := session.sndBuf[0]
	if seg.xmit != 1 {
		t.Fatalf("xmit = %d after first send, want 1", seg.xmit)
	}

	// Just before the deadline: nothing.
	session.Update(seg.resendts - session.current - 1)
	if out := session.FetchOutgoing(); len(out) != 0 {
		t.Fatalf("retransmitted %d packets before RTO, want 0", len(out))
	}

	// Past the deadline: exactly one retransmission with doubled RTO.
	oldRto := session.sndBuf[0].rto
	session.Update(session.Interval())
	out := session.FetchOutgoing()
	if len(out) != 1 {
		t.Fatalf("retransmitted %d packets, want 1", len(out))
	}
	if out[0].Sn != initial[0].Sn {
		t.Errorf("retransmitted sn = %d, want %d", out[0].Sn, initial[0].Sn)
	}
	if session.sndBuf[0].xmit != 2 {
		t.Errorf("xmit = %d after retransmit, want 2", session.sndBuf[0].xmit)
	}
	if session.sndBuf[0].rto != oldRto*2 {
		t.Errorf("rto = %d after retransmit, want %d", session.sndBuf[0].rto, oldRto*2)
	}
}

func TestCongestionWindowLimitsSendBuffer(t *testing.T) {
	session := NewKcpSession(44)
	session.SetMtu(50)
	session.SetWindow(10, KcpWndRcv)
	session.rmtWnd = 5

	if err := session.Send(make([]byte, 400)); err != nil { // 8 segments
		t.Fatalf("Send failed: %v", err)
	}
	if len(session.sndQueue) != 8 {
		t.Fatalf("queued %d segments, want 8", len(session.sndQueue))
	}

	session.Update(session.Interval())
	if len(session.sndBuf) != 5 {
		t.Fatalf("send buffer has %d segments, want 5 (cwnd = min(10, 5))", len(session.sndBuf))
	}
	if len(session.sndQueue) != 3 {
		t.Fatalf("queue has %d segments, want 3", len(session.sndQueue))
	}

	// A packet advertising a larger remote window widens the cwnd.
	session.Input(&KcpPacket{Conv: 44, Cmd: KcpCmdAck, Wnd: 8, Ts: 0, Sn: 0, Una: 0})
	if session.rmtWnd != 8 {
		t.Fatalf("rmtWnd = %d, want 8", session.rmtWnd)
	}
	session.Update(session.Interval())
	if len(session.sndBuf) != 7 {
		t.Errorf("send buffer has %d segments, want 7 after ack of sn=0 and refill", len(session.sndBuf))
	}
	if len(session.sndQueue) != 0 {
		t.Errorf("queue has %d segments, want 0", len(session.sndQueue))
	}
}

func TestAckUpdatesRtt(t *testing.T) {
	session := NewKcpSession(55)
	session.SetMtu(50)
	session.SetMinRto(100)

	if err := session.Send(make([]byte, 20)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	session.Update(session.Interval())
	initial := session.FetchOutgoing()
	if len(initial) != 1 {
		t.Fatalf("initial flush produced %d packets, want 1", len(initial))
	}

	// 150 ms later the ack arrives echoing the original timestamp.
	session.Update(150)
	session.Input(&KcpPacket{
		Conv: 55, Cmd: KcpCmdAck, Wnd: KcpWndRcv,
		Ts: initial[0].Ts, Sn: initial[0].Sn, Una: 1,
	})

	if session.rxSrtt != 150 {
		t.Errorf("srtt = %d, want 150 on first sample", session.rxSrtt)
	}
	if session.rxRttval != 75 {
		t.Errorf("rttvar = %d, want 75 on first sample", session.rxRttval)
	}
	wantRto := session.rxSrtt + max32(session.interval, 4*session.rxRttval)
	if session.rxRto != wantRto {
		t.Errorf("rto = %d, want %d", session.rxRto, wantRto)
	}
}

func TestWrongConvDropped(t *testing.T) {
	session := NewKcpSession(66)
	session.Input(&KcpPacket{Conv: 67, Cmd: KcpCmdPush, Sn: 0, Data: []byte("x")})
	if len(session.rcvBuf) != 0 {
		t.Error("packet with wrong conv must be dropped")
	}
	if session.badConvCount != 1 {
		t.Errorf("badConvCount = %d, want 1", session.badConvCount)
	}
}

func TestOutOfWindowDataDiscarded(t *testing.T) {
	session := NewKcpSession(77)
	session.SetWindow(KcpWndSnd, 4)

	session.Input(&KcpPacket{Conv: 77, Cmd: KcpCmdPush, Sn: 4, Data: []byte("x")})
	if len(session.rcvBuf) != 0 {
		t.Error("segment beyond the receive window must be discarded")
	}

	// Below rcv_nxt is a duplicate of delivered data.
	session.Input(&KcpPacket{Conv: 77, Cmd: KcpCmdPush, Frg: 0, Sn: 0, Data: []byte("x")})
	session.Recv(make([]byte, 8))
	session.Input(&KcpPacket{Conv: 77, Cmd: KcpCmdPush, Frg: 0, Sn: 0, Data: []byte("x")})
	if len(session.rcvBuf) != 0 {
		t.Error("segment below rcv_nxt must be discarded")
	}
}

func TestPushGeneratesAck(t *testing.T) {
	session := NewKcpSession(88)
	session.Input(&KcpPacket{Conv: 88, Cmd: KcpCmdPush, Frg: 0, Ts: 1234, Sn: 0, Data: []byte("hello")})

	out := session.FetchOutgoing()
	if len(out) != 1 {
		t.Fatalf("fetched %d packets, want 1 ack", len(out))
	}
	ack := out[0]
	if ack.Cmd != KcpCmdAck {
		t.Fatalf("cmd = %d, want ack", ack.Cmd)
	}
	if ack.Sn != 0 {
		t.Errorf("ack sn = %d, want 0", ack.Sn)
	}
	if ack.Ts != 1234 {
		t.Errorf("ack ts = %d, want the original 1234", ack.Ts)
	}
	if ack.Una != 1 {
		t.Errorf("ack una = %d, want 1", ack.Una)
	}
}

func TestDeadLinkFlag(t *testing.T) {
	session := NewKcpSession(99)
	session.SetMtu(50)
	session.SetDeadLink(3)

	if err := session.Send(make([]byte, 10)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for i := 0; i < 40 && !session.DeadLink(); i++ {
		session.Update(KcpRtoMax)
		session.FetchOutgoing()
	}
	if !session.DeadLink() {
		t.Error("dead link flag not raised after repeated retransmissions")
	}
}

func TestWriteReturnsWindowFull(t *testing.T) {
	session := NewKcpSession(111)
	session.SetMtu(10)
	session.SetWindow(2, KcpWndRcv)

	n, err := session.Write(make([]byte, 100))
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if n != 20 {
		t.Fatalf("first Write accepted %d bytes, want 20 (2 segments)", n)
	}

	if _, err := session.Write([]byte("more")); !isKind(err, ErrWindowFull) {
		t.Errorf("error = %v, want ErrWindowFull", err)
	}
}

func TestSendRejectsOversizeMessage(t *testing.T) {
	session := NewKcpSession(112)
	session.SetMtu(1)
	if err := session.Send(make([]byte, 256)); !isKind(err, ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
}

// A partial Recv keeps the remainder for the next call.
func TestRecvPartialRead(t *testing.T) {
	session := NewKcpSession(113)
	session.Input(&KcpPacket{Conv: 113, Cmd: KcpCmdPush, Frg: 0, Sn: 0, Data: []byte("abcdefgh")})

	small := make([]byte, 3)
	if n := session.Recv(small); n != 3 || string(small) != "abc" {
		t.Fatalf("Recv = %d %q, want 3 \"abc\"", n, small[:n])
	}
	rest := make([]byte, 16)
	if n := session.Recv(rest); n != 5 || string(rest[:n]) != "defgh" {
		t.Errorf("Recv = %d %q, want 5 \"defgh\"", n, rest[:n])
	}
}

// Messages sent back-to-back come out in order and intact.
func TestOrderedStreamOfMessages(t *testing.T) {
	sender := NewKcpSession(114)
	receiver := NewKcpSession(114)
	sender.SetMtu(16)

	messages := [][]byte{
		[]byte("first message"),
		[]byte("the second message is a bit longer"),
		[]byte("third"),
	}
	for _, m := range messages {
		if err := sender.Send(m); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	// Drive until everything is delivered, reversing each flush batch to
	// exercise reordering.
	for i := 0; i < 10; i++ {
		sender.Update(sender.Interval())
		packets := sender.FetchOutgoing()
		for j := len(packets) - 1; j >= 0; j-- {
			receiver.Input(packets[j])
		}
		for _, ack := range receiver.FetchOutgoing() {
			sender.Input(ack)
		}
	}

	got := receiver.FetchIncoming()
	if len(got) != len(messages) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(messages))
	}
	for i := range messages {
		if !bytes.Equal(got[i], messages[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], messages[i])
		}
	}
}

func BenchmarkKcpSendFlush(b *testing.B) {
	session := NewKcpSession(1)
	payload := make([]byte, 4096)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := session.Send(payload); err != nil {
			b.Fatal(err)
		}
		session.Update(session.Interval())
		for _, pkt := range session.FetchOutgoing() {
			session.Input(&KcpPacket{Conv: 1, Cmd: KcpCmdAck, Wnd: KcpWndRcv, Ts: pkt.Ts, Sn: pkt.Sn, Una: pkt.Sn + 1})
		}
	}
}
