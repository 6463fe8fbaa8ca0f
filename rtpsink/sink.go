// SPDX-License-Identifier: BSD-2-Clause

// Package rtpsink implements the multi-framed RTP sink of spec §4.5: packs
// one or more codec frames into each RTP packet, timestamps them, invokes
// payload-specific header hooks, applies SRTP on egress, and schedules the
// next send. Grounded on the teacher's media/rtp_packet_writer.go (pion/rtp
// header construction, SSRC/sequence bookkeeping) generalized to the
// spec's fragmentation-aware packetization loop.
package rtpsink

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/liveedge/rtscore/scheduler"
	"github.com/liveedge/rtscore/srtp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OutPacketBufferMaxSize bounds a sink's packet buffer for ordinary
// payloads; OutPacketBufferMaxSizeLargeCodec is the larger ceiling §6.3
// specifies for codecs whose access units can be very large (e.g. raw
// video).
var (
	OutPacketBufferMaxSize           = 60000
	OutPacketBufferMaxSizeLargeCodec = 2000000
	Debug                            = false
)

var ErrNotPlaying = errors.New("rtpsink: stop_playing called while not playing")

// FrameSource is the collaborator interface the core consumes (§6.1): a
// source of codec access units. Codec-specific framing (NAL splitting,
// AAC/MP3 framing, file demultiplexing) is deliberately out of scope (§1)
// and lives entirely in whatever implements this interface.
type FrameSource interface {
	// NextFrame blocks until the next frame is available (or the source is
	// stopped/errors/reaches EOF), writes as much of it as fits into buf,
	// and reports how many trailing bytes did not fit (truncated), the
	// frame's presentation time (relative to stream start) and duration. At
	// most one NextFrame call is ever outstanding at a time (Design Notes:
	// "Coroutines / callbacks").
	NextFrame(buf []byte) (n int, truncated int, pts time.Duration, duration time.Duration, err error)
	StopGettingFrames()
	MimeType() string
}

// Transport is the minimal surface the sink sends finished packets on;
// satisfied by *rtptransport.RTPInterface.
type Transport interface {
	Output(buf []byte) error
}

// Option configures a Sink at construction.
type Option func(*Sink)

// WithSRTP applies SRTP encryption/authentication to every outgoing packet
// using ctx, per §4.7.
func WithSRTP(ctx *srtp.Context, auth, encrypt bool) Option {
	return func(s *Sink) { s.srtp = ctx; s.srtpAuth = auth; s.srtpEncrypt = encrypt }
}

// WithFormat installs a payload-specific FrameFormat; DefaultFormat is used
// if omitted.
func WithFormat(f FrameFormat) Option {
	return func(s *Sink) { s.format = f }
}

// WithMaxPacketSize overrides the default preferred packet size (1440, a
// conservative Ethernet-MTU-safe RTP payload bound).
func WithMaxPacketSize(n int) Option {
	return func(s *Sink) { s.maxPacketSize = n }
}

// WithBaseSeqAndTimestamp pins the initial sequence number and the
// convert_to_rtp_timestamp base, instead of drawing them at random — used
// by tests needing bit-exact wire output (spec §8 scenario 1).
func WithBaseSeqAndTimestamp(baseSeq uint16, baseTS uint32) Option {
	return func(s *Sink) { s.seq = baseSeq; s.baseTS = baseTS }
}

// WithOnSendError installs a hook invoked (without breaking the pipeline)
// whenever a transport send fails.
func WithOnSendError(cb func(error)) Option {
	return func(s *Sink) { s.onSendError = cb }
}

// WithScheduler arms the sink to schedule its next packet send on h rather
// than blocking the calling goroutine with time.Sleep.
func WithScheduler(h *scheduler.Handle) Option {
	return func(s *Sink) { s.sched = h }
}

// Sink is the multi-framed RTP sink of §4.5.
type Sink struct {
	transport Transport
	format    FrameFormat
	sched     *scheduler.Handle

	srtp        *srtp.Context
	srtpAuth    bool
	srtpEncrypt bool

	pt            uint8
	ssrc          uint32
	freq          uint32
	maxPacketSize int

	seq    uint16
	baseTS uint32

	onSendError func(error)
	afterPlay   func()

	source  FrameSource
	playing bool
	token   scheduler.TaskToken

	overflow       []byte
	overflowPTS    time.Duration
	overflowDur    time.Duration
	overflowOffset int // offset of overflow's first byte within its frame
	overflowTotal  int // total size of the frame overflow belongs to

	lastSendTime time.Time

	packetsSent       uint32
	octetsSent        uint32
	lastSentTimestamp uint32

	log zerolog.Logger
}

// TransmissionStats is the packet/octet counter snapshot (I) folds into its
// SR reception-report-free fields, per §4.8 ("transmission stats fed from
// (G)").
type TransmissionStats struct {
	SSRC           uint32
	PacketsSent    uint32
	OctetsSent     uint32
	LastRTPTime    uint32
	LastPacketTime time.Time
}

// Stats returns a snapshot of this sink's transmission counters.
func (s *Sink) Stats() TransmissionStats {
	return TransmissionStats{
		SSRC:           s.ssrc,
		PacketsSent:    s.packetsSent,
		OctetsSent:     s.octetsSent,
		LastRTPTime:    s.lastSentTimestamp,
		LastPacketTime: s.lastSendTime,
	}
}

// NewSink constructs a Sink for payload type pt, SSRC ssrc, RTP clock
// frequency freqHz, sending over transport.
func NewSink(transport Transport, pt uint8, ssrc uint32, freqHz uint32, opts ...Option) *Sink {
	s := &Sink{
		transport:     transport,
		format:        DefaultFormat{},
		pt:            pt,
		ssrc:          ssrc,
		freq:          freqHz,
		maxPacketSize: 1440,
		seq:           uint16(rand.Uint32()),
		baseTS:        rand.Uint32(),
		log:           log.With().Str("caller", "rtpsink").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) SetLogger(l zerolog.Logger) { s.log = l }

// NextSeq returns the sequence number the next packet will be sent with.
func (s *Sink) NextSeq() uint16 { return s.seq }

// convertToRTPTimestamp maps a frame's presentation time (relative to
// stream start) to an RTP timestamp: base (the random or pinned 32-bit
// seed chosen at construction) plus freq * pts.Seconds(), per §4.5.
func (s *Sink) convertToRTPTimestamp(pts time.Duration) uint32 {
	return s.baseTS + uint32(float64(s.freq)*pts.Seconds())
}

// StartPlaying begins pulling frames from source and emitting RTP packets.
// afterPlay is invoked exactly once, when the source reaches EOF or errors.
func (s *Sink) StartPlaying(source FrameSource, afterPlay func()) {
	s.source = source
	s.afterPlay = afterPlay
	s.playing = true
	s.lastSendTime = time.Now()
	s.buildAndSendPacket()
}

// StopPlaying halts the sink: any in-progress packet data is discarded and
// the source's outstanding frame request is cancelled.
func (s *Sink) StopPlaying() {
	if !s.playing {
		return
	}
	s.playing = false
	if s.sched != nil {
		s.sched.Unschedule(s.token)
	}
	if s.source != nil {
		s.source.StopGettingFrames()
	}
	s.overflow = nil
}

// buildAndSendPacket packs as many frames as fit into one packet per the
// §4.5 algorithm, emits it, then arranges for the next one to be built.
func (s *Sink) buildAndSendPacket() {
	if !s.playing {
		return
	}

	const headerLen = 12
	specialLen := s.format.SpecialHeaderSize()
	special := make([]byte, specialLen)
	payload := make([]byte, 0, s.maxPacketSize-headerLen-specialLen)

	numFrames := 0
	firstFrame := true
	marker := false
	var packetTS uint32
	var sumDur time.Duration

	scratch := make([]byte, s.maxPacketSize)

	for {
		var frameData []byte
		var pts, dur time.Duration
		var fragOffset, frameTotal int

		if len(s.overflow) > 0 {
			frameData = s.overflow
			pts, dur = s.overflowPTS, s.overflowDur
			fragOffset, frameTotal = s.overflowOffset, s.overflowTotal
			s.overflow = nil
		} else {
			n, _, p, d, err := s.source.NextFrame(scratch)
			if err != nil {
				if numFrames > 0 {
					s.emit(special, payload, packetTS, marker)
				}
				s.finish()
				return
			}
			frameData = append([]byte(nil), scratch[:n]...)
			pts, dur = p, d
			frameTotal = n
		}

		if firstFrame {
			packetTS = s.convertToRTPTimestamp(pts)
			firstFrame = false
		}

		available := s.maxPacketSize - headerLen - specialLen - len(payload)
		fits := len(frameData) <= available

		switch {
		case !fits && s.format.IsTooBigForAPacket(len(frameData)) && (numFrames == 0 || s.format.AllowFragmentationAfterStart()):
			take := s.format.ComputeOverflowForNewFrame(available, len(frameData))
			if take > available {
				take = available
			}
			if take < 0 {
				take = 0
			}
			marker = s.format.WriteSpecialHeader(special, fragOffset, take, frameTotal, numFrames)
			payload = append(payload, frameData[:take]...)
			numFrames++
			sumDur += dur

			if rest := frameData[take:]; len(rest) > 0 {
				s.overflow = rest
				s.overflowPTS, s.overflowDur = pts, 0
				s.overflowOffset, s.overflowTotal = fragOffset+take, frameTotal
			}

			if !s.format.AllowOtherFramesAfterLastFragment() || len(payload) >= s.maxPacketSize-headerLen-specialLen {
				s.emit(special, payload, packetTS, marker)
				s.scheduleNext(sumDur)
				return
			}

		case !fits:
			s.overflow = frameData
			s.overflowPTS, s.overflowDur = pts, dur
			s.overflowOffset, s.overflowTotal = fragOffset, frameTotal
			s.emit(special, payload, packetTS, marker)
			s.scheduleNext(sumDur)
			return

		default:
			marker = s.format.WriteSpecialHeader(special, fragOffset, len(frameData), frameTotal, numFrames)
			payload = append(payload, frameData...)
			numFrames++
			sumDur += dur

			if len(payload) >= s.maxPacketSize-headerLen-specialLen {
				s.emit(special, payload, packetTS, marker)
				s.scheduleNext(sumDur)
				return
			}
		}
	}
}

// emit builds the RTP header over the packed special+payload bytes,
// optionally applies SRTP, and sends the packet.
func (s *Sink) emit(special, payload []byte, ts uint32, marker bool) {
	hdr := rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    s.pt,
		SequenceNumber: s.seq,
		Timestamp:      ts,
		SSRC:           s.ssrc,
	}
	hdrBytes, err := hdr.Marshal()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal RTP header")
		return
	}

	out := make([]byte, 0, len(hdrBytes)+len(special)+len(payload))
	out = append(out, hdrBytes...)
	out = append(out, special...)
	out = append(out, payload...)

	if s.srtp != nil {
		out, err = s.srtp.ProcessOutgoingSRTP(out, s.ssrc, s.seq, len(hdrBytes), s.srtpAuth, s.srtpEncrypt)
		if err != nil {
			s.reportSendError(fmt.Errorf("rtpsink: srtp: %w", err))
			s.seq++
			return
		}
	}

	if err := s.transport.Output(out); err != nil {
		s.reportSendError(err)
	}
	s.packetsSent++
	s.octetsSent += uint32(len(payload))
	s.lastSentTimestamp = ts
	s.seq++
}

func (s *Sink) reportSendError(err error) {
	s.log.Warn().Err(err).Msg("rtp send failed")
	if s.onSendError != nil {
		s.onSendError(err)
	}
}

// scheduleNext arms the next packet send at
// last_send_time + Σ frame_durations_packed_excluding_overflow, per §4.5.
// If that deadline has already passed, the next packet is built
// immediately.
func (s *Sink) scheduleNext(sumDurations time.Duration) {
	if !s.playing {
		return
	}
	next := s.lastSendTime.Add(sumDurations)
	s.lastSendTime = next
	delay := time.Until(next)
	if delay <= 0 {
		s.buildAndSendPacket()
		return
	}
	if s.sched != nil {
		s.token = s.sched.ScheduleDelayed(delay.Microseconds(), func(any) { s.buildAndSendPacket() }, nil)
		return
	}
	time.Sleep(delay)
	s.buildAndSendPacket()
}

func (s *Sink) finish() {
	s.playing = false
	if s.afterPlay != nil {
		s.afterPlay()
	}
}
