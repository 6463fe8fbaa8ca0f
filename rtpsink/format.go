// SPDX-License-Identifier: BSD-2-Clause

package rtpsink

// FrameFormat supplies the payload-format-specific packetization hooks of
// §4.5 and the Design Notes' "Dynamic dispatch over payload formats": a
// capability interface with one variant per codec, rather than an
// inheritance hierarchy. A sink asks its FrameFormat how much header space
// to reserve, how to fill it per frame/fragment, and whether/how a frame
// that doesn't fit should be split.
type FrameFormat interface {
	// SpecialHeaderSize is the number of bytes reserved immediately after
	// the fixed 12-byte RTP header for a payload-specific per-frame header
	// (e.g. a fragmentation header). Zero for payloads with none.
	SpecialHeaderSize() int

	// WriteSpecialHeader fills the reserved special-header bytes for one
	// frame or fragment being packed and reports whether the RTP marker bit
	// should be set on this packet. fragOffset/fragSize describe the slice
	// of the frame carried by this fragment; frameSize is the frame's total
	// size; numFrames is how many whole frames already sit in this packet.
	WriteSpecialHeader(special []byte, fragOffset, fragSize, frameSize, numFrames int) (marker bool)

	// IsTooBigForAPacket reports whether a frame this large must be
	// fragmented across packets rather than deferred whole to the next one.
	IsTooBigForAPacket(frameSize int) bool

	// AllowFragmentationAfterStart reports whether a frame may begin
	// fragmenting into a packet that already holds other frames.
	AllowFragmentationAfterStart() bool

	// AllowOtherFramesAfterLastFragment reports whether, once this frame's
	// final fragment has been emitted, further frames may still be packed
	// into the same packet.
	AllowOtherFramesAfterLastFragment() bool

	// ComputeOverflowForNewFrame lets a format round down how many of
	// frameSize's bytes actually fit in the bytesAvailable remaining in the
	// current packet — e.g. raw-video pgroup alignment (GLOSSARY "Pgroup").
	// The default behaviour (DefaultFormat) is to take exactly
	// bytesAvailable.
	ComputeOverflowForNewFrame(bytesAvailable, frameSize int) int
}

// DefaultFormat is the generic packetization policy for payloads with no
// special per-frame header and no fragmentation alignment constraints:
// whole frames are packed while they fit, a frame too large for an empty
// packet is fragmented across packets, a frame that does not fit behind
// other frames waits for the next packet, and no marker bit is set
// (payload formats that do mark access-unit
// boundaries, e.g. a video format marking the last fragment of a frame,
// must supply their own FrameFormat).
type DefaultFormat struct{}

func (DefaultFormat) SpecialHeaderSize() int { return 0 }

func (DefaultFormat) WriteSpecialHeader(special []byte, fragOffset, fragSize, frameSize, numFrames int) bool {
	return false
}

func (DefaultFormat) IsTooBigForAPacket(frameSize int) bool { return true }

func (DefaultFormat) AllowFragmentationAfterStart() bool { return false }

func (DefaultFormat) AllowOtherFramesAfterLastFragment() bool { return false }

func (DefaultFormat) ComputeOverflowForNewFrame(bytesAvailable, frameSize int) int {
	return bytesAvailable
}
