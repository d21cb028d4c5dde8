package screencast

import "encoding/binary"

// frameHeaderSize is the fixed prefix before the JPEG payload:
// u32 frame number, u16 width, u16 height, u8 quality, little-endian.
const frameHeaderSize = 9

// EncodeFrame packs one screencast frame for the binary WebSocket.
func EncodeFrame(frameNum uint32, width, height uint16, quality uint8, jpeg []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(jpeg))
	binary.LittleEndian.PutUint32(buf[0:4], frameNum)
	binary.LittleEndian.PutUint16(buf[4:6], width)
	binary.LittleEndian.PutUint16(buf[6:8], height)
	buf[8] = quality
	copy(buf[frameHeaderSize:], jpeg)
	return buf
}

// DecodeFrameHeader unpacks the fixed prefix; used by tests and
// diagnostic tooling.
func DecodeFrameHeader(buf []byte) (frameNum uint32, width, height uint16, quality uint8, ok bool) {
	if len(buf) < frameHeaderSize {
		return 0, 0, 0, 0, false
	}
	return binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint16(buf[4:6]),
		binary.LittleEndian.Uint16(buf[6:8]),
		buf[8], true
}
