package audioproc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Minimal Ogg demuxer: enough of RFC 3533 to hand the Opus packets inside
// an Ogg Opus file to libopus, which only decodes bare packets. Page
// checksums are not verified; a corrupt page surfaces as a decode error
// downstream instead.

const (
	oggHeaderSize = 27

	// pageContinued marks a page whose first segment continues the last
	// packet of the previous page.
	pageContinued = 0x01
)

var oggCapture = [4]byte{'O', 'g', 'g', 'S'}

// oggPacketReader assembles logical packets from the page stream.
type oggPacketReader struct {
	r io.Reader

	// pending holds the segments of the current page not yet consumed.
	pending []segment
	// partial accumulates a packet spanning page boundaries.
	partial []byte
}

func newOggPacketReader(r io.Reader) *oggPacketReader {
	return &oggPacketReader{r: r}
}

// Next returns the next complete packet, or io.EOF at end of stream.
func (o *oggPacketReader) Next() ([]byte, error) {
	for {
		for len(o.pending) > 0 {
			seg := o.pending[0]
			o.pending = o.pending[1:]

			o.partial = append(o.partial, seg.data...)
			if seg.last {
				packet := o.partial
				o.partial = nil
				return packet, nil
			}
		}

		if err := o.readPage(); err != nil {
			if err == io.EOF && len(o.partial) > 0 {
				// Truncated final packet: drop it rather than hand a
				// partial frame to the decoder.
				o.partial = nil
			}
			return nil, err
		}
	}
}

// segment is one lacing-table entry's worth of payload. last marks the
// end of a logical packet (lacing value < 255).
type segment struct {
	data []byte
	last bool
}

// readPage parses one page into o.pending.
func (o *oggPacketReader) readPage() error {
	header := make([]byte, oggHeaderSize)
	if _, err := io.ReadFull(o.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	if [4]byte(header[0:4]) != oggCapture {
		return fmt.Errorf("audioproc: bad ogg capture pattern %q", header[0:4])
	}
	if header[4] != 0 {
		return fmt.Errorf("audioproc: unsupported ogg version %d", header[4])
	}

	headerType := header[5]
	numSegments := int(header[26])

	lacing := make([]byte, numSegments)
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("audioproc: reading lacing table: %w", err)
	}

	payloadLen := 0
	for _, l := range lacing {
		payloadLen += int(l)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(o.r, payload); err != nil {
		return fmt.Errorf("audioproc: reading page payload: %w", err)
	}

	// A page that does not continue a packet must not inherit a stale
	// partial from a damaged stream.
	if headerType&pageContinued == 0 && len(o.partial) > 0 {
		o.partial = nil
	}

	pos := 0
	for _, l := range lacing {
		o.pending = append(o.pending, segment{
			data: payload[pos : pos+int(l)],
			last: l < 255,
		})
		pos += int(l)
	}
	return nil
}

// opusHead is the identification header from the first packet of an Ogg
// Opus stream (RFC 7845 section 5.1).
type opusHead struct {
	channels int
	preSkip  int
}

func parseOpusHead(packet []byte) (opusHead, error) {
	if len(packet) < 19 || string(packet[0:8]) != "OpusHead" {
		return opusHead{}, fmt.Errorf("audioproc: first ogg packet is not an OpusHead")
	}
	if packet[8] != 1 {
		return opusHead{}, fmt.Errorf("audioproc: unsupported OpusHead version %d", packet[8])
	}
	channels := int(packet[9])
	if channels < 1 || channels > 2 {
		return opusHead{}, fmt.Errorf("audioproc: unsupported opus channel count %d", channels)
	}
	return opusHead{
		channels: channels,
		preSkip:  int(binary.LittleEndian.Uint16(packet[10:12])),
	}, nil
}

func isOpusTags(packet []byte) bool {
	return len(packet) >= 8 && string(packet[0:8]) == "OpusTags"
}
