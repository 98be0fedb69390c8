package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"wlrelay/internal/protocol"
	"wlrelay/internal/wire"
)

// LinkType is DLT_USER0, the link type reserved for private encapsulations.
const LinkType = layers.LinkType(147)

const (
	pcapSnapLen   = 65536
	pcapPrefixLen = 12
)

var ErrShortPacket = errors.New("capture: short packet")

// Packet is one message read back from a pcap capture. Payload holds the
// message bytes without descriptors.
//
// Each pcap record is laid out as
//
//	u8  direction (0 client to server, 1 server to client)
//	u8  reserved
//	u16 length of the "interface.message" label, little endian
//	u64 session id, little endian
//	    label
//	    wire message
type Packet struct {
	Time    time.Time
	Session uint64
	From    protocol.Side
	Label   string
	Header  wire.Header
	Payload []byte
}

type pcapSink struct {
	w       *pcapgo.Writer
	scratch []byte
}

func (p *pcapSink) write(w io.Writer, rec Record) error {
	if p.w == nil {
		p.w = pcapgo.NewWriter(w)
		if err := p.w.WriteFileHeader(pcapSnapLen, LinkType); err != nil {
			return fmt.Errorf("pcap header: %w", err)
		}
	}
	label := rec.Interface
	if rec.Name != "" {
		label += "." + rec.Name
	}
	buf := p.scratch[:0]
	buf = append(buf, byte(rec.From), 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(label)))
	buf = binary.LittleEndian.AppendUint64(buf, rec.Session)
	buf = append(buf, label...)
	buf, _, err := wire.AppendMessage(buf, rec.Message)
	if err != nil {
		return err
	}
	p.scratch = buf
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Time,
		CaptureLength: len(buf),
		Length:        len(buf),
	}
	return p.w.WritePacket(ci, buf)
}

// ReadPcap calls fn for every record of a pcap capture.
func ReadPcap(r io.Reader, fn func(Packet) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("pcap: %w", err)
	}
	if pr.LinkType() != LinkType {
		return fmt.Errorf("pcap: unexpected link type %v", pr.LinkType())
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pcap: %w", err)
		}
		pkt, err := parsePacket(data)
		if err != nil {
			return err
		}
		pkt.Time = ci.Timestamp
		if err := fn(pkt); err != nil {
			return err
		}
	}
}

func parsePacket(data []byte) (Packet, error) {
	if len(data) < pcapPrefixLen {
		return Packet{}, ErrShortPacket
	}
	labelLen := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < pcapPrefixLen+labelLen+wire.HeaderSize {
		return Packet{}, ErrShortPacket
	}
	pkt := Packet{
		Session: binary.LittleEndian.Uint64(data[4:12]),
		From:    protocol.Side(data[0] & 1),
		Label:   string(data[pcapPrefixLen : pcapPrefixLen+labelLen]),
	}
	msg := data[pcapPrefixLen+labelLen:]
	h, err := wire.DecodeHeader(msg)
	if err != nil {
		return Packet{}, err
	}
	pkt.Header = h
	pkt.Payload = msg[wire.HeaderSize:]
	return pkt, nil
}
