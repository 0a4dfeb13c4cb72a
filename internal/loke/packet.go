// internal/loke/packet.go
// Control-packet framing for the LOKE protocol. Every command travels in a
// fixed 500-byte record: four ASCII command bytes, a big-endian payload
// size, a little-endian sequence id, zero padding to the end.
package loke

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"odinflash/internal/link"
)

const (
	// PacketSize is the fixed length of every control packet and of every
	// padded PIT payload segment.
	PacketSize = 500

	// Ack is the positive-acknowledgement byte returned by the device.
	Ack = 0x06

	cmdLen = 4
)

// Command is one of the four-letter ASCII words the device recognises.
type Command string

const (
	CmdHandshake   Command = "ODIN"
	CmdPitMode     Command = "PITM"
	CmdPitDump     Command = "PITR"
	CmdBeginImage  Command = "DATA"
	CmdEndSession  Command = "ENDS"
	CmdReboot      Command = "REBT"
	handshakeReply         = "LOKE"
)

// EncodePacket builds a 500-byte control packet. Command bytes and the
// payload size are written MSB first, the sequence id LSB first, and the
// remainder is zeroed.
func EncodePacket(cmd Command, payloadSize, seq uint32) []byte {
	pkt := make([]byte, PacketSize)
	copy(pkt[0:cmdLen], cmd)
	binary.BigEndian.PutUint32(pkt[cmdLen:8], payloadSize)
	binary.LittleEndian.PutUint32(pkt[8:12], seq)
	return pkt
}

// DecodePacket recovers (cmd, payloadSize, seq) from a control packet.
func DecodePacket(pkt []byte) (Command, uint32, uint32, error) {
	if len(pkt) != PacketSize {
		return "", 0, 0, fmt.Errorf("loke: control packet must be %d bytes, got %d", PacketSize, len(pkt))
	}
	cmd := Command(pkt[0:cmdLen])
	size := binary.BigEndian.Uint32(pkt[cmdLen:8])
	seq := binary.LittleEndian.Uint32(pkt[8:12])
	return cmd, size, seq, nil
}

// AwaitAck reads one byte within the deadline. A silent link is reported
// as received == false with a nil error: some devices only acknowledge the
// final chunk of a long stream, so absence of data is the caller's call to
// judge. The caller checks the byte against Ack.
func AwaitAck(t link.Transport, timeout time.Duration) (b byte, received bool, err error) {
	var one [1]byte
	if err := t.ReadExact(one[:], timeout); err != nil {
		if link.IsTimeout(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return one[0], true, nil
}

// ExpectASCII reads exactly len(word) bytes and compares.
func ExpectASCII(t link.Transport, word string, timeout time.Duration) error {
	buf := make([]byte, len(word))
	if err := t.ReadExact(buf, timeout); err != nil {
		return err
	}
	if !bytes.Equal(buf, []byte(word)) {
		return fmt.Errorf("loke: expected %q, device sent %q", word, buf)
	}
	return nil
}
