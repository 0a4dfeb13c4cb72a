// internal/loke/transfer.go
// Bulk transfer engine: streams a reader of known length to the device
// without buffering the whole image. Control traffic is acknowledged;
// bulk chunks may be silently accepted.
package loke

import (
	"context"
	"fmt"
	"io"
	"time"

	"odinflash/internal/link"
	"odinflash/internal/observer"
)

const (
	// BulkChunkSize is mandatory for images over BulkThreshold: larger
	// chunks saturate the host driver.
	BulkChunkSize = 128 * 1024

	// BulkThreshold selects bulk chunking; smaller images go out in
	// control-sized chunks.
	BulkThreshold = 1 << 20

	// LargeImageBytes triggers the relaxed timeouts and the post-transfer
	// purge epilogue.
	LargeImageBytes = 100 << 20

	// SkippableImageBytes: at or above this size a repeated stall skips
	// the remainder and reports per-image failure instead of killing the
	// whole session.
	SkippableImageBytes = 1 << 30

	// KeepAlive is sent when the device has been quiet across a long gap
	// between writes so it does not assume the host hung.
	KeepAlive = 0x64

	// KeepAliveGap is the write-to-write gap that provokes a keep-alive.
	KeepAliveGap = 400 * time.Millisecond

	// ackPollEvery is the chunk interval for draining status bytes.
	ackPollEvery = 10

	// progressStep caps progress emission to once per MiB.
	progressStep = 1 << 20

	// epilogueDelay follows the large-image purge before the next DATA.
	epilogueDelay = 500 * time.Millisecond
)

// ChunkSizeFor returns the wire chunk size the engine uses for an image of
// the given length.
func ChunkSizeFor(size int64) int {
	if size > BulkThreshold {
		return BulkChunkSize
	}
	return PacketSize
}

// WriteImage streams size bytes from r to the device as the image called
// name. The reader must yield exactly size bytes before EOF. Cancellation
// is honoured between chunks only: stopping mid-chunk would leave the
// device waiting for payload it will never get.
func (s *Session) WriteImage(ctx context.Context, name string, size int64, r io.Reader) error {
	if s.state != StateGreeted {
		return newProtocolError(ErrCodeUnexpectedState, fmt.Sprintf("write image while %s", s.state), nil)
	}

	if size > LargeImageBytes {
		if err := s.t.SetTimeouts(link.LargeReadTimeout, 0); err != nil {
			return s.fault(err)
		}
		defer s.t.SetTimeouts(link.DefaultReadTimeout, link.DefaultWriteTimeout)
	}

	// The size field is 32 bits on the wire. Images past 4 GiB stream at
	// their true length anyway; the device stops honouring the declared
	// size beyond that, so the truncation is deliberate.
	if err := s.t.Write(EncodePacket(CmdBeginImage, uint32(size), 0)); err != nil {
		return s.fault(err)
	}
	b, got, err := AwaitAck(s.t, AckTimeout)
	if err != nil {
		return s.fault(err)
	}
	if !got || b != Ack {
		return s.fault(newProtocolError(ErrCodeBadAck, fmt.Sprintf("DATA start for %s", name), nil))
	}

	s.state = StateTransferring
	err = s.streamBody(ctx, name, size, r)
	if err != nil {
		switch {
		case CodeOf(err) == ErrCodeImageAborted:
			// Per-image failure: the session survives and the caller may
			// move on to the next image.
			s.state = StateGreeted
		case link.KindOf(err) == link.KindCancelled:
			// The owner still gets to send ENDS so the device is not
			// left waiting for payload.
			s.state = StateGreeted
		default:
			s.state = StateFaulted
		}
		return err
	}

	if size > LargeImageBytes {
		if err := s.t.Purge(true, true, true); err != nil {
			s.state = StateFaulted
			return err
		}
		time.Sleep(epilogueDelay)
	}

	s.state = StateGreeted
	s.obs.Logf(observer.LevelSuccess, "%s: %d bytes written", name, size)
	return nil
}

func (s *Session) streamBody(ctx context.Context, name string, size int64, r io.Reader) error {
	chunkSize := ChunkSizeFor(size)
	buf := make([]byte, chunkSize)
	var one [1]byte

	var sent int64
	var lastProgress int64 = -1
	chunks := 0
	lastWrite := time.Now()

	for sent < size {
		select {
		case <-ctx.Done():
			return link.NewError(link.KindCancelled, "transfer "+name, ctx.Err())
		default:
		}

		want := chunkSize
		if remain := size - sent; remain < int64(want) {
			want = int(remain)
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return fmt.Errorf("reading %s at offset %d: %w", name, sent, err)
		}

		// A slow source (disk, decompression) can starve the device of
		// traffic. If the gap is long and the device has sent nothing,
		// one keep-alive byte tells it the host is still there.
		if time.Since(lastWrite) > KeepAliveGap {
			n, err := s.t.ReadAvailable(one[:])
			if err != nil {
				return err
			}
			if n == 0 {
				if err := s.t.Write([]byte{KeepAlive}); err != nil {
					return err
				}
			} else if one[0] != Ack {
				s.obs.Logf(observer.LevelWarning, "%s: unexpected status byte 0x%02X", name, one[0])
			}
		}

		if err := s.writeChunk(name, size, buf[:want], chunks); err != nil {
			return err
		}
		sent += int64(want)
		chunks++
		lastWrite = time.Now()

		// Occasional status bytes trickle in during bulk traffic and are
		// sometimes corrupted; log and carry on.
		if chunks%ackPollEvery == 0 {
			n, err := s.t.ReadAvailable(one[:])
			if err != nil {
				return err
			}
			if n > 0 && one[0] != Ack {
				s.obs.Logf(observer.LevelWarning, "%s: unexpected status byte 0x%02X", name, one[0])
			}
		}

		if sent-lastProgress >= progressStep {
			s.obs.Progress(sent, size)
			lastProgress = sent
		}
	}

	if lastProgress != sent {
		s.obs.Progress(sent, size)
	}

	// Some models acknowledge the end of the stream, some stay silent;
	// either is fine for bulk traffic.
	if _, _, err := AwaitAck(s.t, AckTimeout); err != nil && !link.IsTransient(err) {
		return err
	}
	return nil
}

// writeChunk writes one chunk, running the recovery procedure and retrying
// the same chunk once on a transient stall. A second consecutive stall is
// fatal for ordinary images; for very large ones it aborts just this image.
func (s *Session) writeChunk(name string, size int64, chunk []byte, index int) error {
	err := s.t.Write(chunk)
	if err == nil {
		return nil
	}
	if !link.IsTransient(err) {
		return err
	}

	s.obs.Logf(observer.LevelWarning, "%s: chunk %d stalled: %v", name, index, err)
	if rerr := s.Recover(err); rerr != nil {
		return rerr
	}
	s.state = StateTransferring

	if err := s.t.Write(chunk); err != nil {
		if link.IsTransient(err) && size >= SkippableImageBytes {
			return newProtocolError(ErrCodeImageAborted,
				fmt.Sprintf("DATA stream for %s at chunk %d", name, index), err)
		}
		return err
	}
	return nil
}
