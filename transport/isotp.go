package transport

import (
	"context"
	"errors"
	"time"
)

// ISO-TP (ISO 15765-2) protocol control information frame types.
const (
	pciSingleFrame     byte = 0x0
	pciFirstFrame      byte = 0x1
	pciConsecutiveFrame byte = 0x2
	pciFlowControl     byte = 0x3
)

const flowControlWaitTimeout = 10 * time.Second

var (
	errFlowControlTimeout   = errors.New("isotp: timeout waiting for flow control frame")
	errConsecutiveTimeout   = errors.New("isotp: timeout waiting for consecutive frame")
	errUnexpectedFrameIndex = errors.New("isotp: consecutive frame out of sequence")
)

// canFrameSink is the minimal capability isotpSend/isotpReceive need from a
// concrete CAN-carrying adapter: send one 8-byte CAN frame, and receive a
// stream of them for one CAN arbitration id.
type canFrameSink interface {
	sendCANFrame(ctx context.Context, id uint32, data []byte) error
	subscribeCANFrames() (<-chan canFrame, func())
}

type canFrame struct {
	id   uint32
	data []byte
}

// isotpSend segments a UDS byte payload into ISO-TP frames and sends them
// to txID, awaiting a flow-control frame from rxID when a first frame is
// needed: the standard single/first/flow-control/consecutive sequence,
// generalized onto an arbitrary sink rather than one global driver.
func isotpSend(ctx context.Context, sink canFrameSink, txID, rxID uint32, data []byte) error {
	if len(data) <= 7 {
		frame := make([]byte, 1+len(data))
		frame[0] = pciSingleFrame | byte(len(data)&0x0F)
		copy(frame[1:], data)
		return sink.sendCANFrame(ctx, txID, frame)
	}

	first := make([]byte, 8)
	first[0] = (pciFirstFrame << 4) | byte((len(data)>>8)&0x0F)
	first[1] = byte(len(data) & 0xFF)
	copy(first[2:], data[:6])
	if err := sink.sendCANFrame(ctx, txID, first); err != nil {
		return err
	}

	separationTime, err := waitForFlowControl(ctx, sink, rxID)
	if err != nil {
		return err
	}

	return sendConsecutiveFrames(ctx, sink, txID, data, separationTime)
}

func waitForFlowControl(ctx context.Context, sink canFrameSink, rxID uint32) (byte, error) {
	ch, unsub := sink.subscribeCANFrames()
	defer unsub()

	waitCtx, cancel := context.WithTimeout(ctx, flowControlWaitTimeout)
	defer cancel()

	for {
		select {
		case frame := <-ch:
			if frame.id != rxID || len(frame.data) < 3 {
				continue
			}
			if (frame.data[0]>>4)&0x0F != pciFlowControl {
				continue
			}
			return frame.data[2], nil
		case <-waitCtx.Done():
			return 0, errFlowControlTimeout
		}
	}
}

func separationDelay(separationTime byte) time.Duration {
	switch {
	case separationTime <= 0x7F:
		return time.Duration(separationTime) * time.Millisecond
	case separationTime >= 0xF1 && separationTime <= 0xF9:
		return time.Duration(100*(int(separationTime)-0xF0)) * time.Microsecond
	default:
		return 10 * time.Millisecond
	}
}

func sendConsecutiveFrames(ctx context.Context, sink canFrameSink, txID uint32, data []byte, separationTime byte) error {
	frameIndex := byte(1)
	sent := 6
	total := len(data)

	for sent < total {
		chunk := total - sent
		if chunk > 7 {
			chunk = 7
		}
		frame := make([]byte, 1+chunk)
		frame[0] = (pciConsecutiveFrame << 4) | (frameIndex & 0x0F)
		copy(frame[1:], data[sent:sent+chunk])

		if err := sink.sendCANFrame(ctx, txID, frame); err != nil {
			return err
		}

		sent += chunk
		frameIndex = (frameIndex + 1) % 16
		time.Sleep(separationDelay(separationTime))
	}
	return nil
}

// isotpReceive reassembles one complete UDS frame arriving from rxID,
// sending flow control back on txID when the response spans multiple CAN
// frames.
func isotpReceive(ctx context.Context, sink canFrameSink, txID, rxID uint32) ([]byte, error) {
	ch, unsub := sink.subscribeCANFrames()
	defer unsub()

	for {
		select {
		case frame := <-ch:
			if frame.id != rxID || len(frame.data) == 0 {
				continue
			}
			pci := (frame.data[0] >> 4) & 0x0F
			switch pci {
			case pciSingleFrame:
				length := frame.data[0] & 0x0F
				if int(length)+1 > len(frame.data) {
					continue
				}
				return append([]byte(nil), frame.data[1:1+length]...), nil
			case pciFirstFrame:
				return receiveConsecutive(ctx, sink, txID, rxID, frame, ch)
			default:
				continue
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func receiveConsecutive(ctx context.Context, sink canFrameSink, txID, rxID uint32, first canFrame, ch <-chan canFrame) ([]byte, error) {
	if len(first.data) < 2 {
		return nil, errors.New("isotp: truncated first frame")
	}
	length := (uint16(first.data[0]&0x0F) << 8) | uint16(first.data[1])
	data := make([]byte, length)
	copied := copy(data, first.data[2:])

	if err := sendFlowControl(ctx, sink, txID); err != nil {
		return nil, err
	}

	frameIndex := byte(1)
	for copied < int(length) {
		waitCtx, cancel := context.WithTimeout(ctx, flowControlWaitTimeout)
		select {
		case frame := <-ch:
			if frame.id != rxID || len(frame.data) == 0 {
				cancel()
				continue
			}
			pci := (frame.data[0] >> 4) & 0x0F
			if pci != pciConsecutiveFrame {
				cancel()
				continue
			}
			seq := frame.data[0] & 0x0F
			if seq != frameIndex {
				cancel()
				return nil, errUnexpectedFrameIndex
			}
			chunk := int(length) - copied
			if chunk > 7 {
				chunk = 7
			}
			copy(data[copied:], frame.data[1:1+chunk])
			copied += chunk
			frameIndex = (frameIndex + 1) % 16
			cancel()
		case <-waitCtx.Done():
			cancel()
			return nil, errConsecutiveTimeout
		}
	}
	return data, nil
}

func sendFlowControl(ctx context.Context, sink canFrameSink, txID uint32) error {
	frame := []byte{pciFlowControl << 4, 0x00, 0x00}
	return sink.sendCANFrame(ctx, txID, frame)
}
