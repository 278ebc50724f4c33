package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"sovdgw/canbus"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Byte-stuffing framing constants for the serial CAN bridge link.
const (
	serialStartMarker byte = 0x7E
	serialEndMarker   byte = 0x7F
	serialEscapeChar  byte = 0x1B
)

// usbVendorIDs lists the USB VIDs recognised as a CAN-to-serial bridge.
var usbVendorIDs = map[string]bool{
	"2341": true, // Arduino
	"1A86": true, // CH340
	"2A03": true, // Arduino (alt)
}

// SerialISOTPAdapter is a byte-stuffed serial link to a CAN bridge
// carrying ISO-TP-segmented UDS frames, configurable with an arbitrary
// tester/ECU id pair rather than one hardcoded pair.
type SerialISOTPAdapter struct {
	port   serial.Port
	reader *bufio.Reader

	txID uint32 // CAN id this adapter transmits requests on (tester -> ECU)
	rxID uint32 // CAN id this adapter expects responses on (ECU -> tester)

	writeMu sync.Mutex

	canFrames *broadcaster // raw CAN frames, keyed only by arbitration id
	udsFrames *broadcaster // reassembled complete UDS frames

	pendingMu sync.Mutex // serialises concurrent SendAndAwaitResponse calls

	cancel   context.CancelFunc
	readDone sync.WaitGroup

	onLag func()
}

// SerialISOTPConfig describes the addressing for one ECU over a shared
// serial CAN bridge. Physical address is translated to the 29-bit
// extended CAN identifier pair via canbus's normal fixed addressing
// scheme unless TxID/RxID are supplied directly (e.g. for a bench ECU
// simulator using a non-standard pair).
type SerialISOTPConfig struct {
	BaudRate      int
	ECUAddress    uint8
	TxID          uint32
	RxID          uint32
	OnLag         func()
}

func (c SerialISOTPConfig) resolveAddressing() (txID, rxID uint32) {
	if c.TxID != 0 || c.RxID != 0 {
		return c.TxID, c.RxID
	}
	return canbus.TesterToECU(c.ECUAddress), canbus.ECUToTester(c.ECUAddress)
}

// OpenSerialISOTP discovers a CAN bridge on the USB bus and opens it.
func OpenSerialISOTP(cfg SerialISOTPConfig) (*SerialISOTPAdapter, error) {
	portName, err := findBridgePortName()
	if err != nil {
		return nil, err
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("transport: opening serial port %s: %w", portName, err)
	}
	return newSerialISOTPAdapter(port, cfg), nil
}

func newSerialISOTPAdapter(port serial.Port, cfg SerialISOTPConfig) *SerialISOTPAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	txID, rxID := cfg.resolveAddressing()
	a := &SerialISOTPAdapter{
		port:   port,
		reader: bufio.NewReader(port),
		txID:   txID,
		rxID:   rxID,
		onLag:  cfg.OnLag,
		cancel: cancel,
	}
	a.canFrames = newBroadcaster(a.lag)
	a.udsFrames = newBroadcaster(a.lag)

	a.drainStale()

	a.readDone.Add(1)
	go a.readLoop(ctx)
	return a
}

func (a *SerialISOTPAdapter) lag() {
	if a.onLag != nil {
		a.onLag()
	}
}

// drainStale discards any bytes already queued on the port at startup:
// a prior process may have left queued responses.
func (a *SerialISOTPAdapter) drainStale() {
	_ = a.port.ResetInputBuffer()
}

func findBridgePortName() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB && usbVendorIDs[p.VID] {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("transport: no CAN bridge found on USB ports")
}

func (a *SerialISOTPAdapter) sendCANFrame(ctx context.Context, id uint32, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	frame := stuffFrame(id, data)
	_, err := a.port.Write(frame)
	return err
}

func (a *SerialISOTPAdapter) subscribeCANFrames() (<-chan canFrame, func()) {
	ch := a.canFrames.subscribe()
	typed := make(chan canFrame, 128)
	go func() {
		for raw := range ch {
			if len(raw) < 5 {
				continue
			}
			id := decodeFrameID(raw)
			select {
			case typed <- canFrame{id: id, data: raw[4:]}:
			default:
				a.lag()
			}
		}
		close(typed)
	}()
	return typed, func() { a.canFrames.unsubscribe(ch) }
}

// Send implements transport.Adapter.
func (a *SerialISOTPAdapter) Send(ctx context.Context, frame []byte) error {
	return isotpSend(ctx, a, a.txID, a.rxID, frame)
}

// SendAndAwaitResponse implements transport.Adapter, serialising access to
// the socket so exactly one exchange is outstanding at a time (per the
// concurrency model's ordering guarantee).
func (a *SerialISOTPAdapter) SendAndAwaitResponse(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	ch := a.udsFrames.subscribe()
	defer a.udsFrames.unsubscribe(ch)

	if err := isotpSend(ctx, a, a.txID, a.rxID, frame); err != nil {
		return nil, err
	}

	requestSID := frame[0]
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("transport: timeout awaiting response to sid 0x%02X", requestSID)
		}
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("transport: adapter closed while awaiting response")
			}
			if !MatchesResponse(requestSID, resp) {
				continue
			}
			return resp, nil
		case <-time.After(remaining):
			return nil, fmt.Errorf("transport: timeout awaiting response to sid 0x%02X", requestSID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AwaitResponse implements transport.Adapter: keep listening for the frame
// answering requestSID without sending anything new.
func (a *SerialISOTPAdapter) AwaitResponse(ctx context.Context, requestSID byte, timeout time.Duration) ([]byte, error) {
	ch := a.udsFrames.subscribe()
	defer a.udsFrames.unsubscribe(ch)

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("transport: timeout awaiting response to sid 0x%02X", requestSID)
		}
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("transport: adapter closed while awaiting response")
			}
			if MatchesResponse(requestSID, resp) {
				return resp, nil
			}
		case <-time.After(remaining):
			return nil, fmt.Errorf("transport: timeout awaiting response to sid 0x%02X", requestSID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe implements transport.Adapter: every reassembled UDS frame,
// including ones also consumed by a concurrent SendAndAwaitResponse.
func (a *SerialISOTPAdapter) Subscribe() <-chan []byte {
	return a.udsFrames.subscribe()
}

func (a *SerialISOTPAdapter) Unsubscribe(ch <-chan []byte) {
	if c, ok := ch.(chan []byte); ok {
		a.udsFrames.unsubscribe(c)
	}
}

func (a *SerialISOTPAdapter) Close() error {
	a.cancel()
	a.readDone.Wait()
	a.canFrames.closeAll()
	a.udsFrames.closeAll()
	return a.port.Close()
}

// readLoop continuously reads CAN frames off the wire and (a) republishes
// the raw CAN frame, (b) reassembles complete ISO-TP UDS frames and
// republishes those on udsFrames.
func (a *SerialISOTPAdapter) readLoop(ctx context.Context) {
	defer a.readDone.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, data, err := a.readOneFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		raw := make([]byte, 4+len(data))
		raw[0] = byte(id >> 24)
		raw[1] = byte(id >> 16)
		raw[2] = byte(id >> 8)
		raw[3] = byte(id)
		copy(raw[4:], data)
		a.canFrames.publish(raw)

		if id != a.rxID {
			continue
		}
		if len(data) == 0 {
			continue
		}
		pci := (data[0] >> 4) & 0x0F
		switch pci {
		case pciSingleFrame:
			length := data[0] & 0x0F
			if int(length)+1 <= len(data) {
				a.udsFrames.publish(append([]byte(nil), data[1:1+length]...))
			}
		case pciFirstFrame:
			ch, unsub := a.subscribeCANFrames()
			full, err := receiveConsecutive(ctx, a, a.txID, a.rxID, canFrame{id: id, data: data}, ch)
			unsub()
			if err == nil {
				a.udsFrames.publish(full)
			}
		}
	}
}

func (a *SerialISOTPAdapter) readOneFrame() (uint32, []byte, error) {
	unstuffed, err := a.readAndUnstuff()
	if err != nil {
		return 0, nil, err
	}
	if len(unstuffed) < 6 {
		return 0, nil, fmt.Errorf("transport: incomplete frame")
	}
	id := decodeFrameID(unstuffed)
	dlc := unstuffed[4]
	if int(dlc) > 8 || len(unstuffed) < 5+int(dlc)+1 {
		return 0, nil, fmt.Errorf("transport: malformed frame")
	}
	data := unstuffed[5 : 5+dlc]
	receivedChecksum := unstuffed[5+dlc]
	if calculateCRC8(data) != receivedChecksum {
		return 0, nil, fmt.Errorf("transport: checksum mismatch")
	}
	return id, append([]byte(nil), data...), nil
}

// decodeFrameID reads the 29-bit extended CAN identifier this link encodes
// as 4 big-endian bytes at the start of an unstuffed frame.
func decodeFrameID(raw []byte) uint32 {
	return uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
}

func (a *SerialISOTPAdapter) readAndUnstuff() ([]byte, error) {
	for {
		b, err := a.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == serialStartMarker {
			break
		}
	}

	var unstuffed []byte
	for {
		b, err := a.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case serialEndMarker:
			return unstuffed, nil
		case serialEscapeChar:
			tag, err := a.reader.ReadByte()
			if err != nil {
				return nil, err
			}
			switch tag {
			case 0x01:
				unstuffed = append(unstuffed, serialStartMarker)
			case 0x02:
				unstuffed = append(unstuffed, serialEndMarker)
			case 0x03:
				unstuffed = append(unstuffed, serialEscapeChar)
			default:
				return nil, fmt.Errorf("transport: invalid escape sequence")
			}
		default:
			unstuffed = append(unstuffed, b)
		}
	}
}

func stuffFrame(id uint32, data []byte) []byte {
	out := []byte{serialStartMarker}
	stuff := func(b byte) {
		switch b {
		case serialStartMarker:
			out = append(out, serialEscapeChar, 0x01)
		case serialEndMarker:
			out = append(out, serialEscapeChar, 0x02)
		case serialEscapeChar:
			out = append(out, serialEscapeChar, 0x03)
		default:
			out = append(out, b)
		}
	}

	stuff(byte(id >> 24))
	stuff(byte(id >> 16))
	stuff(byte(id >> 8))
	stuff(byte(id))
	stuff(byte(len(data)))
	for _, b := range data {
		stuff(b)
	}
	stuff(calculateCRC8(data))
	out = append(out, serialEndMarker)
	return out
}

// calculateCRC8 computes the CRC-8-CCITT checksum.
func calculateCRC8(data []byte) byte {
	const polynomial = byte(0x07)
	crc := byte(0x00)
	for _, b := range data {
		crc ^= b
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
