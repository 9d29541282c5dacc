// Package rplidar drives Slamtec RPLIDAR A-series range sensors over a
// serial link using the standard scan protocol.
package rplidar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/scan"
)

// stopQuiet is how long the device needs after STOP before it accepts the
// next request.
const stopQuiet = 2 * time.Millisecond

// Config configures a Driver.
type Config struct {
	Port PortOptions
	// Opener opens the serial device. Nil selects OpenSerial.
	Opener Opener
	Logger *zerolog.Logger
}

// Driver implements device.Driver and device.Resetter. It is not safe for
// concurrent use.
type Driver struct {
	opts   PortOptions
	opener Opener
	log    zerolog.Logger

	port     Port
	r        *bufio.Reader
	scanning bool
	carry    *node
	skipped  uint64
}

var (
	_ device.Driver   = (*Driver)(nil)
	_ device.Resetter = (*Driver)(nil)
)

// New validates the serial options and returns an unconnected driver.
func New(cfg Config) (*Driver, error) {
	opts, err := cfg.Port.Normalize()
	if err != nil {
		return nil, err
	}
	d := &Driver{
		opts:   opts,
		opener: cfg.Opener,
		log:    monitoring.Component("rplidar"),
	}
	if d.opener == nil {
		d.opener = OpenSerial
	}
	if cfg.Logger != nil {
		d.log = *cfg.Logger
	}
	return d, nil
}

// Connect opens path at baud. An existing link is closed first.
func (d *Driver) Connect(path string, baud int) error {
	if d.port != nil {
		d.Disconnect()
	}
	mode, err := d.opts.SerialMode(baud)
	if err != nil {
		return err
	}
	p, err := d.opener(path, mode)
	if err != nil {
		return fmt.Errorf("open %s at %d baud: %w", path, baud, err)
	}
	if tp, ok := p.(TimeoutPort); ok {
		if err := tp.SetReadTimeout(d.opts.ReadTimeout); err != nil {
			p.Close()
			return fmt.Errorf("set read timeout: %w", err)
		}
	}
	d.port = p
	d.r = bufio.NewReaderSize(timeoutReader{r: p}, 4096)
	d.scanning = false
	d.carry = nil
	d.log.Debug().Str("path", path).Int("baud", baud).Msg("serial link open")
	return nil
}

// Disconnect closes the link. It is a no-op when not connected.
func (d *Driver) Disconnect() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.r = nil
	d.scanning = false
	d.carry = nil
	return err
}

// DeviceInfo sends GET_INFO and decodes the reply.
func (d *Driver) DeviceInfo() (device.Info, error) {
	var info device.Info
	b, err := d.query(cmdGetInfo, ansTypeDevInfo, devInfoSize)
	if err != nil {
		return info, fmt.Errorf("get info: %w", err)
	}
	info.Model = b[0]
	info.Firmware = uint16(b[2])<<8 | uint16(b[1])
	info.Hardware = b[3]
	copy(info.Serial[:], b[4:20])
	return info, nil
}

// Health sends GET_HEALTH and decodes the reply.
func (d *Driver) Health() (device.Health, error) {
	b, err := d.query(cmdGetHealth, ansTypeDevHealth, devHealthSize)
	if err != nil {
		return device.Health{}, fmt.Errorf("get health: %w", err)
	}
	return device.Health{
		Status: device.HealthStatus(b[0]),
		Code:   binary.LittleEndian.Uint16(b[1:3]),
	}, nil
}

func (d *Driver) query(cmd, typ byte, size int) ([]byte, error) {
	if d.port == nil {
		return nil, ErrNotConnected
	}
	if d.scanning {
		return nil, fmt.Errorf("rplidar: command 0x%02X not allowed while scanning", cmd)
	}
	if err := d.send(cmd, nil); err != nil {
		return nil, err
	}
	desc, err := d.readDescriptor()
	if err != nil {
		return nil, err
	}
	if err := desc.expect(typ, uint32(size)); err != nil {
		return nil, err
	}
	b := make([]byte, desc.size)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return b, nil
}

// StartScan starts a standard or forced scan and checks the measurement
// descriptor.
func (d *Driver) StartScan(mode device.ScanMode) error {
	if d.port == nil {
		return ErrNotConnected
	}
	if d.scanning {
		return nil
	}
	cmd := byte(cmdScan)
	if mode == device.ScanForce {
		cmd = cmdForceScan
	}
	if err := d.send(cmd, nil); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	desc, err := d.readDescriptor()
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if err := desc.expect(ansTypeMeasure, nodeSize); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if desc.sendMode != sendModeMultiple {
		return fmt.Errorf("start scan: %w: single-response mode", ErrBadDescriptor)
	}
	d.scanning = true
	d.carry = nil
	return nil
}

// GrabBatch reads one revolution into dst: nodes from one start flag up to,
// not including, the next. The node carrying the next start flag opens the
// following batch. A full arena also ends the batch; the node that did not
// fit, and the rest of its revolution, open the following one.
func (d *Driver) GrabBatch(dst *scan.Batch) error {
	if d.port == nil {
		return ErrNotConnected
	}
	if !d.scanning {
		return ErrNotScanning
	}
	dst.Reset()
	started := false
	if d.carry != nil {
		dst.Append(d.carry.m)
		d.carry = nil
		started = true
	}
	for {
		n, err := d.readNode()
		if err != nil {
			return fmt.Errorf("grab batch: %w", err)
		}
		if n.start {
			if started {
				d.carry = &n
				return nil
			}
			started = true
		}
		if !started {
			continue
		}
		if !dst.Append(n.m) {
			d.carry = &n
			return nil
		}
	}
}

// readNode returns the next node that passes the flag and check-bit tests,
// shifting one byte at a time to regain alignment.
func (d *Driver) readNode() (node, error) {
	var b [nodeSize]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return node{}, err
	}
	for shifted := 0; ; shifted++ {
		if n, ok := parseNode(b[:]); ok {
			return n, nil
		}
		if shifted >= maxSyncSkip {
			return node{}, fmt.Errorf("rplidar: no valid node in %d bytes", maxSyncSkip)
		}
		d.skipped++
		copy(b[:], b[1:])
		c, err := d.r.ReadByte()
		if err != nil {
			return node{}, err
		}
		b[nodeSize-1] = c
	}
}

// SortBatch orders b by angle. Like the vendor SDK it refuses a sweep with
// no range reading at all.
func (d *Driver) SortBatch(b *scan.Batch) error {
	if b.ValidCount() == 0 {
		return ErrNoValidSample
	}
	b.SortByAngle()
	return nil
}

// Stop ends the scan and drops buffered scan data.
func (d *Driver) Stop() error {
	if d.port == nil {
		return nil
	}
	err := d.send(cmdStop, nil)
	d.scanning = false
	d.carry = nil
	time.Sleep(stopQuiet)
	d.flushInput()
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Reset reboots the device core.
func (d *Driver) Reset() error {
	if d.port == nil {
		return ErrNotConnected
	}
	d.scanning = false
	d.carry = nil
	if err := d.send(cmdReset, nil); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SetMotorPWM drives the accessory board motor of A2/A3 units.
func (d *Driver) SetMotorPWM(pwm uint16) error {
	if d.port == nil {
		return ErrNotConnected
	}
	if pwm > MaxMotorPWM {
		pwm = MaxMotorPWM
	}
	var payload [2]byte
	binary.LittleEndian.PutUint16(payload[:], pwm)
	if err := d.send(cmdSetMotorPWM, payload[:]); err != nil {
		return fmt.Errorf("set motor pwm: %w", err)
	}
	return nil
}

// SetMotorDTR switches the motor of A1 units, which is enabled by holding
// DTR low.
func (d *Driver) SetMotorDTR(on bool) error {
	if d.port == nil {
		return ErrNotConnected
	}
	dp, ok := d.port.(DTRPort)
	if !ok {
		return fmt.Errorf("rplidar: port %T cannot drive DTR", d.port)
	}
	return dp.SetDTR(!on)
}

// Skipped returns the number of bytes discarded while regaining node
// alignment.
func (d *Driver) Skipped() uint64 { return d.skipped }

func (d *Driver) send(cmd byte, payload []byte) error {
	_, err := d.port.Write(request(cmd, payload))
	return err
}

// readDescriptor waits for the A5 5A header, discarding noise before it.
func (d *Driver) readDescriptor() (descriptor, error) {
	hdr := make([]byte, descLen)
	for skipped := 0; ; skipped++ {
		c, err := d.r.ReadByte()
		if err != nil {
			return descriptor{}, fmt.Errorf("read descriptor: %w", err)
		}
		if c != syncByte {
			if skipped >= maxSyncSkip {
				return descriptor{}, ErrBadDescriptor
			}
			continue
		}
		next, err := d.r.Peek(1)
		if err != nil {
			return descriptor{}, fmt.Errorf("read descriptor: %w", err)
		}
		if next[0] == syncByte2 {
			break
		}
	}
	hdr[0] = syncByte
	if _, err := io.ReadFull(d.r, hdr[1:]); err != nil {
		return descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	return parseDescriptor(hdr)
}

type inputFlusher interface {
	ResetInputBuffer() error
}

func (d *Driver) flushInput() {
	if f, ok := d.port.(inputFlusher); ok {
		if err := f.ResetInputBuffer(); err != nil {
			d.log.Debug().Err(err).Msg("reset input buffer")
		}
	}
	d.r.Reset(timeoutReader{r: d.port})
}
