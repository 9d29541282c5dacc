// Package replay serves previously broadcast scans from a packet capture, so
// the relay and its clients can be exercised without a sensor attached.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/scanrelay/internal/frame"
	"github.com/banshee-data/scanrelay/internal/scan"
)

// ErrNoBatches is returned when a capture holds no complete batch.
var ErrNoBatches = errors.New("replay: capture holds no complete batch")

type flowKey struct {
	src, dst gopacket.Endpoint
	sport    layers.TCPPort
	dport    layers.TCPPort
}

// ReadCaptureFile loads the batches of one broadcast stream from a classic
// pcap file. See ReadCapture.
func ReadCaptureFile(path string, port int) ([][]scan.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer f.Close()
	return ReadCapture(f, port)
}

// ReadCapture reassembles the payload of the first TCP stream whose source
// port is port (any port when port is 0) and decodes it into batches. When
// the capture starts mid-stream, data up to the first batch terminator is
// dropped.
func ReadCapture(r io.Reader, port int) ([][]scan.Measurement, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var (
		stream  bytes.Buffer
		flow    *flowKey
		nextSeq uint32
		sawSYN  bool
		haveSeq bool
	)

	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A capture cut short by the recorder still yields its whole packets.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet: %w", err)
		}

		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || packet.NetworkLayer() == nil {
			continue
		}
		if port != 0 && int(tcp.SrcPort) != port {
			continue
		}

		key := flowKey{
			src:   packet.NetworkLayer().NetworkFlow().Src(),
			dst:   packet.NetworkLayer().NetworkFlow().Dst(),
			sport: tcp.SrcPort,
			dport: tcp.DstPort,
		}
		if flow == nil {
			flow = &key
		} else if *flow != key {
			continue
		}

		if tcp.SYN {
			sawSYN = true
			nextSeq = tcp.Seq + 1
			haveSeq = true
			continue
		}
		payload := tcp.Payload
		if len(payload) == 0 {
			continue
		}
		if !haveSeq {
			nextSeq = tcp.Seq
			haveSeq = true
		}
		// Drop retransmitted bytes already taken.
		if diff := int32(nextSeq - tcp.Seq); diff > 0 {
			if int(diff) >= len(payload) {
				continue
			}
			payload = payload[diff:]
		}
		stream.Write(payload)
		nextSeq = tcp.Seq + uint32(len(tcp.Payload))
	}

	data := stream.Bytes()
	if !sawSYN {
		i := bytes.IndexByte(data, frame.Terminator)
		if i < 0 {
			return nil, ErrNoBatches
		}
		data = data[i+1:]
	}

	var batches [][]scan.Measurement
	dec := frame.NewDecoder(bytes.NewReader(data))
	for {
		ms, err := dec.ReadBatch(nil)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		if len(ms) > 0 {
			batches = append(batches, ms)
		}
	}
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	return batches, nil
}
