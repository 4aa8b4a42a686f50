// fakebell simulates a doorbell device against a running hub: it performs
// the handshake, streams a canned JPEG while streaming is demanded, and can
// fire bell or motion triggers from the command line.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/technohome/doorbell-hub/internal/protocol"
)

// A valid 1x1 JPEG used when no image file is supplied.
var tinyJpeg = []byte{
	0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 0x4a, 0x46, 0x49, 0x46, 0x00, 0x01, 0x01, 0x01, 0x00, 0x48,
	0x00, 0x48, 0x00, 0x00, 0xff, 0xdb, 0x00, 0x43, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xc0, 0x00, 0x0b,
	0x08, 0x00, 0x01, 0x00, 0x01, 0x01, 0x01, 0x11, 0x00, 0xff, 0xc4, 0x00, 0x1f, 0x00, 0x00, 0x01,
	0x05, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0xff, 0xda, 0x00, 0x08, 0x01, 0x01,
	0x00, 0x00, 0x3f, 0x00, 0xbf, 0xff, 0xd9,
}

type fakeDevice struct {
	conn      net.Conn
	uuid      uint64
	username  string
	frame     []byte
	streaming bool
	bell      bool
	motion    bool

	packet protocol.Packet
}

func main() {
	addr := flag.String("addr", "localhost:2376", "hub device address")
	uuid := flag.Uint64("uuid", 15512, "device uuid")
	username := flag.String("user", "", "username to register with when asked")
	image := flag.String("image", "", "JPEG file to stream (defaults to a built-in pixel)")
	bell := flag.Bool("bell", false, "press the bell once after the handshake")
	motion := flag.Bool("motion", false, "report motion once after the handshake")
	flag.Parse()

	frame := tinyJpeg
	if *image != "" {
		raw, err := os.ReadFile(*image)
		if err != nil {
			log.Fatalf("reading %s: %v", *image, err)
		}
		frame = raw
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	log.Printf("connected to %s as %d", *addr, *uuid)

	d := &fakeDevice{
		conn:     conn,
		uuid:     *uuid,
		username: *username,
		frame:    frame,
		bell:     *bell,
		motion:   *motion,
	}
	d.run()
}

func (d *fakeDevice) run() {
	frames := time.NewTicker(50 * time.Millisecond)
	defer frames.Stop()

	incoming := make(chan []byte, 16)
	go d.readLoop(incoming)

	for {
		select {
		case buf, ok := <-incoming:
			if !ok {
				log.Printf("hub closed the connection")
				return
			}
			d.handle(buf)

		case <-frames.C:
			if d.streaming {
				d.write(protocol.Encode(protocol.TypeImage, d.frame))
			}
		}
	}
}

func (d *fakeDevice) readLoop(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 2048)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		out <- chunk
	}
}

func (d *fakeDevice) handle(buf []byte) {
	d.packet.Append(buf)
	for {
		if !d.packet.Ready() {
			if err := d.packet.TryHeader(); err != nil {
				log.Fatalf("bad frame from hub: %v", err)
			}
			d.packet.TryPayload()
		}
		if !d.packet.Ready() {
			return
		}

		switch d.packet.Type() {
		case protocol.TypeUuid:
			id := make([]byte, 8)
			binary.BigEndian.PutUint64(id, d.uuid)
			d.write(protocol.Encode(protocol.TypeUuid, id))

		case protocol.TypeConfig:
			p := d.packet.Payload()
			if len(p) != 13 {
				log.Fatalf("config payload is %d bytes", len(p))
			}
			needUser := p[0] == 1
			log.Printf("config: need_username=%v bell=%dms motion=%dms relay=%dms",
				needUser,
				int32(binary.BigEndian.Uint32(p[1:5])),
				int32(binary.BigEndian.Uint32(p[5:9])),
				int32(binary.BigEndian.Uint32(p[9:13])))
			if needUser {
				if d.username == "" {
					log.Fatalf("hub wants a username; pass -user")
				}
				// Trailing byte advertises relay capability.
				d.write(protocol.Encode(protocol.TypeUsername, append([]byte(d.username), 1)))
			} else {
				d.operational()
			}

		case protocol.TypeUsername:
			p := d.packet.Payload()
			if len(p) == 1 && p[0] == 1 {
				log.Printf("registered as %s", d.username)
				d.operational()
			} else {
				log.Fatalf("registration rejected")
			}

		case protocol.TypeStartStream:
			log.Printf("stream demanded")
			d.streaming = true

		case protocol.TypeStopStream:
			log.Printf("stream released")
			d.streaming = false

		case protocol.TypeOpenRelay:
			log.Printf("relay opened")

		default:
			log.Printf("unexpected %s frame", d.packet.Type())
		}
		d.packet.Reset()
	}
}

func (d *fakeDevice) operational() {
	// One frame up front so the hub has something to capture.
	d.write(protocol.Encode(protocol.TypeImage, d.frame))
	if d.bell {
		log.Printf("ding dong")
		d.write(protocol.Encode(protocol.TypeBellPressed, nil))
	}
	if d.motion {
		log.Printf("something moved")
		d.write(protocol.Encode(protocol.TypeMotionDetected, nil))
	}
}

func (d *fakeDevice) write(frame []byte) {
	if _, err := d.conn.Write(frame); err != nil {
		log.Fatalf("write: %v", err)
	}
}
