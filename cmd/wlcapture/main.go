package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"wlrelay/internal/capture"
	"wlrelay/internal/compression"
	"wlrelay/internal/protocol"
)

func main() {
	session := flag.Uint64("session", 0, "Only show messages of this session (0 shows all)")
	dump := flag.Bool("hex", false, "Hex dump message payloads of pcap captures")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `wlrelay capture viewer

Usage: wlcapture [options] <capture-file>

Reads text or pcap captures written by wlrelay, compressed or not.

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open capture: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	if err := show(out, f, *session, *dump); err != nil {
		out.Flush()
		fmt.Fprintf(os.Stderr, "Failed to read capture: %v\n", err)
		os.Exit(1)
	}
}

var pcapMagics = [][]byte{
	{0xd4, 0xc3, 0xb2, 0xa1},
	{0x4d, 0x3c, 0xb2, 0xa1},
}

func show(w io.Writer, r io.Reader, session uint64, dump bool) error {
	alg, src, err := compression.Detect(r)
	if err != nil {
		return err
	}
	zr, err := compression.NewReader(src, alg)
	if err != nil {
		return err
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	head, _ := br.Peek(4)
	for _, m := range pcapMagics {
		if bytes.Equal(head, m) {
			return showPcap(w, br, session, dump)
		}
	}
	return showText(w, br, session)
}

func showPcap(w io.Writer, r io.Reader, session uint64, dump bool) error {
	return capture.ReadPcap(r, func(p capture.Packet) error {
		if session != 0 && p.Session != session {
			return nil
		}
		if _, err := io.WriteString(w, formatPacket(p)+"\n"); err != nil {
			return err
		}
		if dump && len(p.Payload) > 0 {
			_, err := io.WriteString(w, hex.Dump(p.Payload))
			return err
		}
		return nil
	})
}

func formatPacket(p capture.Packet) string {
	arrow := " <- "
	if p.From == protocol.Client {
		arrow = " -> "
	}
	label := p.Label
	if label == "" {
		label = "?"
	}
	return fmt.Sprintf("[%s] #%d%s@%d %s op=%d size=%d",
		p.Time.Format("15:04:05.000000"), p.Session, arrow, p.Header.Sender, label, p.Header.Opcode, p.Header.Size)
}

func showText(w io.Writer, r io.Reader, session uint64) error {
	if session == 0 {
		_, err := io.Copy(w, r)
		return err
	}
	want := "] #" + strconv.FormatUint(session, 10) + " "
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if !strings.Contains(sc.Text(), want) {
			continue
		}
		if _, err := fmt.Fprintln(w, sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}
