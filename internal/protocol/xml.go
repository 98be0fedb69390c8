package protocol

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"wlrelay/internal/wire"
)

type xmlProtocol struct {
	Name       string         `xml:"name,attr"`
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Name     string       `xml:"name,attr"`
	Version  string       `xml:"version,attr"`
	Requests []xmlMessage `xml:"request"`
	Events   []xmlMessage `xml:"event"`
}

type xmlMessage struct {
	Name  string   `xml:"name,attr"`
	Type  string   `xml:"type,attr"`
	Since string   `xml:"since,attr"`
	Args  []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Interface string `xml:"interface,attr"`
	AllowNull string `xml:"allow-null,attr"`
}

var xmlArgTypes = map[string]wire.ArgType{
	"int":    wire.ArgInt,
	"uint":   wire.ArgUint,
	"fixed":  wire.ArgFixed,
	"string": wire.ArgString,
	"object": wire.ArgObject,
	"new_id": wire.ArgNewID,
	"array":  wire.ArgArray,
	"fd":     wire.ArgFd,
}

// ParseXML reads a protocol definition in the wayland-scanner XML format.
func ParseXML(r io.Reader) ([]*Interface, error) {
	var p xmlProtocol
	if err := xml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("protocol: parse xml: %w", err)
	}
	out := make([]*Interface, 0, len(p.Interfaces))
	for _, xi := range p.Interfaces {
		iface := &Interface{Name: xi.Name, Version: parseUint(xi.Version, 1)}
		for _, xm := range xi.Requests {
			m, err := xm.message()
			if err != nil {
				return nil, fmt.Errorf("protocol: %s.%s: %w", xi.Name, xm.Name, err)
			}
			iface.Requests = append(iface.Requests, m)
		}
		for _, xm := range xi.Events {
			m, err := xm.message()
			if err != nil {
				return nil, fmt.Errorf("protocol: %s.%s: %w", xi.Name, xm.Name, err)
			}
			iface.Events = append(iface.Events, m)
		}
		out = append(out, iface)
	}
	return out, nil
}

func (xm xmlMessage) message() (Message, error) {
	m := Message{
		Name:       xm.Name,
		Destructor: xm.Type == "destructor",
		Since:      parseUint(xm.Since, 1),
	}
	for _, xa := range xm.Args {
		t, ok := xmlArgTypes[xa.Type]
		if !ok {
			return Message{}, fmt.Errorf("arg %s: unknown type %q", xa.Name, xa.Type)
		}
		if t == wire.ArgNewID && xa.Interface == "" {
			// untyped new_id travels as interface name, version, id
			m.Args = append(m.Args, wire.ArgSpec{Type: wire.ArgString}, wire.ArgSpec{Type: wire.ArgUint})
		}
		m.Args = append(m.Args, wire.ArgSpec{
			Type:      t,
			Nullable:  xa.AllowNull == "true",
			Interface: xa.Interface,
		})
	}
	return m, nil
}

func parseUint(s string, fallback uint32) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(v)
}

// LoadFile parses one XML protocol file.
func LoadFile(path string) ([]*Interface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ifaces, err := ParseXML(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ifaces, nil
}

// LoadDir parses every *.xml file below dir.
func LoadDir(dir string) ([]*Interface, error) {
	var out []*Interface
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".xml" {
			return nil
		}
		ifaces, err := LoadFile(path)
		if err != nil {
			return err
		}
		out = append(out, ifaces...)
		return nil
	})
	return out, err
}
