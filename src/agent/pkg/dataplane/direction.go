// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"encoding/binary"
	"fmt"
)

// DirectionKind is the value the kernel program reads from its "direction"
// global. The program refuses to process packets while it still holds the
// compiled-in default of 255.
type DirectionKind int32

const (
	KindInternet   DirectionKind = 1
	KindIspNetwork DirectionKind = 2
	KindOnAStick   DirectionKind = 3
)

// Direction says which side of the shaper an interface faces. On-a-stick
// setups use a single interface and tell the sides apart by VLAN tag.
type Direction struct {
	Kind         DirectionKind
	InternetVLAN uint16
	IspVLAN      uint16
}

// Internet is the upstream facing interface.
func Internet() Direction { return Direction{Kind: KindInternet} }

// IspNetwork is the customer facing interface.
func IspNetwork() Direction { return Direction{Kind: KindIspNetwork} }

// OnAStick is a single interface carrying both sides on separate VLANs.
func OnAStick(internetVLAN, ispVLAN uint16) Direction {
	return Direction{Kind: KindOnAStick, InternetVLAN: internetVLAN, IspVLAN: ispVLAN}
}

func (d Direction) String() string {
	switch d.Kind {
	case KindInternet:
		return "internet"
	case KindIspNetwork:
		return "isp"
	case KindOnAStick:
		return fmt.Sprintf("on-a-stick(internet=%d,isp=%d)", d.InternetVLAN, d.IspVLAN)
	default:
		return fmt.Sprintf("direction(%d)", d.Kind)
	}
}

// Validate rejects kinds the program does not understand.
func (d Direction) Validate() error {
	switch d.Kind {
	case KindInternet, KindIspNetwork:
		return nil
	case KindOnAStick:
		if d.InternetVLAN == d.IspVLAN {
			return fmt.Errorf("on-a-stick VLANs must differ, both are %d", d.IspVLAN)
		}
		return nil
	default:
		return fmt.Errorf("invalid direction kind %d", d.Kind)
	}
}

// ConfigRegion is the program's shared configuration as written into its
// global variables before load. VLAN tags are kept in network byte order.
type ConfigRegion struct {
	Direction    DirectionKind
	InternetVLAN [2]byte
	IspVLAN      [2]byte
}

// Region encodes d for the kernel program. Only on-a-stick sets VLAN tags.
func (d Direction) Region() ConfigRegion {
	r := ConfigRegion{Direction: d.Kind}
	if d.Kind == KindOnAStick {
		binary.BigEndian.PutUint16(r.InternetVLAN[:], d.InternetVLAN)
		binary.BigEndian.PutUint16(r.IspVLAN[:], d.IspVLAN)
	}
	return r
}

// DirectionValue decodes the region back.
func (r ConfigRegion) DirectionValue() Direction {
	d := Direction{Kind: r.Direction}
	if r.Direction == KindOnAStick {
		d.InternetVLAN = binary.BigEndian.Uint16(r.InternetVLAN[:])
		d.IspVLAN = binary.BigEndian.Uint16(r.IspVLAN[:])
	}
	return d
}
