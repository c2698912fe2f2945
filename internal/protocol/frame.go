// Package protocol implements the 26-byte air-quality sensor frame:
// integrity check, field layout and conversion to calibrated readings.
package protocol

import (
	"encoding/binary"
)

const (
	// FrameLen is the fixed size of a response frame.
	FrameLen = 26

	checksumOffset = 25

	offPM1  = 2
	offPM25 = 4
	offPM10 = 6
	offCO2  = 8
	offVOC  = 10
	offTemp = 11
	offHum  = 13
	offCH2O = 15
	offCO   = 17
	offO3   = 19
	offNO2  = 21

	frameHeader  = 0xFF
	frameCommand = 0x86

	tempBias = 435
	humBias  = 10
)

// ReadCommand asks the sensor for one frame.
var ReadCommand = []byte{0xFF, 0x01, 0x86, 0x00, 0x00, 0x00, 0x00, 0x00, 0x79}

// RawValues are the integer fields as they travel on the wire.
type RawValues struct {
	PM1, PM25, PM10 uint16
	CO2             uint16
	VOC             uint8
	Temp, Hum       uint16 // biased
	CH2O, CO        uint16
	O3, NO2         uint16
}

// Checksum computes the two's complement of the byte sum over frame[1:25].
// The caller guarantees len(frame) >= FrameLen-1.
func Checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[1:checksumOffset] {
		sum += b
	}
	return ^sum + 1
}

// Encode builds a valid frame carrying raw, checksum included.
func Encode(raw RawValues) []byte {
	f := make([]byte, FrameLen)
	f[0] = frameHeader
	f[1] = frameCommand
	be := binary.BigEndian
	be.PutUint16(f[offPM1:], raw.PM1)
	be.PutUint16(f[offPM25:], raw.PM25)
	be.PutUint16(f[offPM10:], raw.PM10)
	be.PutUint16(f[offCO2:], raw.CO2)
	f[offVOC] = raw.VOC
	be.PutUint16(f[offTemp:], raw.Temp)
	be.PutUint16(f[offHum:], raw.Hum)
	be.PutUint16(f[offCH2O:], raw.CH2O)
	be.PutUint16(f[offCO:], raw.CO)
	be.PutUint16(f[offO3:], raw.O3)
	be.PutUint16(f[offNO2:], raw.NO2)
	f[checksumOffset] = Checksum(f)
	return f
}

func rawFields(frame []byte) RawValues {
	be := binary.BigEndian
	return RawValues{
		PM1:  be.Uint16(frame[offPM1:]),
		PM25: be.Uint16(frame[offPM25:]),
		PM10: be.Uint16(frame[offPM10:]),
		CO2:  be.Uint16(frame[offCO2:]),
		VOC:  frame[offVOC],
		Temp: be.Uint16(frame[offTemp:]),
		Hum:  be.Uint16(frame[offHum:]),
		CH2O: be.Uint16(frame[offCH2O:]),
		CO:   be.Uint16(frame[offCO:]),
		O3:   be.Uint16(frame[offO3:]),
		NO2:  be.Uint16(frame[offNO2:]),
	}
}
