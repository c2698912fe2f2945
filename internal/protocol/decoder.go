package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/LeonardoBeccarini/aq_uplink/internal/model"
)

var (
	ErrFrameLength      = errors.New("frame length mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Identity is the static part of a reading that does not travel on the wire.
type Identity struct {
	DeviceID string
	Site     string
}

// precision is the number of decimals kept for transport.
var precision = map[string]int{
	model.MetricPM1:  0,
	model.MetricPM25: 0,
	model.MetricPM10: 0,
	model.MetricCO2:  0,
	model.MetricVOC:  2,
	model.MetricTemp: 1,
	model.MetricHum:  1,
	model.MetricCH2O: 2,
	model.MetricCO:   1,
	model.MetricO3:   1,
	model.MetricNO2:  1,
}

// Decode validates frame and turns it into a calibrated reading.
func Decode(frame []byte, cal model.CalibrationTable, id Identity) (model.SensorReading, error) {
	if len(frame) != FrameLen {
		return model.SensorReading{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameLength, len(frame), FrameLen)
	}
	if want, got := Checksum(frame), frame[checksumOffset]; want != got {
		return model.SensorReading{}, fmt.Errorf("%w: computed 0x%02X, frame carries 0x%02X", ErrChecksumMismatch, want, got)
	}

	raw := rawFields(frame)
	r := model.SensorReading{
		DeviceID: id.DeviceID,
		Site:     id.Site,
		PM1:      float64(raw.PM1),
		PM25:     float64(raw.PM25),
		PM10:     float64(raw.PM10),
		CO2:      float64(raw.CO2),
		VOC:      float64(raw.VOC),
		Temp:     (float64(raw.Temp) - tempBias) * 0.1,
		Hum:      (float64(raw.Hum) - humBias) * 1.0,
		CH2O:     float64(raw.CH2O) * 0.001,
		CO:       float64(raw.CO) * 0.1,
		O3:       float64(raw.O3) * 0.01,
		NO2:      float64(raw.NO2) * 0.01,
	}

	return r.Map(func(metric string, v float64) float64 {
		return round(cal.Apply(metric, v), precision[metric])
	}), nil
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
