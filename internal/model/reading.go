package model

// SensorReading is one decoded, calibrated sample ready for transport.
// Field names match the ingestion contract of POST /data.
type SensorReading struct {
	DeviceID string  `json:"device_id"`
	Site     string  `json:"site"`
	PM1      float64 `json:"pm1"`  // ug/m3
	PM25     float64 `json:"pm25"` // ug/m3
	PM10     float64 `json:"pm10"` // ug/m3
	CO2      float64 `json:"co2"`  // ppm
	VOC      float64 `json:"voc"`  // index
	Temp     float64 `json:"temp"` // degC
	Hum      float64 `json:"hum"`  // %RH
	CH2O     float64 `json:"ch2o"` // mg/m3
	CO       float64 `json:"co"`   // ppm
	O3       float64 `json:"o3"`   // ppm
	NO2      float64 `json:"no2"`  // ppm
}

// Values returns the physical metrics keyed by metric name.
func (r SensorReading) Values() map[string]float64 {
	return map[string]float64{
		MetricPM1:  r.PM1,
		MetricPM25: r.PM25,
		MetricPM10: r.PM10,
		MetricCO2:  r.CO2,
		MetricVOC:  r.VOC,
		MetricTemp: r.Temp,
		MetricHum:  r.Hum,
		MetricCH2O: r.CH2O,
		MetricCO:   r.CO,
		MetricO3:   r.O3,
		MetricNO2:  r.NO2,
	}
}

// field returns a pointer to the metric slot, nil for unknown names.
func (r *SensorReading) field(metric string) *float64 {
	switch metric {
	case MetricPM1:
		return &r.PM1
	case MetricPM25:
		return &r.PM25
	case MetricPM10:
		return &r.PM10
	case MetricCO2:
		return &r.CO2
	case MetricVOC:
		return &r.VOC
	case MetricTemp:
		return &r.Temp
	case MetricHum:
		return &r.Hum
	case MetricCH2O:
		return &r.CH2O
	case MetricCO:
		return &r.CO
	case MetricO3:
		return &r.O3
	case MetricNO2:
		return &r.NO2
	}
	return nil
}

// Map applies fn to every metric and returns the updated copy.
// The receiver is left untouched.
func (r SensorReading) Map(fn func(metric string, v float64) float64) SensorReading {
	out := r
	for _, m := range Metrics {
		p := out.field(m)
		*p = fn(m, *p)
	}
	return out
}
