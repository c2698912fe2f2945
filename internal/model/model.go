package model

// Metric names as they appear in the ingestion payload and in the calibration table.
const (
	MetricPM1  = "pm1"
	MetricPM25 = "pm25"
	MetricPM10 = "pm10"
	MetricCO2  = "co2"
	MetricVOC  = "voc"
	MetricTemp = "temp"
	MetricHum  = "hum"
	MetricCH2O = "ch2o"
	MetricCO   = "co"
	MetricO3   = "o3"
	MetricNO2  = "no2"
)

// Metrics lists every physical metric of a reading in payload order.
var Metrics = []string{
	MetricPM1, MetricPM25, MetricPM10, MetricCO2, MetricVOC,
	MetricTemp, MetricHum, MetricCH2O, MetricCO, MetricO3, MetricNO2,
}
