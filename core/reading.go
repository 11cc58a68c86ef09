package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Tag and field names used when a Reading is written to a time-series store.
const (
	TagSensorID      = "sensor_id"
	TagLocation      = "location"
	TagStage         = "stage"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
)

// Reading is one timestamped environmental measurement from a sensor.
// It is created by ParseReading and never mutated afterwards.
type Reading struct {
	Timestamp    time.Time `json:"timestamp"`
	SensorID     string    `json:"sensor_id"`
	Location     string    `json:"location"`
	ProcessStage string    `json:"process_stage"`
	Temperature  float64   `json:"temperature_celsius"`
	Humidity     float64   `json:"humidity_percent"`
}

// wireReading tracks field presence so a missing field can be told apart from a zero value.
type wireReading struct {
	Timestamp    *string  `json:"timestamp"`
	SensorID     *string  `json:"sensor_id"`
	Location     *string  `json:"location"`
	ProcessStage *string  `json:"process_stage"`
	Temperature  *float64 `json:"temperature_celsius"`
	Humidity     *float64 `json:"humidity_percent"`
}

// ParseReading decodes one newline-delimited JSON record.
// Blank lines yield ErrBlankLine; anything else that is not a complete reading
// yields a *MalformedReadingError.
func ParseReading(line []byte) (Reading, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Reading{}, ErrBlankLine
	}

	var w wireReading
	if err := json.Unmarshal(line, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Reading{}, &MalformedReadingError{Field: typeErr.Field, Reason: "has wrong type " + typeErr.Value, Err: err}
		}
		return Reading{}, &MalformedReadingError{Reason: "invalid JSON", Err: err}
	}

	switch {
	case w.Timestamp == nil:
		return Reading{}, missing("timestamp")
	case w.SensorID == nil:
		return Reading{}, missing("sensor_id")
	case w.Location == nil:
		return Reading{}, missing("location")
	case w.ProcessStage == nil:
		return Reading{}, missing("process_stage")
	case w.Temperature == nil:
		return Reading{}, missing("temperature_celsius")
	case w.Humidity == nil:
		return Reading{}, missing("humidity_percent")
	}

	if strings.TrimSpace(*w.SensorID) == "" {
		return Reading{}, &MalformedReadingError{Field: "sensor_id", Reason: "cannot be empty"}
	}

	ts, err := time.Parse(time.RFC3339Nano, *w.Timestamp)
	if err != nil {
		return Reading{}, &MalformedReadingError{Field: "timestamp", Reason: "is not RFC 3339", Err: err}
	}

	return Reading{
		Timestamp:    ts,
		SensorID:     *w.SensorID,
		Location:     *w.Location,
		ProcessStage: *w.ProcessStage,
		Temperature:  *w.Temperature,
		Humidity:     *w.Humidity,
	}, nil
}

func missing(field string) error {
	return &MalformedReadingError{Field: field, Reason: "is required"}
}

// Tags returns the tag set a sink indexes the reading by.
func (r Reading) Tags() map[string]string {
	return map[string]string{
		TagSensorID: r.SensorID,
		TagLocation: r.Location,
		TagStage:    r.ProcessStage,
	}
}

// Fields returns the stored numeric values.
func (r Reading) Fields() map[string]interface{} {
	return map[string]interface{}{
		FieldTemperature: r.Temperature,
		FieldHumidity:    r.Humidity,
	}
}

// UnixNano returns the reading time at the nanosecond precision sinks store.
func (r Reading) UnixNano() int64 {
	return r.Timestamp.UnixNano()
}
