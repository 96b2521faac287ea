package payload

import (
	"bytes"

	"github.com/akhenakh/cayenne"
)

// DecodeCayenne decodes a Cayenne Low Power Payload, a GPS location is
// split into latitude, longitude and altitude fields.
func DecodeCayenne(b []byte, port int) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Decoder: Cayenne, Reason: "empty payload"}
	}

	dec := cayenne.NewDecoder(bytes.NewReader(b))
	msg, err := dec.DecodeUplink()
	if err != nil {
		return nil, err
	}

	fields := make(map[string]interface{})
	for k, v := range msg.Values() {
		fields[k] = v
	}

	locKey, ok := msg.GotLocation()
	if !ok {
		return fields, nil
	}
	locf, ok := fields[locKey].([]float32)
	if !ok || len(locf) < 2 {
		return fields, nil
	}
	delete(fields, locKey)
	fields["latitude"] = float64(locf[0])
	fields["longitude"] = float64(locf[1])
	if len(locf) > 2 {
		fields["altitude"] = float64(locf[2])
	}
	return fields, nil
}
