package ttnrelay

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidUplink is wrapped by every structural uplink error, such uplinks never decode.
var ErrInvalidUplink = errors.New("invalid uplink")

// accepted metadata.time layouts, zone less layouts are UTC
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UplinkPayload is the TTN v2 HTTP integration uplink.
type UplinkPayload struct {
	AppID          string         `json:"app_id,omitempty"`
	DevID          string         `json:"dev_id,omitempty"`
	HardwareSerial string         `json:"hardware_serial"`
	Port           *int           `json:"port"`
	Counter        uint32         `json:"counter,omitempty"`
	PayloadRaw     *string        `json:"payload_raw"`
	Metadata       UplinkMetadata `json:"metadata"`
}

type UplinkMetadata struct {
	Time      string            `json:"time"`
	Frequency float64           `json:"frequency,omitempty"`
	DataRate  string            `json:"data_rate,omitempty"`
	Gateways  []GatewayMetadata `json:"gateways"`
}

type GatewayMetadata struct {
	GtwID string   `json:"gtw_id,omitempty"`
	RSSI  *float64 `json:"rssi"`
	SNR   float64  `json:"snr,omitempty"`
}

// Time returns metadata.time in UTC.
func (u *UplinkPayload) Time() (time.Time, error) {
	if u.Metadata.Time == "" {
		return time.Time{}, fmt.Errorf("%w: missing metadata.time", ErrInvalidUplink)
	}
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, u.Metadata.Time)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable metadata.time %q", ErrInvalidUplink, u.Metadata.Time)
}

// PayloadHex returns payload_raw decoded from base64 as an hex string.
func (u *UplinkPayload) PayloadHex() (string, error) {
	if u.PayloadRaw == nil {
		return "", fmt.Errorf("%w: missing payload_raw", ErrInvalidUplink)
	}
	// line breaks are tolerated as in MIME base64
	s := strings.NewReplacer("\n", "", "\r", "").Replace(*u.PayloadRaw)
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed payload_raw: %v", ErrInvalidUplink, err)
	}
	return hex.EncodeToString(b), nil
}

// RSSI returns the signal strength reported by the first gateway.
func (u *UplinkPayload) RSSI() (float64, error) {
	if len(u.Metadata.Gateways) == 0 {
		return 0, fmt.Errorf("%w: empty metadata.gateways", ErrInvalidUplink)
	}
	if u.Metadata.Gateways[0].RSSI == nil {
		return 0, fmt.Errorf("%w: missing rssi on first gateway", ErrInvalidUplink)
	}
	return *u.Metadata.Gateways[0].RSSI, nil
}

// FPort returns the LoRaWAN port.
func (u *UplinkPayload) FPort() (int, error) {
	if u.Port == nil {
		return 0, fmt.Errorf("%w: missing port", ErrInvalidUplink)
	}
	if *u.Port < 0 || *u.Port > 255 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrInvalidUplink, *u.Port)
	}
	return *u.Port, nil
}
