package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/akhenakh/cayenne"
)

var (
	url     = flag.String("url", "http://localhost:8080/thethings", "gateway webhook URL")
	serial  = flag.String("serial", "", "hardware serial, random DevEUI when empty")
	lat     = flag.Float64("lat", 48.8, "The Latitude")
	lng     = flag.Float64("lng", 2.2, "The Longitude")
	channel = flag.Int("channel", 1, "The channel")
	port    = flag.Int("port", 1, "LoRaWAN port")
	rssi    = flag.Float64("rssi", -80, "gateway rssi")
	count   = flag.Int("count", 1, "number of uplinks to send")
)

type gateway struct {
	GtwID string  `json:"gtw_id"`
	RSSI  float64 `json:"rssi"`
	SNR   float64 `json:"snr"`
}

type uplink struct {
	AppID          string `json:"app_id"`
	DevID          string `json:"dev_id"`
	HardwareSerial string `json:"hardware_serial"`
	Port           int    `json:"port"`
	Counter        int    `json:"counter"`
	PayloadRaw     string `json:"payload_raw"`
	Metadata       struct {
		Time     string    `json:"time"`
		Gateways []gateway `json:"gateways"`
	} `json:"metadata"`
}

func main() {
	flag.Parse()

	devEUI := *serial
	if devEUI == "" {
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			log.Fatal(err)
		}
		devEUI = strings.ToUpper(hex.EncodeToString(b))
	}

	e := cayenne.NewEncoder()
	e.AddGPS(uint8(*channel), float32(*lat), float32(*lng), 0.0)
	payload := e.Bytes()

	for i := 0; i < *count; i++ {
		var up uplink
		up.AppID = "fake-app"
		up.DevID = "fake-" + strings.ToLower(devEUI)
		up.HardwareSerial = devEUI
		up.Port = *port
		up.Counter = i
		up.PayloadRaw = base64.StdEncoding.EncodeToString(payload)
		up.Metadata.Time = time.Now().UTC().Format(time.RFC3339Nano)
		up.Metadata.Gateways = []gateway{{GtwID: "eui-deadbeef00deadbe", RSSI: *rssi, SNR: 5.1}}

		b, err := json.Marshal(up)
		if err != nil {
			log.Fatal(err)
		}

		resp, err := http.Post(*url, "application/json", bytes.NewReader(b))
		if err != nil {
			log.Fatal(err)
		}
		body, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()

		fmt.Println("sent", devEUI, hex.EncodeToString(payload), resp.Status, strings.TrimSpace(string(body)))
	}
}
