package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePatchPartialSensors(t *testing.T) {
	patch, err := DecodePatch([]byte(`{"sensors":{"temperature":30.2}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v := patch.Metrics[MetricTemperature]; v != 30.2 {
		t.Fatalf("temperature = %v, want 30.2", v)
	}
	if _, ok := patch.Metrics[MetricHumidity]; ok {
		t.Fatal("humidity should be absent from a partial patch")
	}
	if len(patch.Devices) != 0 {
		t.Fatalf("no devices expected, got %#v", patch.Devices)
	}
}

func TestDecodePatchDevices(t *testing.T) {
	msg := `{"fan":false,"controls":{"fan":true,"leds":[null,true,false,null,true]},"sensors":{"ldr":true,"humidity":null}}`
	patch, err := DecodePatch([]byte(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !patch.Devices["fan"] {
		t.Fatal("fan should be on when any field reports it on")
	}
	if !patch.Devices["light1"] || patch.Devices["light2"] || !patch.Devices["light4"] {
		t.Fatalf("unexpected lights: %#v", patch.Devices)
	}
	if _, ok := patch.Devices["light3"]; ok {
		t.Fatal("null entries must leave the device unchanged")
	}
	if !patch.Flags["ldr"] {
		t.Fatal("ldr flag should be decoded")
	}
	if _, ok := patch.Metrics[MetricHumidity]; ok {
		t.Fatal("null sensor value must leave the metric unchanged")
	}
}

func TestDecodePatchLightsAlias(t *testing.T) {
	patch, err := DecodePatch([]byte(`{"Lights":[null,false,true]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if patch.Devices["light1"] || !patch.Devices["light2"] {
		t.Fatalf("unexpected lights: %#v", patch.Devices)
	}
}

func TestDecodePatchRejectsGarbage(t *testing.T) {
	if _, err := DecodePatch([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestSnapshotApplyKeepsUnspecifiedFields(t *testing.T) {
	snap := NewSnapshot("1")
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	full, _ := DecodePatch([]byte(`{"sensors":{"temperature":25.5,"humidity":65.2},"controls":{"fan":true}}`))
	snap.Apply(full, t0)

	partial, _ := DecodePatch([]byte(`{"sensors":{"temperature":26}}`))
	snap.Apply(partial, t0.Add(time.Second))

	if snap.Metrics[MetricTemperature] != 26 {
		t.Fatalf("temperature = %v, want 26", snap.Metrics[MetricTemperature])
	}
	if snap.Metrics[MetricHumidity] != 65.2 {
		t.Fatalf("humidity lost by partial update: %v", snap.Metrics[MetricHumidity])
	}
	if !snap.Devices["fan"] {
		t.Fatal("fan state lost by partial update")
	}
	if snap.Messages != 2 {
		t.Fatalf("messages = %d, want 2", snap.Messages)
	}

	sample := snap.Sample()
	if v, ok := sample.Value(MetricHumidity); !ok || v != 65.2 {
		t.Fatalf("sample humidity = %v, %v", v, ok)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := NewSnapshot("1")
	p, _ := DecodePatch([]byte(`{"sensors":{"temperature":20}}`))
	snap.Apply(p, time.Now())

	clone := snap.Clone()
	clone.Metrics[MetricTemperature] = 99
	if snap.Metrics[MetricTemperature] != 20 {
		t.Fatal("clone shares metric storage with the original")
	}
}

func TestResolvedFeedURL(t *testing.T) {
	cases := []struct {
		loc  Location
		want string
	}{
		{Location{Address: "http://192.168.1.160:5000"}, "ws://192.168.1.160:5000"},
		{Location{Address: "https://room.local/"}, "wss://room.local"},
		{Location{Address: "http://x", FeedURL: "mqtt://broker:1883/home/state"}, "mqtt://broker:1883/home/state"},
		{Location{Address: "not a url"}, ""},
	}
	for _, tc := range cases {
		if got := tc.loc.ResolvedFeedURL(); got != tc.want {
			t.Fatalf("ResolvedFeedURL(%+v) = %q, want %q", tc.loc, got, tc.want)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("1", "http://192.168.1.160:5000"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	for _, bad := range []string{"", "192.168.1.160:5000", "ftp://host", "http://"} {
		err := ValidateAddress("1", bad)
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("address %q: expected ConfigurationError, got %v", bad, err)
		}
	}
}

func TestNotConnectedWrapsSentinel(t *testing.T) {
	err := NotConnected("2", StateDegraded)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
