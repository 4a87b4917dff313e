package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

func sampleRow() model.AnalyticalRow {
	name := "WS-Rooftop"
	alt := 12.5
	return model.AnalyticalRow{
		Timestamp:      time.Unix(1_700_000_000, 0),
		DeviceID:       "!0a1b2c3d",
		DataSource:     "MESHTASTIC_DOWNLINK",
		NetworkSource:  "US",
		ReadingType:    model.ReadingTemperature,
		Value:          21.5,
		Unit:           "°C",
		Latitude:       37.7,
		Longitude:      -122.4,
		Altitude:       &alt,
		GeoCountry:     "United States",
		GeoSubdivision: "Coeur d'Alene",
		BoardModel:     "TBEAM",
		NodeName:       &name,
	}
}

func TestBuildMessage_TopicShape(t *testing.T) {
	topic, _, err := buildMessage(sampleRow(), "downlink")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "wesense/decoded/meshtastic-downlink/united-states/coeur-dalene/!0a1b2c3d"
	if topic != want {
		t.Errorf("topic = %q, want %q", topic, want)
	}
}

func TestBuildMessage_CommunityModeOverridesSourceLabel(t *testing.T) {
	row := sampleRow()
	row.NetworkSource = "EU"
	topic, _, err := buildMessage(row, "community")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := "wesense/decoded/meshtastic-community/united-states/coeur-dalene/!0a1b2c3d"; topic != got {
		t.Errorf("topic = %q, want %q", topic, got)
	}
}

func TestBuildMessage_LocalSourceAlwaysCommunityLabel(t *testing.T) {
	row := sampleRow()
	row.NetworkSource = model.LocalSourceLabel
	topic, _, err := buildMessage(row, "downlink")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := "wesense/decoded/meshtastic-community/united-states/coeur-dalene/!0a1b2c3d"; topic != got {
		t.Errorf("topic = %q, want %q", topic, got)
	}
}

func TestBuildMessage_PayloadFields(t *testing.T) {
	_, body, err := buildMessage(sampleRow(), "downlink")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	for _, field := range []string{
		"timestamp", "device_id", "name", "latitude", "longitude", "altitude",
		"country", "subdivision", "data_source", "reading_type", "value", "unit", "board_model",
	} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("expected payload field %q", field)
		}
	}
	if decoded["country"] != "united-states" {
		t.Errorf("country = %v, want sanitized lowercase", decoded["country"])
	}
}

func TestBuildMessage_LegacyPublicModeUsesPublicLabel(t *testing.T) {
	row := sampleRow()
	row.NetworkSource = "ANZ"
	row.DataSource = model.DataSourceLabel("public")
	topic, body, err := buildMessage(row, "public")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantTopic := "wesense/decoded/meshtastic-public/united-states/coeur-dalene/!0a1b2c3d"
	if topic != wantTopic {
		t.Errorf("topic = %q, want %q", topic, wantTopic)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["data_source"] != "MESHTASTIC_PUBLIC" {
		t.Errorf("data_source = %v, want MESHTASTIC_PUBLIC", decoded["data_source"])
	}
}

func TestBuildMessage_LegacyPublicModeStillHonorsLocalSource(t *testing.T) {
	row := sampleRow()
	row.NetworkSource = model.LocalSourceLabel
	topic, _, err := buildMessage(row, "public")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "wesense/decoded/meshtastic-community/united-states/coeur-dalene/!0a1b2c3d"
	if topic != want {
		t.Errorf("topic = %q, want %q", topic, want)
	}
}

func TestBuildMessage_GeocodeUnknownPassesThrough(t *testing.T) {
	row := sampleRow()
	row.GeoCountry = "unknown"
	row.GeoSubdivision = "unknown"
	topic, _, err := buildMessage(row, "downlink")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "wesense/decoded/meshtastic-downlink/unknown/unknown/!0a1b2c3d"
	if topic != want {
		t.Errorf("topic = %q, want %q", topic, want)
	}
}
