package alert

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_LegacyIDNormalized(t *testing.T) {
	t.Parallel()

	a, err := Decode([]byte(`{"id":"a1","labels":{"service":"svc","severity":"critical"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.AlertID != "a1" {
		t.Errorf("AlertID = %q, want %q", a.AlertID, "a1")
	}
	if a.Service() != "svc" {
		t.Errorf("Service() = %q, want %q", a.Service(), "svc")
	}

	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["alert_id"] != "a1" {
		t.Errorf("alert_id = %v, want a1", m["alert_id"])
	}
	if _, ok := m["id"]; ok {
		t.Error("legacy id key should not be re-emitted")
	}
}

func TestDecode_AlertIDWins(t *testing.T) {
	t.Parallel()

	a, err := Decode([]byte(`{"id":"legacy","alert_id":"canonical"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.AlertID != "canonical" {
		t.Errorf("AlertID = %q, want %q", a.AlertID, "canonical")
	}
}

func TestDecode_FallbackIDs(t *testing.T) {
	t.Parallel()

	a, err := Decode([]byte(`{"fingerprint":"fp-1","labels":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.AlertID != "fp-1" {
		t.Errorf("AlertID = %q, want fingerprint", a.AlertID)
	}

	b, err := Decode([]byte(`{"labels":{"alertname":"X"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.AlertID) != 26 {
		t.Errorf("AlertID = %q, want minted ULID", b.AlertID)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Decode(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Decode(nil) = %v, want ErrEmptyPayload", err)
	}
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestDecodeBatch_Webhook(t *testing.T) {
	t.Parallel()

	body := `{"version":"4","status":"firing","alerts":[
		{"status":"firing","fingerprint":"f1","labels":{"alertname":"HighCPU"}},
		{"status":"resolved","fingerprint":"f2","labels":{"alertname":"OOM"}}
	]}`
	alerts, err := DecodeBatch([]byte(body))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("len = %d, want 2", len(alerts))
	}
	if alerts[0].AlertID != "f1" || !alerts[0].Firing() {
		t.Errorf("first alert = %+v", alerts[0])
	}
	if alerts[1].Firing() {
		t.Error("second alert should be resolved")
	}
}

func TestDecodeBatch_Single(t *testing.T) {
	t.Parallel()

	alerts, err := DecodeBatch([]byte(`{"alert_id":"a1"}`))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(alerts) != 1 || alerts[0].AlertID != "a1" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestAccessorsDefaults(t *testing.T) {
	t.Parallel()

	var a Alert
	if a.Name() != "UnknownAlert" {
		t.Errorf("Name() = %q", a.Name())
	}
	if a.Namespace() != "default" {
		t.Errorf("Namespace() = %q", a.Namespace())
	}
	if a.Severity() != "warning" {
		t.Errorf("Severity() = %q", a.Severity())
	}
	if !a.Firing() {
		t.Error("alert without status should be firing")
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	a := Alert{AlertID: "a1", Labels: map[string]string{"service": "svc"}}
	cp := a.Clone()
	cp.Labels["service"] = "other"
	if a.Labels["service"] != "svc" {
		t.Error("Clone shares label map with original")
	}
}

func FuzzDecodeAlert(f *testing.F) {
	f.Add([]byte(`{"id":"a1","labels":{"service":"svc"}}`))
	f.Add([]byte(`{"alert_id":"x","annotations":{"summary":"s"}}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, data []byte) {
		a, err := Decode(data)
		if err != nil {
			return
		}
		if a.AlertID == "" {
			t.Errorf("decoded alert has empty id for input %q", data)
		}
		if a.Labels == nil {
			t.Errorf("decoded alert has nil labels for input %q", data)
		}
	})
}
