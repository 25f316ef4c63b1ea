package platform

import "testing"

func TestParseDropProbeFlatAndroidShape(t *testing.T) {
	data := []byte(`{
		"currentUser": {
			"dropCurrentSession": {
				"dropID": "d1",
				"requiredMinutesWatched": 60,
				"self": {"currentMinutesWatched": 30, "isClaimed": false, "dropInstanceID": "i1", "dropName": "Sword"}
			}
		}
	}`)
	p, err := parseDropProbe(data)
	if err != nil {
		t.Fatalf("parseDropProbe: %v", err)
	}
	if !p.Valid || p.DropID != "d1" || p.CurrentMinutesWatched != 30 || p.DropName != "Sword" {
		t.Fatalf("unexpected probe: %+v", p)
	}
}

func TestParseDropProbeNestedWebShape(t *testing.T) {
	data := []byte(`{
		"currentSession": {
			"drop": {
				"id": "d2",
				"name": "Shield",
				"requiredMinutesWatched": 90,
				"self": {"currentMinutesWatched": 90, "isClaimed": false, "dropInstanceID": "i2"}
			}
		}
	}`)
	p, err := parseDropProbe(data)
	if err != nil {
		t.Fatalf("parseDropProbe: %v", err)
	}
	if !p.Valid || p.DropID != "d2" || p.DropName != "Shield" || !p.ReadyToClaim() {
		t.Fatalf("unexpected probe: %+v", p)
	}
}

func TestParseDropProbeLegacyShape(t *testing.T) {
	data := []byte(`{
		"user": {
			"dropCurrentSessionContext": {
				"dropID": "d3",
				"requiredMinutesWatched": 30,
				"self": {"currentMinutesWatched": 10, "isClaimed": false}
			}
		}
	}`)
	p, err := parseDropProbe(data)
	if err != nil {
		t.Fatalf("parseDropProbe: %v", err)
	}
	if !p.Valid || p.DropName != "Active Drop" {
		t.Fatalf("expected fallback drop name, got %+v", p)
	}
}

func TestParseDropProbeEmptyIsInvalid(t *testing.T) {
	p, err := parseDropProbe([]byte(`{}`))
	if err != nil {
		t.Fatalf("parseDropProbe: %v", err)
	}
	if p.Valid {
		t.Fatal("expected invalid probe for empty response")
	}
}

func TestDropProbeReadyButUnlinked(t *testing.T) {
	p := DropProbe{RequiredMinutesWatched: 60, CurrentMinutesWatched: 60}
	if !p.ReadyButUnlinked() {
		t.Fatal("expected unlinked-account condition")
	}
	if p.ReadyToClaim() {
		t.Fatal("must not be ready to claim without an instance id")
	}
}
