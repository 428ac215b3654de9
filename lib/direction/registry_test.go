// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package direction

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/skycal-project/skycal/lib/codec"
)

func sampleRegistry(t *testing.T) *Registry {
	t.Helper()
	faint := New("ddcal0002", [2]float64{150.5, 30}, 0.05, 1, 60e6)
	bright := New("ddcal0000", [2]float64{150, 30}, 0.1, 10, 60e6)
	steep := New("ddcal0001", [2]float64{149, 31}, 0.02, 8, 60e6)
	steep.SpectralIndex = []float64{-2}
	registry, err := NewRegistry(3, faint, bright, steep)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestRegistrySort(t *testing.T) {
	t.Parallel()

	registry := sampleRegistry(t)
	for _, freq := range []float64{30e6, 60e6, 120e6} {
		registry.Sort(freq)
		directions := registry.All()
		for i := 1; i < len(directions); i++ {
			if directions[i].FluxAt(freq) > directions[i-1].FluxAt(freq) {
				t.Errorf("at %v Hz %s (%v Jy) follows %s (%v Jy)", freq,
					directions[i].Name, directions[i].FluxAt(freq),
					directions[i-1].Name, directions[i-1].FluxAt(freq))
			}
		}
	}

	registry.Sort(120e6)
	if first := registry.All()[0].Name; first != "ddcal0000" {
		t.Errorf("brightest at 120 MHz = %s, want ddcal0000", first)
	}
	registry.Sort(30e6)
	if first := registry.All()[0].Name; first != "ddcal0001" {
		t.Errorf("brightest at 30 MHz = %s, want steep-spectrum ddcal0001", first)
	}

	tied, err := NewRegistry(0, New("b", [2]float64{}, 0, 1, 60e6), New("a", [2]float64{}, 0, 1, 60e6))
	if err != nil {
		t.Fatal(err)
	}
	tied.Sort(60e6)
	if tied.All()[0].Name != "a" {
		t.Error("equal fluxes not ordered by name")
	}
}

func TestRegistryAdd(t *testing.T) {
	t.Parallel()

	registry := sampleRegistry(t)
	if err := registry.Add(New("ddcal0000", [2]float64{}, 0, 1, 60e6)); err == nil {
		t.Error("Add accepted a duplicate name")
	}
	if err := registry.Add(&Direction{}); err == nil {
		t.Error("Add accepted a nameless direction")
	}
	if d, ok := registry.Get("ddcal0002"); !ok || d.Flux != 1 {
		t.Errorf("Get(ddcal0002) = %+v, %v", d, ok)
	}
}

func TestThresholdAndActive(t *testing.T) {
	t.Parallel()

	if got := Threshold(2, 60e6); got != 2 {
		t.Errorf("Threshold at 60 MHz = %v, want 2", got)
	}
	want := 2 * math.Pow(2, -0.8)
	if got := Threshold(2, 120e6); math.Abs(got-want) > 1e-12 {
		t.Errorf("Threshold at 120 MHz = %v, want %v", got, want)
	}

	registry := sampleRegistry(t)
	registry.Sort(60e6)
	active := registry.Active(60e6, 5)
	if len(active) != 2 || active[0].Name != "ddcal0000" || active[1].Name != "ddcal0001" {
		t.Errorf("Active = %v", names(active))
	}
	if registry.Len() != 3 {
		t.Errorf("Active removed directions from the registry")
	}

	// The walk ends at the first direction below threshold, even when
	// a brighter one follows it.
	unsorted, err := NewRegistry(0,
		New("ddcal0000", [2]float64{}, 0, 10, 60e6),
		New("ddcal0001", [2]float64{}, 0, 1, 60e6),
		New("ddcal0002", [2]float64{}, 0, 8, 60e6),
	)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(unsorted.Active(60e6, 5)); len(got) != 1 || got[0] != "ddcal0000" {
		t.Errorf("Active on unsorted registry = %v, want [ddcal0000]", got)
	}

	extended, _ := registry.Get("ddcal0000")
	extended.Extended = true
	if got := names(registry.Active(60e6, 5)); len(got) != 1 || got[0] != "ddcal0001" {
		t.Errorf("Active with extended ddcal0000 = %v, want [ddcal0001]", got)
	}
}

func TestMarkPeel(t *testing.T) {
	t.Parallel()

	registry := sampleRegistry(t)
	if count := registry.MarkPeel([2]float64{150, 30}, 2); count != 1 {
		t.Errorf("MarkPeel flagged %d directions, want 1", count)
	}
	if d, _ := registry.Get("ddcal0001"); !d.PeelOff {
		t.Error("ddcal0001 outside the half-FWHM is not flagged")
	}
	if d, _ := registry.Get("ddcal0002"); d.PeelOff {
		t.Error("ddcal0002 inside the half-FWHM is flagged")
	}
}

func TestRecordNoise(t *testing.T) {
	t.Parallel()

	d := New("x", [2]float64{}, 0, 1, 60e6)
	if err := d.RecordNoise(1, 0.5); err == nil {
		t.Error("RecordNoise skipped round 0")
	}
	for round, rms := range []float64{1.0, 0.9} {
		if err := d.RecordNoise(round, rms); err != nil {
			t.Fatalf("RecordNoise(%d): %v", round, err)
		}
	}
	if err := d.RecordNoise(1, 0.8); err != nil {
		t.Fatalf("re-recording round 1: %v", err)
	}
	if rms, ok := d.Noise(1); !ok || rms != 0.8 {
		t.Errorf("Noise(1) = %v, %v", rms, ok)
	}
	if _, ok := d.Noise(2); ok {
		t.Error("Noise(2) reported a round that was never measured")
	}
	if err := d.RecordNoise(2, math.NaN()); err == nil {
		t.Error("RecordNoise accepted NaN")
	}
}

func TestRewind(t *testing.T) {
	t.Parallel()

	d := New("x", [2]float64{}, 0, 1, 60e6)
	d.NoiseInit = 1
	for round, rms := range []float64{0.9, 0.95, 0.8, 0.7} {
		if err := d.RecordNoise(round, rms); err != nil {
			t.Fatal(err)
		}
		if err := d.PhaseChain.Append(round, fmt.Sprintf("ph-%d.h5", round)); err != nil {
			t.Fatal(err)
		}
		if round >= 2 {
			if err := d.Amplitude1Chain.Append(round, fmt.Sprintf("amp1-%d.h5", round)); err != nil {
				t.Fatal(err)
			}
		}
	}
	d.Converged = true
	d.SetModel(StageBest, "best.txt")

	d.Rewind(2)
	if len(d.RoundNoise) != 2 || d.PhaseChain.Len() != 2 || d.SolvedAmplitude() {
		t.Errorf("after Rewind(2): noise %v, phase %d, amplitudes %v", d.RoundNoise, d.PhaseChain.Len(), d.SolvedAmplitude())
	}
	if d.Converged {
		t.Error("Rewind kept the convergence verdict")
	}
	if _, ok := d.Model(StageBest); ok {
		t.Error("Rewind kept the best model")
	}
	if d.NoiseInit != 1 {
		t.Errorf("Rewind changed NoiseInit to %v", d.NoiseInit)
	}
	if err := d.PhaseChain.Append(2, "ph-2b.h5"); err != nil {
		t.Errorf("Append after Rewind: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	registry := sampleRegistry(t)
	d, _ := registry.Get("ddcal0000")
	d.Converged = true
	d.PeelOff = false
	d.NoiseInit = 0.012
	d.SetModel(StageInit, "ddcal/skymodels/ddcal0000-init.skymodel")
	d.SetModel(StageBest, "img/ddcalM-ddcal0000-cdd03-sources.txt")
	for round := range 4 {
		if err := d.PhaseChain.Append(round, filepath.Join("ddcal", "solutions", "ph.h5")+string(rune('a'+round))); err != nil {
			t.Fatal(err)
		}
		if err := d.RecordNoise(round, 0.01-float64(round)*0.001); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Amplitude1Chain.Append(2, "amp1-2.h5"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "directions-c03.cbor")
	if err := registry.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Cycle() != 3 || loaded.Len() != 3 {
		t.Fatalf("loaded cycle %d with %d directions", loaded.Cycle(), loaded.Len())
	}
	for i, original := range registry.All() {
		if got := loaded.All()[i].Name; got != original.Name {
			t.Errorf("direction %d = %s, want %s", i, got, original.Name)
		}
	}

	reloaded, _ := loaded.Get("ddcal0000")
	if !reloaded.Converged || reloaded.NoiseInit != 0.012 || len(reloaded.RoundNoise) != 4 {
		t.Errorf("reloaded state = %+v", reloaded)
	}
	if best, _ := reloaded.Model(StageBest); best != "img/ddcalM-ddcal0000-cdd03-sources.txt" {
		t.Errorf("best model = %q", best)
	}
	if reloaded.PhaseChain.Len() != 4 {
		t.Errorf("phase chain length = %d, want 4", reloaded.PhaseChain.Len())
	}
	if last, ok := reloaded.PhaseChain.Get(-1); !ok || last.Round != 3 {
		t.Errorf("newest phase solution = %+v, %v", last, ok)
	}
	if !reloaded.SolvedAmplitude() {
		t.Error("amplitude chain lost on reload")
	}
	if steep, _ := loaded.Get("ddcal0001"); len(steep.SpectralIndex) != 1 || steep.SolvedAmplitude() {
		t.Errorf("ddcal0001 = %+v", steep)
	}
}

func TestLoadRejectsDamage(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	registry := sampleRegistry(t)
	path := filepath.Join(directory, "good.cbor")
	if err := registry.Save(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	write := func(name string, content []byte) string {
		target := filepath.Join(directory, name)
		if err := os.WriteFile(target, content, 0o644); err != nil {
			t.Fatal(err)
		}
		return target
	}

	t.Run("torn", func(t *testing.T) {
		if _, err := Load(write("torn.cbor", data[:len(data)/2])); err == nil {
			t.Error("Load accepted a truncated file")
		}
	})

	t.Run("checksum", func(t *testing.T) {
		payload, err := codec.Marshal(registry.directions)
		if err != nil {
			t.Fatal(err)
		}
		forged, err := codec.Marshal(envelope{
			Format:   envelopeFormat,
			Version:  SchemaVersion,
			Cycle:    3,
			Checksum: make([]byte, 32),
			Payload:  payload,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Load(write("forged.cbor", forged)); !errors.Is(err, ErrChecksum) {
			t.Errorf("Load error = %v, want ErrChecksum", err)
		}
	})

	t.Run("version", func(t *testing.T) {
		future, err := codec.Marshal(envelope{Format: envelopeFormat, Version: SchemaVersion + 1})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Load(write("future.cbor", future)); !errors.Is(err, ErrVersion) {
			t.Errorf("Load error = %v, want ErrVersion", err)
		}
	})

	t.Run("foreign", func(t *testing.T) {
		foreign, err := codec.Marshal(map[string]int{"hello": 1})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Load(write("foreign.cbor", foreign)); err == nil {
			t.Error("Load accepted a foreign CBOR document")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := Load(filepath.Join(directory, "absent.cbor")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Load error = %v, want ErrNotExist", err)
		}
	})
}

func names(directions []*Direction) []string {
	var result []string
	for _, d := range directions {
		result = append(result, d.Name)
	}
	return result
}
