package config

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskloop", "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	m := newTestManager(t)

	if _, err := os.Stat(m.GetConfigPath()); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg := m.Get()
	if cfg.Playback.MaxFPS != MaxFPSCeiling {
		t.Errorf("MaxFPS = %d, want %d", cfg.Playback.MaxFPS, MaxFPSCeiling)
	}
	if cfg.Playback.FitMode != FitStretch {
		t.Errorf("FitMode = %q, want %q", cfg.Playback.FitMode, FitStretch)
	}
	if !cfg.Preferences.Loop {
		t.Error("Loop preference should always be true")
	}
	if len(cfg.Shell.IconViewClasses) == 0 {
		t.Error("expected default icon view classes")
	}
}

func TestReloadKeepsSavedValues(t *testing.T) {
	m := newTestManager(t)

	if err := m.SetValue("playback.fit_mode", "fill"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := m.SetPort(9191); err != nil {
		t.Fatalf("SetPort failed: %v", err)
	}

	m2, err := NewManager(m.GetConfigPath())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	cfg := m2.Get()
	if cfg.Playback.FitMode != "fill" {
		t.Errorf("FitMode = %q after reload, want fill", cfg.Playback.FitMode)
	}
	if cfg.ServerPort != 9191 {
		t.Errorf("ServerPort = %d after reload, want 9191", cfg.ServerPort)
	}
}

func TestNormalizeClampsFPS(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero", 0, MaxFPSCeiling},
		{"negative", -5, MaxFPSCeiling},
		{"above ceiling", 60, MaxFPSCeiling},
		{"lower is kept", 15, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Playback.MaxFPS = tt.in
			cfg.Normalize()
			if cfg.Playback.MaxFPS != tt.want {
				t.Errorf("MaxFPS = %d, want %d", cfg.Playback.MaxFPS, tt.want)
			}
		})
	}
}

func TestNormalizeForcesLoop(t *testing.T) {
	cfg := Defaults()
	cfg.Preferences.Loop = false
	cfg.Normalize()
	if !cfg.Preferences.Loop {
		t.Error("Normalize should force Loop to true")
	}
}

func TestSetValueValidation(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{"log_level", "debug", false},
		{"log_level", "loud", true},
		{"server_port", "8080", false},
		{"server_port", "0", true},
		{"server_port", "abc", true},
		{"playback.max_fps", "24", false},
		{"playback.max_fps", "60", true},
		{"playback.fit_mode", "fit", false},
		{"playback.fit_mode", "zoom", true},
		{"playback.decoder", "gstreamer", false},
		{"playback.decoder", "vlc", true},
		{"shell.icon_view_classes", "xfdesktop, caja", false},
		{"shell.icon_view_classes", " , ", true},
		{"preview.enabled", "true", false},
		{"preview.enabled", "maybe", true},
		{"no.such.key", "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := m.SetValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetValue(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			}
		})
	}

	v, err := m.Value("shell.icon_view_classes")
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != "xfdesktop,caja" {
		t.Errorf("icon_view_classes = %v, want xfdesktop,caja", v)
	}
}

func TestRecordSourceDedupesAndBounds(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < maxRecentFiles+3; i++ {
		if err := m.RecordSource(filepath.Join("/videos", string(rune('a'+i))+".mp4")); err != nil {
			t.Fatalf("RecordSource failed: %v", err)
		}
	}
	if err := m.RecordSource("/videos/c.mp4"); err != nil {
		t.Fatalf("RecordSource failed: %v", err)
	}

	prefs := m.Get().Preferences
	if len(prefs.RecentFiles) != maxRecentFiles {
		t.Fatalf("len(RecentFiles) = %d, want %d", len(prefs.RecentFiles), maxRecentFiles)
	}
	if prefs.RecentFiles[0] != "/videos/c.mp4" {
		t.Errorf("most recent = %q, want /videos/c.mp4", prefs.RecentFiles[0])
	}
	if prefs.LastSource != "/videos/c.mp4" {
		t.Errorf("LastSource = %q", prefs.LastSource)
	}
	seen := map[string]bool{}
	for _, p := range prefs.RecentFiles {
		if seen[p] {
			t.Errorf("duplicate recent entry %q", p)
		}
		seen[p] = true
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Get()
	cfg.Shell.IconViewClasses[0] = "mutated"
	cfg.Playback.MaxFPS = 1

	again := m.Get()
	if again.Shell.IconViewClasses[0] == "mutated" {
		t.Error("Get should return a copy of slices")
	}
	if again.Playback.MaxFPS == 1 {
		t.Error("Get should return a copy")
	}
}
