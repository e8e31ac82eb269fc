package tapedrive

import "testing"

func TestParseTemperaturePage(t *testing.T) {
	tests := []struct {
		name   string
		output string
		wantC  int64
	}{
		{
			name: "parse current temperature",
			output: `Temperature page  [0xd]
  Current temperature = 42 C
  Reference temperature = <not available>
`,
			wantC: 42,
		},
		{name: "empty output", output: "", wantC: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &DriveStatisticsData{}
			parseTemperaturePage(tt.output, stats)
			if stats.TemperatureC != tt.wantC {
				t.Errorf("expected TemperatureC %d, got %d", tt.wantC, stats.TemperatureC)
			}
		})
	}
}

func TestParseDeviceStatisticsPage(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantFunc func(t *testing.T, stats *DriveStatisticsData)
	}{
		{
			name: "parse device statistics page",
			output: `Device statistics page (ssc-3 and adc)
  Lifetime media loads: 932
  Lifetime power on hours: 102613
  Lifetime power cycles: 29
  Hard write errors: 0
  Hard read errors: 0
`,
			wantFunc: func(t *testing.T, stats *DriveStatisticsData) {
				if stats.TotalLoadCount != 932 {
					t.Errorf("expected TotalLoadCount 932, got %d", stats.TotalLoadCount)
				}
				if stats.PowerOnHours != 102613 {
					t.Errorf("expected PowerOnHours 102613, got %d", stats.PowerOnHours)
				}
				if stats.LifetimePowerCycles != 29 {
					t.Errorf("expected LifetimePowerCycles 29, got %d", stats.LifetimePowerCycles)
				}
			},
		},
		{
			name: "parse hard errors",
			output: `Device statistics page
  Hard write errors: 5
  Hard read errors: 3
`,
			wantFunc: func(t *testing.T, stats *DriveStatisticsData) {
				if stats.WriteErrors != 5 {
					t.Errorf("expected WriteErrors 5, got %d", stats.WriteErrors)
				}
				if stats.ReadErrors != 3 {
					t.Errorf("expected ReadErrors 3, got %d", stats.ReadErrors)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &DriveStatisticsData{}
			parseDeviceStatisticsPage(tt.output, stats)
			tt.wantFunc(t, stats)
		})
	}
}

func TestParseDataCompressionPage(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantRead  int64
		wantWrite int64
	}{
		{
			name: "parse compression ratios",
			output: `Data compression page  (ssc-4) [0x1b]
  Read compression ratio x100: 530
  Write compression ratio x100: 250
`,
			wantRead:  530,
			wantWrite: 250,
		},
		{
			name: "zero compression",
			output: `Data compression page
  Read compression ratio x100: 0
  Write compression ratio x100: 0
`,
			wantRead:  0,
			wantWrite: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &DriveStatisticsData{}
			parseDataCompressionPage(tt.output, stats)
			if stats.ReadCompressionPct != tt.wantRead {
				t.Errorf("expected ReadCompressionPct %d, got %d", tt.wantRead, stats.ReadCompressionPct)
			}
			if stats.WriteCompressionPct != tt.wantWrite {
				t.Errorf("expected WriteCompressionPct %d, got %d", tt.wantWrite, stats.WriteCompressionPct)
			}
		})
	}
}

func TestParseTapeAlertPage(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantFlags string
	}{
		{
			name: "no active alerts",
			output: `Tape alert page (ssc-3) [0x2e]
  Read warning: 0
  Write warning: 0
  Hard error: 0
  Media life: 0
  Cleaning required: 0
`,
			wantFlags: "",
		},
		{
			name: "active alerts",
			output: `Tape alert page (ssc-3) [0x2e]
  Read warning: 0
  Write warning: 1
  Hard error: 0
  Media life: 1
  Cleaning required: 0
  Reserved (30h): 0
  Obsolete (28h): 0
`,
			wantFlags: "Write warning,Media life",
		},
		{name: "empty output", output: "", wantFlags: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &DriveStatisticsData{}
			parseTapeAlertPage(tt.output, stats)
			if stats.TapeAlertFlags != tt.wantFlags {
				t.Errorf("expected TapeAlertFlags %q, got %q", tt.wantFlags, stats.TapeAlertFlags)
			}
		})
	}
}

func TestParseHardwareEncryptionStatus(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantMode   string
		wantEnable bool
	}{
		{
			name:       "encryption on",
			output:     "Drive encryption: on\nAlgorithm: AES",
			wantMode:   "on",
			wantEnable: true,
		},
		{
			name:       "encryption off",
			output:     "Drive encryption: off",
			wantMode:   "off",
			wantEnable: false,
		},
		{
			name:       "encryption mixed",
			output:     "Drive encryption: mixed",
			wantMode:   "mixed",
			wantEnable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &HardwareEncryptionStatus{Mode: "off"}
			parseHardwareEncryptionStatus(tt.output, status)
			if status.Mode != tt.wantMode {
				t.Errorf("expected mode %q, got %q", tt.wantMode, status.Mode)
			}
			if status.Enabled != tt.wantEnable {
				t.Errorf("expected enabled %v, got %v", tt.wantEnable, status.Enabled)
			}
		})
	}
}

func TestSetHardwareEncryptionInvalidKeySize(t *testing.T) {
	d := New("itdt", "/dev/nst0", 65536, false)
	err := d.SetHardwareEncryption(nil, []byte("too-short"))
	if err == nil {
		t.Fatal("expected error for invalid key size")
	}
}

func TestHardwareEncryptionStatusDefaults(t *testing.T) {
	status := &HardwareEncryptionStatus{Mode: "off"}
	if status.Enabled {
		t.Error("expected Enabled false by default")
	}
	if status.Mode != "off" {
		t.Errorf("expected default mode 'off', got %q", status.Mode)
	}
}

func TestExtractSgLogsValue(t *testing.T) {
	if v := extractSgLogsValue("Current temperature = 42 C"); v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if v := extractSgLogsValue("no equals sign here"); v != 0 {
		t.Errorf("expected 0 for missing '=', got %d", v)
	}
}

func TestExtractSgLogsColonValue(t *testing.T) {
	if v := extractSgLogsColonValue("Lifetime media loads: 932"); v != 932 {
		t.Errorf("expected 932, got %d", v)
	}
	if v := extractSgLogsColonValue("no colon here"); v != 0 {
		t.Errorf("expected 0 for missing ':', got %d", v)
	}
}
